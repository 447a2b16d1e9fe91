package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// CLIConfig is what cbrainctl remembers between runs.
type CLIConfig struct {
	PortalURL string `yaml:"portal_url"`
	Token     string `yaml:"token"`
}

// CLIConfigPath is $CBRAIN_CLI_CONFIG, or ~/.cbrain.yaml.
func CLIConfigPath() (string, error) {
	if p := os.Getenv("CBRAIN_CLI_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cbrain.yaml"), nil
}

// LoadCLIConfig returns an empty config when none was saved yet.
func LoadCLIConfig() (*CLIConfig, error) {
	path, err := CLIConfigPath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &CLIConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg := &CLIConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// SaveCLIConfig replaces the saved config. The file holds a token, so it is
// written owner-only through a rename.
func SaveCLIConfig(cfg *CLIConfig) error {
	path, err := CLIConfigPath()
	if err != nil {
		return err
	}
	out := *cfg
	out.PortalURL = strings.TrimRight(out.PortalURL, "/")
	raw, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
