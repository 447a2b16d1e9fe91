package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cbrain/controlplane/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Duration decodes YAML strings such as "15s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) D() time.Duration { return time.Duration(d) }

type User struct {
	Login string `yaml:"login" validate:"required"`
	Token string `yaml:"token" validate:"required,min=8"`
	Admin bool   `yaml:"admin"`
}

// Resource describes a BrainPortal or Bourreau the portal should know about.
type Resource struct {
	Name      string `yaml:"name" validate:"required"`
	Type      string `yaml:"type" validate:"required,oneof=BrainPortal Bourreau"`
	AuthToken string `yaml:"auth_token" validate:"required,min=8"`
	Timeout   int    `yaml:"rr_timeout" validate:"gte=0"`
	CacheDir  string `yaml:"cache_dir"`

	SSHUser string `yaml:"ssh_control_user"`
	SSHHost string `yaml:"ssh_control_host"`
	SSHPort int    `yaml:"ssh_control_port" validate:"gte=0,lte=65535"`
	SSHDir  string `yaml:"ssh_control_dir"`
	SSHCtl  string `yaml:"ssh_control_ctl"`

	TunnelActresPort int    `yaml:"tunnel_actres_port" validate:"gte=0,lte=65535"`
	ActresHost       string `yaml:"actres_host"`
	ActresPort       int    `yaml:"actres_port" validate:"gte=0,lte=65535"`
}

type DispatcherConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	CrashedAfter Duration `yaml:"crashed_after"`
	Workers      int      `yaml:"workers" validate:"gte=0,lte=20"`
}

type LivenessConfig struct {
	Interval    Duration `yaml:"interval"`
	GraceWindow Duration `yaml:"grace_window"`
	StartGrace  Duration `yaml:"start_grace"`
}

type SSHConfig struct {
	KeyFile        string   `yaml:"key_file"`
	KnownHostsFile string   `yaml:"known_hosts_file"`
	UseAgent       bool     `yaml:"use_agent"`
	DialTimeout    Duration `yaml:"dial_timeout"`
}

type NotifyConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisChannel  string `yaml:"redis_channel"`
	RatePerMinute int    `yaml:"rate_per_minute" validate:"gte=0"`
}

type PortalConfig struct {
	Addr           string           `yaml:"addr" validate:"required"`
	DBPath         string           `yaml:"db_path" validate:"required"`
	Name           string           `yaml:"name" validate:"required"`
	AuthToken      string           `yaml:"auth_token" validate:"required,min=8"`
	CertPath       string           `yaml:"cert_path"`
	KeyPath        string           `yaml:"key_path"`
	Timezone       string           `yaml:"timezone"`
	CacheDir       string           `yaml:"cache_dir"`
	CommandTimeout Duration         `yaml:"command_timeout"`
	Users          []User           `yaml:"users" validate:"dive"`
	Resources      []Resource       `yaml:"resources" validate:"dive"`
	Dispatcher     DispatcherConfig `yaml:"dispatcher"`
	Liveness       LivenessConfig   `yaml:"liveness"`
	SSH            SSHConfig        `yaml:"ssh"`
	Notify         NotifyConfig     `yaml:"notify"`
}

type BourreauConfig struct {
	Addr           string           `yaml:"addr" validate:"required"`
	DBPath         string           `yaml:"db_path" validate:"required"`
	Name           string           `yaml:"name" validate:"required"`
	CertPath       string           `yaml:"cert_path"`
	KeyPath        string           `yaml:"key_path"`
	CacheDir       string           `yaml:"cache_dir"`
	Timezone       string           `yaml:"timezone"`
	StartWorkers   bool             `yaml:"start_workers"`
	CommandTimeout Duration         `yaml:"command_timeout"`
	Dispatcher     DispatcherConfig `yaml:"dispatcher"`
	Notify         NotifyConfig     `yaml:"notify"`
}

func (d *DispatcherConfig) applyDefaults() {
	if d.PollInterval == 0 {
		d.PollInterval = Duration(15 * time.Second)
	}
	if d.CrashedAfter == 0 {
		d.CrashedAfter = Duration(12 * time.Hour)
	}
	if d.Workers == 0 {
		d.Workers = 1
	}
}

func (l *LivenessConfig) applyDefaults() {
	if l.Interval == 0 {
		l.Interval = Duration(time.Minute)
	}
	if l.GraceWindow == 0 {
		l.GraceWindow = Duration(time.Minute)
	}
	if l.StartGrace == 0 {
		l.StartGrace = Duration(3 * time.Second)
	}
}

func (n *NotifyConfig) applyDefaults() {
	if n.RedisChannel == "" {
		n.RedisChannel = "cbrain:notifications"
	}
	if n.RatePerMinute == 0 {
		n.RatePerMinute = 30
	}
}

// Model converts the configured resource to its stored form. New resources
// start offline until they are started or answer a probe.
func (r Resource) Model() *models.RemoteResource {
	return &models.RemoteResource{
		Name:             r.Name,
		Type:             models.ResourceType(r.Type),
		AuthToken:        r.AuthToken,
		Timeout:          r.Timeout,
		CacheDir:         r.CacheDir,
		SSHControlUser:   r.SSHUser,
		SSHControlHost:   r.SSHHost,
		SSHControlPort:   r.SSHPort,
		SSHControlDir:    r.SSHDir,
		SSHControlCtl:    r.SSHCtl,
		TunnelActresPort: r.TunnelActresPort,
		ActresHost:       r.ActresHost,
		ActresPort:       r.ActresPort,
	}
}

// Location resolves the configured timezone name, defaulting to the local zone.
func Location(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func LoadPortalConfig(path string) (*PortalConfig, error) {
	var cfg PortalConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Dispatcher.applyDefaults()
	cfg.Liveness.applyDefaults()
	cfg.Notify.applyDefaults()
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = Duration(10 * time.Second)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid portal config %s: %w", path, err)
	}
	return &cfg, nil
}

func LoadBourreauConfig(path string) (*BourreauConfig, error) {
	var cfg BourreauConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Dispatcher.applyDefaults()
	cfg.Notify.applyDefaults()
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = Duration(10 * time.Second)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid bourreau config %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
