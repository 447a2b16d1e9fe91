// Package sshctl keeps one persistent SSH connection per remote resource and
// runs port forwards and control commands over it.
package sshctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Forward listens on 127.0.0.1:LocalPort and connects each accepted
// connection to RemoteHost:RemotePort as seen from the SSH server.
type Forward struct {
	LocalPort  int
	RemoteHost string
	RemotePort int
}

type Config struct {
	User           string
	Host           string
	Port           int
	KeyFile        string
	KnownHostsFile string
	UseAgent       bool
	DialTimeout    time.Duration
	Forwards       []Forward
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if c.KeyFile != "" {
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if c.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, fmt.Errorf("connecting to ssh agent: %w", err)
			}
			auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(auths) == 0 {
		return nil, errors.New("no ssh authentication method configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKey = cb
	}

	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

type Master struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	client    *ssh.Client
	listeners []net.Listener
}

func NewMaster(cfg Config, logger *slog.Logger) *Master {
	return &Master{cfg: cfg, logger: logger.With("ssh_host", cfg.Host)}
}

// Start connects if needed and opens the configured forwards. Calling it on a
// live master is a no-op.
func (m *Master) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.aliveLocked() {
		return nil
	}
	m.closeLocked()

	cc, err := m.cfg.clientConfig()
	if err != nil {
		return err
	}
	d := net.Dialer{Timeout: cc.Timeout}
	conn, err := d.DialContext(ctx, "tcp", m.cfg.addr())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", m.cfg.addr(), err)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, m.cfg.addr(), cc)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", m.cfg.addr(), err)
	}
	m.client = ssh.NewClient(sc, chans, reqs)

	for _, f := range m.cfg.Forwards {
		if err := m.forwardLocked(f); err != nil {
			m.closeLocked()
			return err
		}
	}
	m.logger.Info("ssh master started", "forwards", len(m.cfg.Forwards))
	return nil
}

func (m *Master) forwardLocked(f Forward) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(f.LocalPort)))
	if err != nil {
		return fmt.Errorf("listening for forward on port %d: %w", f.LocalPort, err)
	}
	m.listeners = append(m.listeners, ln)
	client := m.client
	remote := net.JoinHostPort(f.RemoteHost, strconv.Itoa(f.RemotePort))

	go func() {
		for {
			local, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer local.Close()
				upstream, err := client.Dial("tcp", remote)
				if err != nil {
					m.logger.Warn("forward dial failed", "remote", remote, "err", err)
					return
				}
				defer upstream.Close()
				pipe(local, upstream)
			}()
		}
	}()
	return nil
}

func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
}

// IsAlive sends a keepalive request over the connection.
func (m *Master) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aliveLocked()
}

func (m *Master) aliveLocked() bool {
	if m.client == nil {
		return false
	}
	_, _, err := m.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (m *Master) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.closeLocked()
	m.logger.Info("ssh master stopped")
	return err
}

func (m *Master) closeLocked() error {
	for _, ln := range m.listeners {
		ln.Close()
	}
	m.listeners = nil
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}

// Run executes command on the remote host and returns its combined output,
// capped at MaxOutputSize. A non-zero exit status is returned as an error
// along with the output.
func (m *Master) Run(ctx context.Context, command string) (string, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return "", errors.New("ssh master is not connected")
	}

	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening ssh session: %w", err)
	}
	defer sess.Close()

	out := NewLimitBuffer(MaxOutputSize)
	sess.Stdout = out
	sess.Stderr = out

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err := <-done:
		return out.String(), err
	case <-ctx.Done():
		sess.Signal(ssh.SIGTERM)
		sess.Close()
		return out.String(), ctx.Err()
	}
}
