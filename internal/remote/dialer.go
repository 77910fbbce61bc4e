package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ak3tsm7/remote-job-queue/internal/config"
)

// Dialer opens a channel to the execution host.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn runs commands on an established channel. Run streams output into the
// writers and returns the command's exit code; err is reserved for failures
// to run the command at all.
type Conn interface {
	Run(cmd string, stdout, stderr io.Writer) (exitCode int, err error)
	Close() error
}

// SSHConfig describes the remote host.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string
	DialTimeout    time.Duration
}

// SSHDialer connects with public-key authentication.
type SSHDialer struct {
	addr   string
	config *ssh.ClientConfig
}

func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh host is required")
	}
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification below
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &SSHDialer{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
	}, nil
}

// NewDialer picks the local shell or an SSH dialer for the host in cfg.
func NewDialer(cfg config.Config) (Dialer, error) {
	if cfg.Executor == config.ExecutorLocal {
		return LocalDialer{}, nil
	}
	key, err := LoadPrivateKey(cfg.SSHKeyPath)
	if err != nil {
		return nil, err
	}
	return NewSSHDialer(SSHConfig{
		Host:           cfg.SSHHost,
		Port:           cfg.SSHPort,
		User:           cfg.SSHUser,
		PrivateKey:     key,
		KnownHostsPath: cfg.SSHKnownHosts,
	})
}

// LoadPrivateKey reads a PEM key from disk.
func LoadPrivateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", path, err)
	}
	return key, nil
}

func (d *SSHDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", d.addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, d.addr, d.config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", d.addr, err)
	}
	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Run(cmd string, stdout, stderr io.Writer) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	err = session.Run(cmd)
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}
