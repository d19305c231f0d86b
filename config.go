package davsftp

import (
	"errors"
	"fmt"
	"path"
	"time"
)

// AuthMethod represents the SSH authentication method to use.
type AuthMethod string

const (
	// AuthMethodPrivateKey uses SSH private key authentication (default).
	AuthMethodPrivateKey AuthMethod = "private_key"
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"
	// AuthMethodCertificate uses SSH certificate authentication.
	AuthMethodCertificate AuthMethod = "certificate"
	// AuthMethodAgent uses the keys held by a running ssh-agent.
	AuthMethodAgent AuthMethod = "agent"
)

// Default values applied by WithDefaults.
const (
	DefaultPort               = 22
	DefaultPoolSize           = 3
	DefaultDialTimeout        = 10 * time.Second
	DefaultAcquireTimeout     = 5 * time.Second
	DefaultOperationTimeout   = 30 * time.Second
	DefaultKeepaliveInterval  = 30 * time.Second
	DefaultHealthCheckTimeout = 5 * time.Second
	DefaultChunkSize          = 32 * 1024
)

// Config holds SSH connection and share configuration. It is read-only once
// handed to NewPool.
type Config struct {
	// Host is the target SSH server hostname or IP address.
	Host string `mapstructure:"host"`

	// Port is the SSH port (default 22).
	Port int `mapstructure:"port"`

	// User is the SSH username.
	User string `mapstructure:"user"`

	// AuthMethod specifies which authentication method to use.
	// If not set, it will be inferred from the provided credentials.
	AuthMethod AuthMethod `mapstructure:"auth_method"`

	// PrivateKey is the SSH private key content (PEM encoded).
	// Mutually exclusive with KeyPath.
	PrivateKey string `mapstructure:"private_key"`

	// KeyPath is the path to the SSH private key file.
	// Mutually exclusive with PrivateKey.
	KeyPath string `mapstructure:"key_path"`

	// Passphrase decrypts an encrypted private key.
	Passphrase string `mapstructure:"passphrase"`

	// Password is the SSH password for password authentication.
	Password string `mapstructure:"password"`

	// Certificate is the SSH certificate content.
	// Used with PrivateKey or KeyPath for certificate authentication.
	Certificate string `mapstructure:"certificate"`

	// CertificatePath is the path to the SSH certificate file.
	CertificatePath string `mapstructure:"certificate_path"`

	// UseAgent authenticates with the keys of the ssh-agent at AgentSocket
	// (or $SSH_AUTH_SOCK).
	UseAgent bool `mapstructure:"use_agent"`

	// AgentSocket overrides $SSH_AUTH_SOCK.
	AgentSocket string `mapstructure:"agent_socket"`

	// KnownHostsFile is the path to a known_hosts file for host key verification.
	// If not set, defaults to ~/.ssh/known_hosts if it exists.
	KnownHostsFile string `mapstructure:"known_hosts_file"`

	// InsecureIgnoreHostKey skips host key verification.
	// WARNING: This is insecure and should only be used for testing.
	InsecureIgnoreHostKey bool `mapstructure:"insecure_ignore_host_key"`

	// BastionHost is the hostname or IP of a bastion/jump host.
	BastionHost string `mapstructure:"bastion_host"`

	// BastionPort is the SSH port of the bastion host (default 22).
	BastionPort int `mapstructure:"bastion_port"`

	// BastionUser is the SSH username for the bastion host.
	// Falls back to User if not set.
	BastionUser string `mapstructure:"bastion_user"`

	// BastionKey is the private key content for the bastion host.
	// Falls back to PrivateKey if not set.
	BastionKey string `mapstructure:"bastion_key"`

	// BastionKeyPath is the path to the private key for the bastion host.
	// Falls back to KeyPath if not set.
	BastionKeyPath string `mapstructure:"bastion_key_path"`

	// BastionPassword is the password for the bastion host.
	BastionPassword string `mapstructure:"bastion_password"`

	// RemotePath is the remote directory exposed as the WebDAV root.
	RemotePath string `mapstructure:"remote_path"`

	// PoolSize is the maximum number of concurrently open sessions.
	PoolSize int `mapstructure:"pool_size"`

	// DialTimeout bounds the SSH handshake of a new session.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// AcquireTimeout bounds how long an operation waits for a free session.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// OperationTimeout bounds a single translator operation. Streams are
	// bounded per SFTP call, not over their whole lifetime.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`

	// KeepaliveInterval is the period of the pool's idle-session probe.
	// Negative disables the probe.
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`

	// HealthCheckTimeout bounds the liveness probe of a session.
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`

	// ChunkSize is the buffer size used when streaming file bodies.
	ChunkSize int `mapstructure:"chunk_size"`

	// Retry configures reconnect attempts when a session must be replaced.
	Retry RetryConfig `mapstructure:"retry"`
}

// WithDefaults returns a copy of the config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BastionPort == 0 && c.BastionHost != "" {
		c.BastionPort = DefaultPort
	}
	if c.RemotePath == "" {
		c.RemotePath = "/"
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = ReconnectRetryConfig()
	}
	return c
}

// Validate checks the fields every session needs. Authentication material is
// checked when the first session is opened.
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if err := c.validatePool(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) validatePool() error {
	var errs []error
	if !path.IsAbs(c.RemotePath) {
		errs = append(errs, fmt.Errorf("remote path %q must be absolute", c.RemotePath))
	}
	if c.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("pool size must be at least 1, got %d", c.PoolSize))
	}
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk size must be at least 1, got %d", c.ChunkSize))
	}
	return errors.Join(errs...)
}

// Addr returns host:port of the target.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
