// Package config loads davsftp configuration from defaults, a YAML file,
// DAVSFTP_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/darshan-rambhia/davsftp"
	"github.com/darshan-rambhia/davsftp/internal/logging"
)

// Config is the top level davsftp configuration.
type Config struct {
	// SFTP configures the remote host and the session pool.
	SFTP davsftp.Config `mapstructure:"sftp"`

	// Server configures the WebDAV listener.
	Server ServerConfig `mapstructure:"server"`

	// Logging configures the global logger.
	Logging logging.Config `mapstructure:"logging"`

	// SSHConfig names an OpenSSH config host to read connection settings
	// from. Values set explicitly under sftp win.
	SSHConfig SSHConfigRef `mapstructure:"ssh_config"`
}

// ServerConfig configures the HTTP side.
type ServerConfig struct {
	// Addr is the WebDAV listen address.
	Addr string `mapstructure:"addr"`

	// AdminAddr serves /healthz and /readyz when not empty.
	AdminAddr string `mapstructure:"admin_addr"`

	// Prefix mounts the share below a URL prefix, e.g. "/dav".
	Prefix string `mapstructure:"prefix"`

	// ShutdownTimeout bounds the graceful shutdown of the listener and the
	// pool.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SSHConfigRef points at a host block in an OpenSSH client config.
type SSHConfigRef struct {
	File string `mapstructure:"file"`
	Host string `mapstructure:"host"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		// Port stays 0 so an ssh config Port can apply; WithDefaults
		// falls back to 22.
		SFTP: davsftp.Config{
			RemotePath:         "/",
			PoolSize:           davsftp.DefaultPoolSize,
			DialTimeout:        davsftp.DefaultDialTimeout,
			AcquireTimeout:     davsftp.DefaultAcquireTimeout,
			OperationTimeout:   davsftp.DefaultOperationTimeout,
			KeepaliveInterval:  davsftp.DefaultKeepaliveInterval,
			HealthCheckTimeout: davsftp.DefaultHealthCheckTimeout,
			ChunkSize:          davsftp.DefaultChunkSize,
			Retry:              davsftp.ReconnectRetryConfig(),
		},
		Server: ServerConfig{
			Addr:            "localhost:8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
		SSHConfig: SSHConfigRef{
			File: "~/.ssh/config",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if err := c.SFTP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sftp: %w", err))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.Prefix != "" && !strings.HasPrefix(c.Server.Prefix, "/") {
		errs = append(errs, fmt.Errorf("server.prefix %q must start with /", c.Server.Prefix))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}
