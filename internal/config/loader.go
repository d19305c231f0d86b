package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/darshan-rambhia/davsftp/internal/sshconfig"
)

// EnvPrefix is the prefix of every environment variable read by the loader.
const EnvPrefix = "DAVSFTP"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// BindFlags binds command line flags to config keys. flags maps a flag name
// to its key, e.g. "host" -> "sftp.host". Only flags the user changed
// override the other sources.
func (l *Loader) BindFlags(fs *pflag.FlagSet, flags map[string]string) error {
	for name, key := range flags {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if cfg.SSHConfig.Host != "" {
		host, err := sshconfig.Resolve(cfg.SSHConfig.File, cfg.SSHConfig.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ssh config host %q: %w", cfg.SSHConfig.Host, err)
		}
		cfg.SFTP = host.Apply(cfg.SFTP)
	}
	cfg.SFTP = cfg.SFTP.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key. It takes precedence over every other
// source.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// Viper returns the underlying Viper instance for advanced use.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "davsftp"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "davsftp"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)

	// Unmarshal only sees env vars for keys viper already knows about.
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()
}

// keys lists every configurable key.
var keys = []string{
	"sftp.host",
	"sftp.port",
	"sftp.user",
	"sftp.auth_method",
	"sftp.private_key",
	"sftp.key_path",
	"sftp.passphrase",
	"sftp.password",
	"sftp.certificate",
	"sftp.certificate_path",
	"sftp.use_agent",
	"sftp.agent_socket",
	"sftp.known_hosts_file",
	"sftp.insecure_ignore_host_key",
	"sftp.bastion_host",
	"sftp.bastion_port",
	"sftp.bastion_user",
	"sftp.bastion_key",
	"sftp.bastion_key_path",
	"sftp.bastion_password",
	"sftp.remote_path",
	"sftp.pool_size",
	"sftp.dial_timeout",
	"sftp.acquire_timeout",
	"sftp.operation_timeout",
	"sftp.keepalive_interval",
	"sftp.health_check_timeout",
	"sftp.chunk_size",
	"sftp.retry.max_retries",
	"sftp.retry.initial_delay",
	"sftp.retry.max_delay",
	"sftp.retry.multiplier",
	"sftp.retry.jitter_factor",
	"server.addr",
	"server.admin_addr",
	"server.prefix",
	"server.shutdown_timeout",
	"logging.level",
	"logging.format",
	"logging.enable_caller",
	"ssh_config.file",
	"ssh_config.host",
}

func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// SFTP
	v.SetDefault("sftp.port", cfg.SFTP.Port)
	v.SetDefault("sftp.remote_path", cfg.SFTP.RemotePath)
	v.SetDefault("sftp.pool_size", cfg.SFTP.PoolSize)
	v.SetDefault("sftp.dial_timeout", cfg.SFTP.DialTimeout)
	v.SetDefault("sftp.acquire_timeout", cfg.SFTP.AcquireTimeout)
	v.SetDefault("sftp.operation_timeout", cfg.SFTP.OperationTimeout)
	v.SetDefault("sftp.keepalive_interval", cfg.SFTP.KeepaliveInterval)
	v.SetDefault("sftp.health_check_timeout", cfg.SFTP.HealthCheckTimeout)
	v.SetDefault("sftp.chunk_size", cfg.SFTP.ChunkSize)
	v.SetDefault("sftp.retry.max_retries", cfg.SFTP.Retry.MaxRetries)
	v.SetDefault("sftp.retry.initial_delay", cfg.SFTP.Retry.InitialDelay)
	v.SetDefault("sftp.retry.max_delay", cfg.SFTP.Retry.MaxDelay)
	v.SetDefault("sftp.retry.multiplier", cfg.SFTP.Retry.Multiplier)
	v.SetDefault("sftp.retry.jitter_factor", cfg.SFTP.Retry.JitterFactor)

	// Server
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.admin_addr", cfg.Server.AdminAddr)
	v.SetDefault("server.prefix", cfg.Server.Prefix)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// ssh config
	v.SetDefault("ssh_config.file", cfg.SSHConfig.File)
	v.SetDefault("ssh_config.host", cfg.SSHConfig.Host)
}

// loadConfigFile reads the config file. A missing file is only an error when
// it was named explicitly.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(expandTilde(l.configFile))
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && l.configFile == "" {
			return nil
		}
		return err
	}
	return nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.SFTP.KeyPath = expandTilde(cfg.SFTP.KeyPath)
	cfg.SFTP.CertificatePath = expandTilde(cfg.SFTP.CertificatePath)
	cfg.SFTP.KnownHostsFile = expandTilde(cfg.SFTP.KnownHostsFile)
	cfg.SFTP.BastionKeyPath = expandTilde(cfg.SFTP.BastionKeyPath)
	cfg.SFTP.AgentSocket = expandTilde(cfg.SFTP.AgentSocket)
	cfg.SSHConfig.File = expandTilde(cfg.SSHConfig.File)
}
