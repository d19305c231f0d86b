package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.SFTP.Host = "example.com"
	cfg.SFTP.User = "app"
	cfg.SFTP = cfg.SFTP.WithDefaults()
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"sftp errors are prefixed", func(c *Config) { c.SFTP.Host = "" }, "sftp: host is required"},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "server.addr is required"},
		{"relative prefix", func(c *Config) { c.Server.Prefix = "dav" }, `server.prefix "dav" must start with /`},
		{"negative shutdown", func(c *Config) { c.Server.ShutdownTimeout = -1 }, "server.shutdown_timeout must not be negative"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, `logging.format "xml" must be json or console`},
		{"json format", func(c *Config) { c.Logging.Format = "JSON" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Zero(t, cfg.SFTP.Port, "left unset so ssh config can supply it")
	assert.Equal(t, "~/.ssh/config", cfg.SSHConfig.File)
	assert.Empty(t, cfg.SSHConfig.Host)
	assert.Empty(t, cfg.Server.AdminAddr)
}
