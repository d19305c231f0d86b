package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-rambhia/davsftp"
)

// isolate points HOME and XDG_CONFIG_HOME at empty directories so no real
// user config is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return home
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("DAVSFTP_SFTP_HOST", "example.com")
	t.Setenv("DAVSFTP_SFTP_USER", "app")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "example.com", cfg.SFTP.Host)
	assert.Equal(t, "app", cfg.SFTP.User)
	assert.Equal(t, davsftp.DefaultPort, cfg.SFTP.Port)
	assert.Equal(t, "/", cfg.SFTP.RemotePath)
	assert.Equal(t, davsftp.DefaultPoolSize, cfg.SFTP.PoolSize)
	assert.Equal(t, davsftp.DefaultAcquireTimeout, cfg.SFTP.AcquireTimeout)
	assert.Equal(t, davsftp.ReconnectRetryConfig(), cfg.SFTP.Retry)
	assert.Equal(t, "localhost:8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_ConfigFile(t *testing.T) {
	home := isolate(t)
	path := writeFile(t, home, "davsftp.yaml", `
sftp:
  host: files.example.com
  port: 2222
  user: deploy
  key_path: ~/.ssh/id_deploy
  remote_path: /srv/share
  pool_size: 5
  dial_timeout: 3s
  operation_timeout: 1m
  retry:
    max_retries: 1
    initial_delay: 50ms
server:
  addr: ":9000"
  admin_addr: "127.0.0.1:9001"
  prefix: /dav
logging:
  level: debug
  format: json
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "files.example.com", cfg.SFTP.Host)
	assert.Equal(t, 2222, cfg.SFTP.Port)
	assert.Equal(t, "deploy", cfg.SFTP.User)
	assert.Equal(t, filepath.Join(home, ".ssh", "id_deploy"), cfg.SFTP.KeyPath)
	assert.Equal(t, "/srv/share", cfg.SFTP.RemotePath)
	assert.Equal(t, 5, cfg.SFTP.PoolSize)
	assert.Equal(t, 3*time.Second, cfg.SFTP.DialTimeout)
	assert.Equal(t, time.Minute, cfg.SFTP.OperationTimeout)
	assert.Equal(t, 1, cfg.SFTP.Retry.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.SFTP.Retry.InitialDelay)
	assert.Equal(t, davsftp.ReconnectRetryConfig().MaxDelay, cfg.SFTP.Retry.MaxDelay, "unset keys keep their default")
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "127.0.0.1:9001", cfg.Server.AdminAddr)
	assert.Equal(t, "/dav", cfg.Server.Prefix)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_SearchPath(t *testing.T) {
	home := isolate(t)
	writeFile(t, home, ".config/davsftp/config.yaml", "sftp:\n  host: xdg.example.com\n  user: app\n")

	loader := NewLoader()
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "xdg.example.com", cfg.SFTP.Host)
	assert.Equal(t, filepath.Join(home, ".config", "davsftp", "config.yaml"), loader.ConfigFileUsed())
}

func TestLoad_Precedence(t *testing.T) {
	home := isolate(t)
	path := writeFile(t, home, "config.yaml", `
sftp:
  host: file-host
  user: file-user
  pool_size: 4
  remote_path: /file
`)
	t.Setenv("DAVSFTP_SFTP_HOST", "env-host")
	t.Setenv("DAVSFTP_SFTP_USER", "env-user")
	t.Setenv("DAVSFTP_SFTP_ACQUIRE_TIMEOUT", "7s")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("host", "", "")
	fs.Int("pool-size", 0, "")
	fs.String("remote-path", "/flag-default", "")
	require.NoError(t, fs.Parse([]string{"--host", "flag-host"}))

	loader := NewLoader()
	loader.SetConfigFile(path)
	require.NoError(t, loader.BindFlags(fs, map[string]string{
		"host":        "sftp.host",
		"pool-size":   "sftp.pool_size",
		"remote-path": "sftp.remote_path",
	}))

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "flag-host", cfg.SFTP.Host, "flags beat env and file")
	assert.Equal(t, "env-user", cfg.SFTP.User, "env beats file")
	assert.Equal(t, 7*time.Second, cfg.SFTP.AcquireTimeout, "env beats defaults")
	assert.Equal(t, 4, cfg.SFTP.PoolSize, "unchanged flags do not override the file")
	assert.Equal(t, "/file", cfg.SFTP.RemotePath)
}

func TestLoad_Set(t *testing.T) {
	isolate(t)
	t.Setenv("DAVSFTP_SFTP_HOST", "env-host")

	loader := NewLoader()
	loader.Set("sftp.host", "set-host")
	loader.Set("sftp.user", "set-user")
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "set-host", cfg.SFTP.Host)
	assert.NotNil(t, loader.Viper())
}

func TestLoad_SSHConfig(t *testing.T) {
	home := isolate(t)
	sshConfig := writeFile(t, home, ".ssh/config", `
Host share
  HostName files.internal
  Port 2200
  User sshuser
  IdentityFile ~/.ssh/id_share
`)
	t.Setenv("DAVSFTP_SSH_CONFIG_FILE", sshConfig)
	t.Setenv("DAVSFTP_SSH_CONFIG_HOST", "share")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "files.internal", cfg.SFTP.Host)
	assert.Equal(t, 2200, cfg.SFTP.Port)
	assert.Equal(t, "sshuser", cfg.SFTP.User)
	assert.Equal(t, filepath.Join(home, ".ssh", "id_share"), cfg.SFTP.KeyPath)

	// Explicit settings win over the ssh config.
	t.Setenv("DAVSFTP_SFTP_PORT", "2022")
	t.Setenv("DAVSFTP_SFTP_USER", "explicit")
	cfg, err = NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 2022, cfg.SFTP.Port)
	assert.Equal(t, "explicit", cfg.SFTP.User)

	t.Setenv("DAVSFTP_SSH_CONFIG_FILE", filepath.Join(home, "missing"))
	_, err = NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `failed to resolve ssh config host "share"`)
}

func TestLoad_Errors(t *testing.T) {
	home := isolate(t)

	tests := []struct {
		name      string
		file      string
		content   string
		errSubstr string
	}{
		{
			name:      "named file missing",
			file:      filepath.Join(home, "nope.yaml"),
			errSubstr: "failed to load config file",
		},
		{
			name:      "invalid yaml",
			file:      "bad.yaml",
			content:   "sftp: [unclosed",
			errSubstr: "failed to load config file",
		},
		{
			name:      "invalid duration",
			file:      "duration.yaml",
			content:   "sftp:\n  host: h\n  user: u\n  dial_timeout: soon\n",
			errSubstr: "failed to unmarshal config",
		},
		{
			name:      "validation",
			file:      "invalid.yaml",
			content:   "sftp:\n  user: u\nserver:\n  prefix: dav\n",
			errSubstr: "config validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.file
			if tt.content != "" {
				path = writeFile(t, t.TempDir(), tt.file, tt.content)
			}
			_, err := LoadFromFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestLoader_BindFlagsUnknown(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	err := NewLoader().BindFlags(fs, map[string]string{"nope": "sftp.host"})
	assert.EqualError(t, err, `unknown flag "nope"`)
}

func TestExpandTilde(t *testing.T) {
	home := isolate(t)

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"~", home},
		{"~/x/y", filepath.Join(home, "x", "y")},
		{"/abs/path", "/abs/path"},
		{"~other/x", "~other/x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandTilde(tt.in), tt.in)
	}
}
