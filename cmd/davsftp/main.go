// Command davsftp serves a directory of a remote SSH host over WebDAV.
package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/darshan-rambhia/davsftp/internal/config"
	"github.com/darshan-rambhia/davsftp/internal/logging"
)

// Version information (set at build time)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "davsftp",
	Short: "WebDAV server backed by a remote SFTP share",
	Long: `davsftp exposes a directory on an SSH host as a WebDAV share.

Configuration is read from $HOME/.config/davsftp/config.yaml (or --config),
DAVSFTP_* environment variables (DAVSFTP_SFTP_HOST, DAVSFTP_SERVER_ADDR, ...)
and flags, in increasing order of precedence.`,
	SilenceUsage: true,
}

// connectionFlags maps the flags shared by serve and check onto config keys.
var connectionFlags = map[string]string{
	"host":                     "sftp.host",
	"port":                     "sftp.port",
	"user":                     "sftp.user",
	"key":                      "sftp.key_path",
	"password":                 "sftp.password",
	"agent":                    "sftp.use_agent",
	"known-hosts":              "sftp.known_hosts_file",
	"insecure-ignore-host-key": "sftp.insecure_ignore_host_key",
	"remote-path":              "sftp.remote_path",
	"pool-size":                "sftp.pool_size",
	"ssh-config":               "ssh_config.file",
	"ssh-host":                 "ssh_config.host",
	"log-level":                "logging.level",
	"log-format":               "logging.format",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $HOME/.config/davsftp/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func addConnectionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("host", "", "SSH host")
	f.Int("port", 0, "SSH port (default 22)")
	f.String("user", "", "SSH user")
	f.String("key", "", "path to the SSH private key")
	f.String("password", "", "SSH password")
	f.Bool("agent", false, "authenticate with ssh-agent")
	f.String("known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	f.Bool("insecure-ignore-host-key", false, "skip host key verification (testing only)")
	f.String("remote-path", "", "remote directory served as the share root")
	f.Int("pool-size", 0, "maximum number of concurrent SFTP sessions")
	f.String("ssh-config", "", "OpenSSH client config to resolve --ssh-host in")
	f.String("ssh-host", "", "host alias from the OpenSSH client config")
	f.String("log-level", "", "logging level (debug, info, warn, error)")
	f.String("log-format", "", "logging format (json, console)")
}

// loadConfig loads the configuration with cmd's flags bound on top and
// initializes logging from it.
func loadConfig(cmd *cobra.Command, flags map[string]string) (*config.Config, error) {
	loader := config.NewLoader()
	if configFile != "" {
		loader.SetConfigFile(configFile)
	}
	if err := loader.BindFlags(cmd.Flags(), flags); err != nil {
		return nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	if used := loader.ConfigFileUsed(); used != "" {
		logging.Logger.Debug().Str("config_file", used).Msg("loaded config file")
	}
	logging.Logger.Debug().Interface("settings", logging.RedactMap(loader.Viper().AllSettings())).Msg("effective configuration")
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "davsftp %s (commit %s, built %s)\n", version, commit, date)
	},
}

func main() {
	gin.SetMode(gin.ReleaseMode)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
