package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/darshan-rambhia/davsftp"
	"github.com/darshan-rambhia/davsftp/davserver"
	"github.com/darshan-rambhia/davsftp/internal/logging"
)

var serveFlags = map[string]string{
	"addr":       "server.addr",
	"admin-addr": "server.admin_addr",
	"prefix":     "server.prefix",
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addConnectionFlags(serveCmd)
	serveCmd.Flags().String("addr", "", "WebDAV listen address (default localhost:8080)")
	serveCmd.Flags().String("admin-addr", "", "listen address of /healthz and /readyz")
	serveCmd.Flags().String("prefix", "", "URL path prefix of the share")
	serveCmd.Flags().Bool("warm", true, "open every pool session before accepting requests")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the remote directory over WebDAV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := maps.Clone(connectionFlags)
		maps.Copy(flags, serveFlags)
		cfg, err := loadConfig(cmd, flags)
		if err != nil {
			return err
		}
		logger := logging.Component("davsftp")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pool, err := davsftp.NewPool(cfg.SFTP, davsftp.WithLogger(logging.Component("pool")))
		if err != nil {
			return err
		}
		translator, err := davsftp.NewTranslator(pool, davsftp.WithTranslatorLogger(logging.Component("translator")))
		if err != nil {
			return err
		}

		logger.Info().
			Str("version", version).
			Str("target", fmt.Sprintf("%s@%s", cfg.SFTP.User, cfg.SFTP.Addr())).
			Str("remote_path", cfg.SFTP.RemotePath).
			Int("pool_size", cfg.SFTP.PoolSize).
			Msg("davsftp starting")

		if warm, _ := cmd.Flags().GetBool("warm"); warm {
			if err := pool.Warm(ctx); err != nil {
				_ = pool.Shutdown(context.Background())
				return fmt.Errorf("failed to connect to %s: %w", cfg.SFTP.Addr(), err)
			}
		}

		srv := davserver.NewServer(translator, davserver.ServerOptions{
			Addr:            cfg.Server.Addr,
			AdminAddr:       cfg.Server.AdminAddr,
			Prefix:          cfg.Server.Prefix,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logging.Component("server"))

		go func() {
			for ev := range srv.Events() {
				if ev.Kind == davserver.EventStarted {
					fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s%s/\n", cfg.SFTP.RemotePath, ev.Addr, cfg.Server.Prefix)
				}
			}
		}()

		return srv.Run(ctx)
	},
}
