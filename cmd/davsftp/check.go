package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/darshan-rambhia/davsftp"
	"github.com/darshan-rambhia/davsftp/internal/logging"
	"github.com/darshan-rambhia/davsftp/internal/sshconfig"
)

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(hostsCmd)

	addConnectionFlags(checkCmd)
	hostsCmd.Flags().String("ssh-config", sshconfig.DefaultFile, "OpenSSH client config")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Connect once and list the share root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, connectionFlags)
		if err != nil {
			return err
		}
		sftpCfg := cfg.SFTP
		sftpCfg.PoolSize = 1
		sftpCfg.KeepaliveInterval = -1

		pool, err := davsftp.NewPool(sftpCfg, davsftp.WithLogger(logging.Component("pool")))
		if err != nil {
			return err
		}
		defer pool.Shutdown(context.Background())

		translator, err := davsftp.NewTranslator(pool)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sftpCfg.DialTimeout+sftpCfg.OperationTimeout)
		defer cancel()

		res, err := translator.Do(ctx, davsftp.Request{Op: davsftp.OpList, Path: "/"})
		if err != nil {
			return fmt.Errorf("check %s@%s:%s: %w", sftpCfg.User, sftpCfg.Addr(), sftpCfg.RemotePath, err)
		}
		entries := res.Entries

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Connected to %s@%s, %s has %d entries\n", sftpCfg.User, sftpCfg.Addr(), sftpCfg.RemotePath, len(entries))
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, e := range entries {
			kind := "file"
			if e.IsDir {
				kind = "dir"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", kind, e.Mode, e.Size, e.Name)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		stats, _ := json.Marshal(pool.Stats())
		logging.Logger.Debug().RawJSON("pool", stats).Msg("pool stats")
		return nil
	},
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List the host aliases of an OpenSSH client config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("ssh-config")
		f, err := sshconfig.Load(file)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, alias := range f.Hosts() {
			h, err := f.Lookup(alias)
			if err != nil {
				return err
			}
			port := ""
			if h.Port != 0 {
				port = fmt.Sprint(h.Port)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", alias, h.User, h.HostName, port)
		}
		return w.Flush()
	},
}
