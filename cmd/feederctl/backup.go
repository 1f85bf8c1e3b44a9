package main

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/scrypster/feederwatch/internal/app"
	"github.com/scrypster/feederwatch/internal/backup"
)

func (c *commandContext) backupService() (*backup.Service, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return app.NewBackupService(cfg, c.logger())
}

func newBackupCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take a verified snapshot of the SQLite store",
		Long:  "Take a verified snapshot of the SQLite store. Safe to run while the daemon is serving.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.backupService()
			if err != nil {
				return err
			}
			res, err := svc.BackupNow(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd, res)
		},
	}
	cmd.AddCommand(newBackupListCommand(ctx))
	return cmd
}

func newBackupListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.backupService()
			if err != nil {
				return err
			}
			list, err := svc.List()
			if err != nil {
				return err
			}
			if list == nil {
				list = []backup.Info{}
			}
			return writeJSON(cmd, list)
		},
	}
}

func newRestoreCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Replace the SQLite store with a backup (daemon must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lock, err := app.LockDataDir(cfg.Storage.DataPath)
			if errors.Is(err, app.ErrLocked) {
				return fmt.Errorf("%w; stop the daemon before restoring", err)
			}
			if err != nil {
				return err
			}
			defer func(lock *flock.Flock) { _ = lock.Unlock() }(lock)

			svc, err := ctx.backupService()
			if err != nil {
				return err
			}
			if err := svc.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", args[0])
			return err
		},
	}
}
