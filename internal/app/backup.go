package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/backup"
	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/pkg/types"
)

// backupTimeout bounds one scheduled backup.
const backupTimeout = 10 * time.Minute

// NewBackupService returns the backup service for the SQLite store. Postgres
// deployments back up with their own tooling.
func NewBackupService(cfg *config.Config, logger *logrus.Logger) (*backup.Service, error) {
	if cfg.Storage.StorageEngine == "postgres" {
		return nil, fmt.Errorf("%w: backups are only supported for the sqlite storage engine", types.ErrPreconditionFailed)
	}
	return backup.New(backup.Config{
		DBPath:    filepath.Join(cfg.Storage.DataPath, DatabaseFile),
		Dir:       cfg.Storage.BackupDir,
		Retention: backup.DefaultRetention(),
		Verify:    true,
	}, logger)
}

// ScheduleBackups runs svc.BackupNow every interval until the returned
// scheduler is shut down.
func ScheduleBackups(ctx context.Context, svc *backup.Service, interval time.Duration, logger *logrus.Logger) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("backup: failed to create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backupTimeout)
			defer cancel()
			if _, err := svc.BackupNow(jobCtx); err != nil {
				logger.WithError(err).Warn("scheduled backup failed")
			}
		}),
		gocron.WithName("sqlite-backup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("backup: failed to schedule job: %w", err)
	}
	scheduler.Start()
	logger.WithFields(logrus.Fields{
		"interval": interval.String(),
		"dir":      svc.Dir(),
	}).Info("backups scheduled")
	return scheduler, nil
}
