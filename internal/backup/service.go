package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/pkg/types"
)

// Service creates, lists and restores backups of one SQLite database.
type Service struct {
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastBackup time.Time
}

// New validates cfg and creates the backup directory.
func New(cfg Config, logger *logrus.Logger) (*Service, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%w: backup: database path is required", types.ErrInvalidInput)
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}
	def := DefaultRetention()
	if cfg.Retention.Hourly <= 0 {
		cfg.Retention.Hourly = def.Hourly
	}
	if cfg.Retention.Daily <= 0 {
		cfg.Retention.Daily = def.Daily
	}
	if cfg.Retention.Weekly <= 0 {
		cfg.Retention.Weekly = def.Weekly
	}
	if cfg.Retention.Monthly <= 0 {
		cfg.Retention.Monthly = def.Monthly
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create directory: %w", err)
	}
	return &Service{cfg: cfg, logger: logging.OrDiscard(logger), now: time.Now}, nil
}

// Dir returns the backup directory.
func (s *Service) Dir() string {
	return s.cfg.Dir
}

// BackupNow snapshots the database, optionally verifies the copy, and prunes
// old backups. A failed verification removes the bad copy.
func (s *Service) BackupNow(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.cfg.DBPath); err != nil {
		return nil, fmt.Errorf("%w: backup: database %s: %w", types.ErrNotFound, s.cfg.DBPath, err)
	}

	start := s.now()
	name := filePrefix + start.UTC().Format("20060102-150405.000000") + fileSuffix
	path := filepath.Join(s.cfg.Dir, name)

	if err := snapshotSQLite(ctx, s.cfg.DBPath, path); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("backup: %w", err)
	}
	if s.cfg.Verify {
		if err := verifySQLite(ctx, path); err != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("backup: verify %s: %w", path, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: stat %s: %w", path, err)
	}
	res := &Result{
		Path:     path,
		Duration: s.now().Sub(start),
		Size:     info.Size(),
		Verified: s.cfg.Verify,
	}
	s.lastBackup = start

	removed, err := applyRetention(s.cfg.Dir, s.cfg.Retention, start)
	if err != nil {
		s.logger.WithError(err).Warn("backup: retention failed")
	}
	s.logger.WithFields(logrus.Fields{
		"path":    path,
		"size":    res.Size,
		"removed": removed,
	}).Info("backup: created")
	return res, nil
}

// List returns the available backups, newest first.
func (s *Service) List() ([]Info, error) {
	return listBackups(s.cfg.Dir)
}

// Usage returns the total size of all backups in bytes.
func (s *Service) Usage() (int64, error) {
	return diskUsage(s.cfg.Dir)
}

// LastBackup returns when this service last completed a backup, or the zero
// time.
func (s *Service) LastBackup() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBackup
}

// Restore replaces the database with the backup at path. The backup is
// verified first and the current database is kept beside it as a
// .pre-restore copy. The caller must ensure nothing has the database open.
func (s *Service) Restore(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: backup %s: %w", types.ErrNotFound, path, err)
	}
	if err := verifySQLite(ctx, path); err != nil {
		return fmt.Errorf("%w: backup %s: %w", types.ErrPreconditionFailed, path, err)
	}

	rollback := s.cfg.DBPath + ".pre-restore"
	if _, err := os.Stat(s.cfg.DBPath); err == nil {
		if err := copyFile(s.cfg.DBPath, rollback); err != nil {
			return fmt.Errorf("backup: save rollback copy: %w", err)
		}
	}
	// WAL and shared-memory files belong to the database being replaced.
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(s.cfg.DBPath + suffix)
	}

	if err := copyFile(path, s.cfg.DBPath); err != nil {
		if _, statErr := os.Stat(rollback); statErr == nil {
			_ = copyFile(rollback, s.cfg.DBPath)
		}
		return fmt.Errorf("backup: restore %s: %w", path, err)
	}

	s.logger.WithFields(logrus.Fields{
		"backup":   path,
		"database": s.cfg.DBPath,
	}).Info("backup: restored")
	return nil
}
