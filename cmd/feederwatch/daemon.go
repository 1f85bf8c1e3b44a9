package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/app"
	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/internal/engine"
	"github.com/scrypster/feederwatch/internal/metrics"
	"github.com/scrypster/feederwatch/internal/notify"
	"github.com/scrypster/feederwatch/internal/server"
	"github.com/scrypster/feederwatch/pkg/types"
)

// newRegistry returns the process metrics registry with the runtime
// collectors installed.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// run wires every component, serves until ctx is done, then shuts down in
// reverse order. ready, when set, receives the HTTP listen address.
func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, reg *prometheus.Registry, ready func(addr string)) error {
	lock, err := app.LockDataDir(cfg.Storage.DataPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.WithError(err).Warn("failed to release data dir lock")
		}
	}()

	repo, gal, err := app.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	m := metrics.New(reg)
	ext, err := app.NewExtractor(cfg.Extractor, logger, m)
	if err != nil {
		return err
	}

	events := notify.NewEventWriter(cfg.Storage.DataPath, logger)
	eng, err := engine.New(repo, gal, cfg.Pipeline,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithAlertListener(events.Listener()),
	)
	if err != nil {
		return err
	}

	srvOpts := []server.Option{server.WithLogger(logger), server.WithGatherer(reg)}
	if ext != nil {
		srvOpts = append(srvOpts, server.WithExtractor(ext))
	}
	srv := server.New(cfg.Server, eng, srvOpts...)

	if err := eng.Start(ctx); err != nil {
		return err
	}

	watcher := notify.NewCaptureWatcher(cfg.Storage.DataPath, func(ctx context.Context, c types.Capture) error {
		_, err := eng.IngestCapture(ctx, c)
		return err
	}, ext, logger)
	if err := watcher.Start(ctx); err != nil {
		_ = eng.Shutdown(context.Background())
		return fmt.Errorf("start capture watcher: %w", err)
	}

	var backups gocron.Scheduler
	if cfg.Storage.StorageEngine != "postgres" && cfg.Storage.BackupInterval > 0 {
		svc, err := app.NewBackupService(cfg, logger)
		if err == nil {
			backups, err = app.ScheduleBackups(ctx, svc, cfg.Storage.BackupInterval, logger)
		}
		if err != nil {
			watcher.Stop()
			_ = eng.Shutdown(context.Background())
			return err
		}
	}

	addr, err := srv.Start(ctx)
	if err != nil {
		if backups != nil {
			_ = backups.Shutdown()
		}
		watcher.Stop()
		_ = eng.Shutdown(context.Background())
		return err
	}
	logger.WithFields(logrus.Fields{
		"addr":    addr,
		"storage": cfg.Storage.StorageEngine,
		"gallery": cfg.Storage.Gallery,
	}).Info("feederwatch running")
	if ready != nil {
		ready(addr)
	}

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	if backups != nil {
		if err := backups.Shutdown(); err != nil {
			logger.WithError(err).Warn("backup scheduler shutdown")
		}
	}
	watcher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("engine shutdown")
	}
	return nil
}
