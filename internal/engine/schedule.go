package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// feederParallelism bounds concurrent per-feeder work in sweeps and
// re-evaluation.
const feederParallelism = 8

// jobTimeout bounds one scheduled sweep or re-evaluation.
const jobTimeout = time.Minute

// Start schedules the periodic visit sweep and alert re-evaluation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("engine: failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(e.cfg.SweepInterval),
		gocron.NewTask(func() {
			jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
			defer cancel()
			n, err := e.SweepAll(jobCtx, e.clock.Now())
			if err != nil {
				e.logger.WithError(err).Warn("engine: visit sweep failed")
				return
			}
			if n > 0 {
				e.logger.WithField("finalized", n).Debug("engine: visit sweep")
			}
		}),
		gocron.WithName("visit-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("engine: failed to schedule sweep: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(e.cfg.ReevaluateInterval),
		gocron.NewTask(func() {
			jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
			defer cancel()
			if err := e.Reevaluate(jobCtx); err != nil {
				e.logger.WithError(err).Warn("engine: alert re-evaluation failed")
			}
		}),
		gocron.WithName("alert-reevaluation"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("engine: failed to schedule re-evaluation: %w", err)
	}

	scheduler.Start()
	e.scheduler = scheduler
	e.started = true
	e.logger.WithFields(logrus.Fields{
		"sweep_interval":      e.cfg.SweepInterval.String(),
		"reevaluate_interval": e.cfg.ReevaluateInterval.String(),
	}).Info("engine: started")
	return nil
}

// Shutdown stops the scheduler and finalizes every open visit so no activity
// is lost across restarts.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return fmt.Errorf("engine not started")
	}

	if err := e.scheduler.Shutdown(); err != nil {
		e.logger.WithError(err).Warn("engine: scheduler shutdown had errors")
	}
	e.scheduler = nil
	e.started = false

	n, err := e.FlushAll(ctx)
	if err != nil {
		return fmt.Errorf("engine: flush on shutdown: %w", err)
	}
	e.logger.WithField("finalized", n).Info("engine: shut down")
	return nil
}

// forEachFeeder runs fn for every feeder with bounded parallelism. One
// feeder's failure does not cancel the others; the first error is returned.
func forEachFeeder(ctx context.Context, feederIDs []string, fn func(ctx context.Context, feederID string) error) error {
	var g errgroup.Group
	g.SetLimit(feederParallelism)
	for _, id := range feederIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, id)
		})
	}
	return g.Wait()
}
