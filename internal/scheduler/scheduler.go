// Package scheduler runs the recurring maintenance jobs on their own
// tickers, one loop per job so runs of the same job never overlap.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/developer-mesh/semcache/internal/features"
	"github.com/developer-mesh/semcache/internal/lifecycle"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/prewarm"
)

// Config carries the job intervals
type Config struct {
	SweepInterval   time.Duration
	PrewarmInterval time.Duration
}

// Scheduler drives the lifecycle manager, prewarmer and feature controller
// on recurring schedules.
type Scheduler struct {
	manager   *lifecycle.Manager
	prewarmer *prewarm.Prewarmer
	flags     *features.Controller
	logger    observability.Logger
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler
func New(
	manager *lifecycle.Manager,
	prewarmer *prewarm.Prewarmer,
	flags *features.Controller,
	cfg Config,
	logger observability.Logger,
) *Scheduler {
	if logger == nil {
		logger = observability.NewLogger("scheduler")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.PrewarmInterval <= 0 {
		cfg.PrewarmInterval = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		manager:   manager,
		prewarmer: prewarmer,
		flags:     flags,
		logger:    logger,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the job loops and returns immediately
func (s *Scheduler) Start() {
	s.logger.Info("Starting maintenance scheduler", map[string]interface{}{
		"sweep_interval":   s.cfg.SweepInterval.String(),
		"prewarm_interval": s.cfg.PrewarmInterval.String(),
	})

	s.run("sweep", s.cfg.SweepInterval, s.runSweep)
	s.run("prewarm", s.cfg.PrewarmInterval, s.runPrewarm)
}

// Stop cancels the job loops and waits for in-flight runs to finish
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping maintenance scheduler", nil)
	s.cancel()
	s.wg.Wait()
}

// run executes job on its own ticker. The loop is sequential, so two runs
// of the same job cannot overlap.
func (s *Scheduler) run(name string, interval time.Duration, job func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Info("Job loop stopped", map[string]interface{}{
					"job": name,
				})
				return
			case <-ticker.C:
				job(s.ctx)
			}
		}
	}()
}

// runSweep is the hourly maintenance pass: auto-enable, rescore, archive,
// delete. Each step logs its own failure and the pass continues.
func (s *Scheduler) runSweep(ctx context.Context) {
	if _, err := s.flags.AutoEnable(ctx); err != nil {
		s.logger.Error("Auto-enable sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if _, err := s.manager.Rebalance(ctx); err != nil {
		s.logger.Error("Rebalance sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if _, err := s.manager.Archive(ctx); err != nil {
		s.logger.Error("Archival sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if _, err := s.manager.Cleanup(ctx); err != nil {
		s.logger.Error("Cleanup sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// runPrewarm predicts the next recurring queries, warms them, and retires
// stale prediction records.
func (s *Scheduler) runPrewarm(ctx context.Context) {
	predictions, err := s.prewarmer.Predict(ctx)
	if err != nil {
		s.logger.Error("Prediction pass failed", map[string]interface{}{
			"error": err.Error(),
		})
	} else if len(predictions) > 0 {
		s.prewarmer.Prewarm(ctx, predictions)
	}

	if _, err := s.prewarmer.Cleanup(ctx); err != nil {
		s.logger.Error("Prediction cleanup failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
