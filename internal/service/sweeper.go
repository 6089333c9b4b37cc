package service

import (
	"context"
	"fmt"
	"time"

	"admin-security/internal/metrics"
	"admin-security/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepTask is one periodic maintenance step. It returns how many items it
// touched.
type SweepTask struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper runs maintenance tasks on a fixed interval. A failing task is
// logged and retried on the next tick.
type Sweeper struct {
	tasks    []SweepTask
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewSweeper(interval time.Duration, logger *zap.Logger, tasks ...SweepTask) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		tasks:    tasks,
		interval: interval,
		timeout:  interval,
		logger:   logger,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", util.Duration("interval", s.interval), util.Int("tasks", len(s.tasks)))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			_ = s.RunOnce(ctx)
		}
	}
}

// RunOnce runs every task concurrently and returns the first failure.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// plain Group: one failing task must not cancel the others
	var g errgroup.Group
	for _, task := range s.tasks {
		task := task
		g.Go(func() (err error) {
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sweep task %s panicked: %v", task.Name, r)
				}
				metrics.SweepRuns.WithLabelValues(task.Name, metrics.Result(err)).Inc()
				if err != nil {
					s.logger.Error("Sweep task failed", util.String("task", task.Name), util.ErrorField(err))
				}
			}()

			n, err := task.Run(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", task.Name, err)
			}
			if n > 0 {
				s.logger.Debug("Sweep task completed",
					util.String("task", task.Name),
					util.Int("items", n),
					util.Duration("duration", time.Since(start)),
				)
			}
			return nil
		})
	}
	return g.Wait()
}
