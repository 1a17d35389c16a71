package sweepworker

import (
	"context"
	"time"

	"github.com/hsematch/scheduling/internal/availability"
	"github.com/hsematch/scheduling/pkg/logging"
)

type sweeper interface {
	Sweep(ctx context.Context) (availability.SweepResult, error)
}

// Worker periodically expires past slots and retries unmaterialized rules.
type Worker struct {
	svc      sweeper
	logger   *logging.Logger
	interval time.Duration
	timeout  time.Duration
}

func New(svc sweeper, logger *logging.Logger) *Worker {
	if svc == nil {
		panic("sweepworker: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		svc:      svc,
		logger:   logger.Component("sweep"),
		interval: 15 * time.Minute,
		timeout:  2 * time.Minute,
	}
}

func (w *Worker) WithInterval(d time.Duration) *Worker {
	if d > 0 {
		w.interval = d
	}
	return w
}

// WithTimeout bounds a single pass.
func (w *Worker) WithTimeout(d time.Duration) *Worker {
	if d > 0 {
		w.timeout = d
	}
	return w
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	_, _ = w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass and logs the outcome.
func (w *Worker) RunOnce(ctx context.Context) (availability.SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	res, err := w.svc.Sweep(ctx)
	if err != nil {
		w.logger.Error("availability sweep failed", "error", err, "expired_slots", res.ExpiredSlots)
		return res, err
	}
	w.logger.Debug("availability sweep pass", "expired_slots", res.ExpiredSlots,
		"rematerialized", res.Rematerialized, "failed_rules", res.FailedRules,
		"duration_ms", time.Since(started).Milliseconds())
	return res, nil
}
