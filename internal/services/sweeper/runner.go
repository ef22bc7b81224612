// Package sweeper periodically deletes expired credential rows. Revoked rows
// are kept until expiry so replays can still be recognized.
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/apilens/backend/internal/session"
)

var (
	mRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_sweep_runs_total", Help: "Completed sweep passes.",
	})
	mErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_sweep_errors_total", Help: "Sweep passes that failed.",
	})
	mDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auth_sweep_duration_seconds",
		Help:    "Wall time of a sweep pass.",
		Buckets: prometheus.DefBuckets,
	})
)

type Runner struct {
	sessions *session.Manager
	interval time.Duration
	log      *zap.Logger
}

func NewRunner(sessions *session.Manager, interval time.Duration, log *zap.Logger) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		sessions: sessions,
		interval: interval,
		log:      log.With(zap.String("component", "sweeper")),
	}
}

// Run sweeps once immediately, then on every tick until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("sweeper started", zap.Duration("interval", r.interval))

	r.sweep(ctx)

	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("sweeper stopped")
			return ctx.Err()
		case <-t.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	start := time.Now()
	n, err := r.sessions.SweepExpired(ctx)
	mDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		mErrors.Inc()
		r.log.Error("sweep failed", zap.Error(err))
		return
	}
	mRuns.Inc()
	r.log.Info("sweep completed",
		zap.Int64("deleted", n),
		zap.Duration("elapsed", time.Since(start)))
}
