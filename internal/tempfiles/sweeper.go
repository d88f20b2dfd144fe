package tempfiles

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filedrop_sweep_runs_total",
		Help: "Total number of reclamation sweeps",
	})

	sweepRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filedrop_sweep_files_removed_total",
		Help: "Total number of expired files removed by sweeps",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filedrop_sweep_duration_seconds",
		Help:    "Duration of reclamation sweeps in seconds",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)

// Sweeper runs the periodic reclamation loop. It is the sole owner of
// passive reclamation; manual cleanup and the loop share the same
// Service.Reclaim routine, so expiry policy lives in one place. The loop
// is driven by an injected clock so tests advance time instead of
// sleeping.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper that reclaims expired files every interval.
func NewSweeper(svc *Service, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		clock:    clk,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Start launches the background loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("sweeper started", "interval", s.interval.String())
}

// Stop cancels the background loop and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep. Serialized with concurrent manual
// sweeps by a mutex; the registry itself stays unlocked between
// individual record deletions, so downloads are never blocked for longer
// than one delete.
func (s *Sweeper) RunOnce() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()

	removed, err := s.svc.Reclaim()
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return 0
	}

	duration := time.Since(start)

	sweepRunsTotal.Inc()
	sweepRemovedTotal.Add(float64(removed))
	sweepDurationSeconds.Observe(duration.Seconds())

	if removed > 0 {
		s.logger.Info("sweep completed",
			"removed", removed,
			"duration_ms", duration.Milliseconds(),
		)
	}

	return removed
}
