package ticket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"smartbff/telemetry"
)

const sweepTimeout = time.Minute

// sweeper runs purge at most once per interval, detached from the caller and
// never concurrently with itself.
type sweeper struct {
	mu       sync.Mutex
	last     time.Time
	running  bool
	closed   bool
	interval time.Duration
	clock    func() time.Time
	purge    func(ctx context.Context, now time.Time) (int64, error)
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	wg       sync.WaitGroup
}

func newSweeper(opts Options, backend string, purge func(context.Context, time.Time) (int64, error)) *sweeper {
	return &sweeper{
		interval: opts.CleanupInterval,
		clock:    opts.Clock,
		purge:    purge,
		logger:   opts.Logger.With("store", backend),
		metrics:  opts.Metrics,
	}
}

// trigger starts a sweep when the interval has elapsed since the last one.
func (s *sweeper) trigger() {
	if s.interval <= 0 {
		return
	}
	s.mu.Lock()
	now := s.clock()
	if s.closed || s.running || now.Sub(s.last) < s.interval {
		s.mu.Unlock()
		return
	}
	s.last = now
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		deleted, err := s.purge(ctx, now)
		if err != nil {
			s.metrics.Sweep("failed", 0)
			s.logger.Error("ticket_sweep_failed", "error", err)
			return
		}
		s.metrics.Sweep("ok", deleted)
		if deleted > 0 {
			s.logger.Info("ticket_sweep", "deleted", deleted)
		}
	}()
}

// close stops new sweeps and waits for a running one.
func (s *sweeper) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
