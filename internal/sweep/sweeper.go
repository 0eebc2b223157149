// Package sweep periodically removes expired permission-cache entries and
// CSRF token records.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	jobmetrics "github.com/feedlane/feedlane/internal/jobs"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 10 * time.Minute

// Task is one sweep target. Run returns the number of removed entries.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper runs its tasks on a ticker until stopped. Tasks must be
// idempotent; several processes may sweep the same store.
type Sweeper struct {
	interval time.Duration
	tasks    []Task
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New constructs a Sweeper. metrics may be nil.
func New(interval time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics, tasks ...Task) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{interval: interval, tasks: tasks, logger: logger, metrics: metrics}
}

// RunOnce runs every task once. A failing task does not prevent the others
// from running; the errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, task := range s.tasks {
		tracker := s.metrics.Track("sweep:" + task.Name)
		removed, err := task.Run(ctx)
		_ = tracker.End(err)
		if err != nil {
			s.logger.Warn("sweep failed", slog.String("target", task.Name), slog.Any("error", err))
			errs = append(errs, err)
		}
		if removed > 0 {
			s.metrics.AddRemoved(task.Name, removed)
			s.logger.Info("sweep removed expired entries", slog.String("target", task.Name), slog.Int("removed", removed))
		}
		total += removed
	}
	return total, errors.Join(errs...)
}

// Start launches the background loop. Calling Start on a running sweeper
// is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
