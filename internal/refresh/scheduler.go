// Package refresh runs a task on a fixed interval for as long as it is
// started, such as re-pricing open positions.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the quote refresh period.
const DefaultInterval = 15 * time.Second

// Task is one refresh cycle. It must stop and discard its results once ctx
// is cancelled.
type Task func(ctx context.Context)

// Scheduler runs a Task immediately on Start and then on every tick. Each
// run gets its own goroutine, so a slow cycle never delays the next one.
type Scheduler struct {
	interval time.Duration
	task     Task
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped scheduler. A non-positive interval falls
// back to DefaultInterval.
func NewScheduler(interval time.Duration, task Task) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		task:     task,
		logger:   slog.Default(),
	}
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start begins the refresh loop. Calling Start on a running scheduler is a
// no-op. The loop ends when Stop is called or parent is cancelled; in the
// latter case the scheduler reports stopped and may be started again.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.gen++
	s.wg.Add(1)
	go s.loop(ctx, s.gen)
	s.logger.Info("refresh scheduler started", "interval", s.interval.String())
}

// Stop cancels the loop and waits for it and every in-flight run to return.
// Safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	s.wg.Wait()
	s.logger.Info("refresh scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, gen uint64) {
	defer s.wg.Done()
	defer s.release(gen)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.task(ctx)
	}()
}

// release clears the running state when the loop ended on its own because
// the parent context finished. Stop has already cleared it otherwise.
func (s *Scheduler) release(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.logger.Info("refresh scheduler stopped with its parent context")
	}
}
