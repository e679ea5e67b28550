// Package scheduler runs the periodic reconcile loop.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is the unit of periodic work.
type Task func(ctx context.Context)

// Scheduler runs a task on a fixed interval. Runs never overlap: a
// tick that arrives while the task is still working is skipped.
type Scheduler struct {
	task     Task
	interval time.Duration
	logger   *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	taskMu sync.Mutex
}

// New creates a scheduler that runs task every interval.
func New(task Task, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		task:     task,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the background loop. The first run happens after a
// short delay rather than a full interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.run()

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()

		return
	}

	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// Trigger runs the task immediately if no run is in flight. Returns
// false when a run was already active.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	if !s.taskMu.TryLock() {
		return false
	}
	defer s.taskMu.Unlock()

	s.task(ctx)

	return true
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	select {
	case <-time.After(10 * time.Second):
		s.tick()
	case <-s.ctx.Done():
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick() {
	if !s.taskMu.TryLock() {
		s.logger.Warn("previous run still in flight, skipping tick")

		return
	}
	defer s.taskMu.Unlock()

	start := time.Now()
	s.task(s.ctx)

	s.logger.Debug("scheduled run finished", slog.Duration("elapsed", time.Since(start)))
}
