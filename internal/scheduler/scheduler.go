// Package scheduler runs maintenance tasks on fixed intervals. Each task has
// its own loop, so a slow run delays that task's next run instead of
// overlapping with it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run; zero means Interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	tasks        []Task
	runOnStartup bool
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Config struct {
	Tasks        []Task
	RunOnStartup bool
	Logger       *slog.Logger
}

func New(cfg Config) (*Scheduler, error) {
	if len(cfg.Tasks) == 0 {
		return nil, errors.New("at least one task is required")
	}
	for _, task := range cfg.Tasks {
		if task.Name == "" || task.Run == nil {
			return nil, fmt.Errorf("task %q: name and run func are required", task.Name)
		}
		if task.Interval <= 0 {
			return nil, fmt.Errorf("task %q: interval must be positive", task.Name)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:        cfg.Tasks,
		runOnStartup: cfg.RunOnStartup,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func (s *Scheduler) Start() {
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(task)
	}
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

func (s *Scheduler) loop(task Task) {
	defer s.wg.Done()
	if s.runOnStartup {
		s.runOnce(task)
	}
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(task)
		}
	}
}

func (s *Scheduler) runOnce(task Task) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = task.Interval
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	started := time.Now()
	err := task.Run(ctx)
	switch {
	case err == nil:
		s.logger.Info("scheduled task finished", "task", task.Name, "elapsed", time.Since(started))
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		s.logger.Info("scheduled task interrupted by shutdown", "task", task.Name)
	default:
		s.logger.Error("scheduled task failed", "task", task.Name, "error", err)
	}
}

// Shutdown cancels running tasks and waits up to timeout for them to return.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-time.After(timeout):
		return errors.New("scheduler shutdown timed out")
	}
}
