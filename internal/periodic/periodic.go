// Package periodic runs named background tasks on fixed intervals and stops
// them deterministically.
//
// Every loop started by a Runner is bound to the Runner's context; Stop
// cancels that context and blocks until each loop has returned, so no timer
// outlives the Runner.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("periodic runner already running")
	ErrInvalidTask    = errors.New("invalid periodic task")
)

// Task is a unit of recurring work.
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the task once immediately instead of waiting a full interval.
	RunOnStart bool
	Run        func(ctx context.Context)
}

func (t Task) validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidTask)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("%w: %s has non-positive interval %s", ErrInvalidTask, t.Name, t.Interval)
	}
	if t.Run == nil {
		return fmt.Errorf("%w: %s has no run func", ErrInvalidTask, t.Name)
	}
	return nil
}

// Runner owns a set of tasks and their goroutines.
type Runner struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []Task
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewRunner creates a runner for the given tasks.
func NewRunner(logger *zap.Logger, tasks ...Task) *Runner {
	return &Runner{
		logger: logger,
		tasks:  tasks,
	}
}

// Add registers another task. Tasks added while running start on the next Start.
func (r *Runner) Add(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

// Start launches every task. It returns immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}
	for _, t := range r.tasks {
		if err := t.validate(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(runCtx)
	for _, t := range r.tasks {
		t := t
		g.Go(func() error {
			Every(gCtx, t.Interval, t.RunOnStart, t.Run)
			r.logger.Info("periodic task stopped", zap.String("task", t.Name))
			return nil
		})
		r.logger.Info("periodic task started",
			zap.String("task", t.Name),
			zap.Duration("interval", t.Interval),
		)
	}

	r.cancel = cancel
	r.group = g
	r.running = true
	return nil
}

// Stop cancels all tasks and waits for them to return. Safe to call more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, g := r.cancel, r.group
	r.running = false
	r.mu.Unlock()

	cancel()
	_ = g.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Every calls fn every interval until ctx is cancelled. Runs of fn never overlap.
func Every(ctx context.Context, interval time.Duration, runOnStart bool, fn func(ctx context.Context)) {
	if runOnStart {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
