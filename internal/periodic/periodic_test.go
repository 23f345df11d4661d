package periodic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunner_RunsTaskAndStopsCleanly(t *testing.T) {
	var calls atomic.Int32
	r := NewRunner(zap.NewNop(), Task{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run:      func(ctx context.Context) { calls.Add(1) },
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	r.Stop()

	after := calls.Load()
	if after == 0 {
		t.Fatal("expected the task to run at least once")
	}

	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Fatalf("task kept running after Stop: %d -> %d", after, calls.Load())
	}
	if r.Running() {
		t.Fatal("runner should report stopped")
	}
}

func TestRunner_RunOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	r := NewRunner(zap.NewNop(), Task{
		Name:       "eager",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) {
			select {
			case ran <- struct{}{}:
			default:
			}
		},
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run on start")
	}
}

func TestRunner_StartTwice(t *testing.T) {
	r := NewRunner(zap.NewNop(), Task{Name: "a", Interval: time.Hour, Run: func(context.Context) {}})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	if err := r.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestRunner_RejectsInvalidTask(t *testing.T) {
	tests := []struct {
		name string
		task Task
	}{
		{"no_name", Task{Interval: time.Second, Run: func(context.Context) {}}},
		{"zero_interval", Task{Name: "x", Run: func(context.Context) {}}},
		{"nil_run", Task{Name: "x", Interval: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(zap.NewNop(), tt.task)
			if err := r.Start(context.Background()); !errors.Is(err, ErrInvalidTask) {
				t.Fatalf("expected ErrInvalidTask, got %v", err)
			}
		})
	}
}

func TestRunner_StopWithoutStart(t *testing.T) {
	r := NewRunner(zap.NewNop())
	r.Stop()
	r.Stop()
}

func TestRunner_ParentCancelStopsTasks(t *testing.T) {
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		Every(ctx, time.Millisecond, false, func(context.Context) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Every did not return after cancel")
	}
}
