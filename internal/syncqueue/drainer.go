package syncqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/connectivity"
	"github.com/lalithlochan/compass/internal/metrics"
	"github.com/lalithlochan/compass/internal/periodic"
)

var (
	ErrOffline         = errors.New("cannot drain while offline")
	ErrDrainInProgress = errors.New("drain already in progress")
)

// Executor applies one action to the remote backend.
type Executor interface {
	Execute(ctx context.Context, a Action) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a Action) error

func (f ExecutorFunc) Execute(ctx context.Context, a Action) error { return f(ctx, a) }

// DrainResult summarizes a drain.
type DrainResult struct {
	Attempted   int  `json:"attempted"`
	Completed   int  `json:"completed"`
	Retrying    int  `json:"retrying"`
	Failed      int  `json:"failed"`
	Deferred    int  `json:"deferred"`
	Interrupted bool `json:"interrupted"`
}

// Drainer replays pending actions when connectivity returns.
type Drainer struct {
	queue    *Queue
	executor Executor
	monitor  *connectivity.Monitor
	logger   *zap.Logger

	draining sync.Mutex
	trigger  chan struct{}
}

func NewDrainer(q *Queue, executor Executor, monitor *connectivity.Monitor, logger *zap.Logger) *Drainer {
	return &Drainer{
		queue:    q,
		executor: executor,
		monitor:  monitor,
		logger:   logger.Named("drainer"),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a drain without waiting for it. Multiple triggers while a
// drain is queued collapse into one.
func (d *Drainer) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run resets interrupted actions, then drains on every offline to online
// transition and on Trigger until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	if _, err := d.queue.Recover(ctx); err != nil {
		d.logger.Error("failed to recover sync actions", zap.Error(err))
	}

	unsubscribe := d.monitor.Subscribe(func(online bool) {
		metrics.SetNetworkOnline(online)
		if online {
			d.Trigger()
		}
	})
	defer unsubscribe()

	d.logger.Info("sync drainer started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("sync drainer stopping")
			return
		case <-d.trigger:
			if _, err := d.Drain(ctx); err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, ErrDrainInProgress) {
				d.logger.Error("drain failed", zap.Error(err))
			}
		}
	}
}

// RetryTask is the retry trigger for MarkFailed's backoff. It triggers a
// drain on an interval, while online, when an action's backoff has elapsed,
// so retries happen without another connectivity change.
func (d *Drainer) RetryTask(interval time.Duration) periodic.Task {
	return periodic.Task{
		Name:     "sync-retry",
		Interval: interval,
		Run: func(ctx context.Context) {
			if !d.monitor.Online() {
				return
			}
			pending, err := d.queue.GetPending(ctx)
			if err != nil {
				d.logger.Warn("failed to list pending sync actions", zap.Error(err))
				return
			}
			now := d.queue.clock.Now()
			for _, a := range pending {
				if a.Status == StatusPending && a.Due(now) {
					d.Trigger()
					return
				}
			}
		},
	}
}

// Drain replays due pending actions in creation order. It stops as soon as
// connectivity drops; the action in flight at that moment returns to pending.
func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	if !d.monitor.Online() {
		return result, ErrOffline
	}
	if !d.draining.TryLock() {
		return result, ErrDrainInProgress
	}
	defer d.draining.Unlock()

	start := time.Now()
	defer func() { metrics.RecordSyncDrain(time.Since(start)) }()

	onlineCtx, cancel := d.monitor.OfflineContext(ctx)
	defer cancel()

	actions, err := d.queue.GetPending(ctx)
	if err != nil {
		return result, err
	}

	now := d.queue.clock.Now()
	for _, a := range actions {
		if onlineCtx.Err() != nil {
			result.Interrupted = true
			break
		}
		if a.Status != StatusPending {
			continue
		}
		if !a.Due(now) {
			result.Deferred++
			continue
		}

		if _, err := d.queue.MarkSyncing(ctx, a.ID); err != nil {
			d.logger.Warn("failed to claim sync action", zap.String("id", a.ID), zap.Error(err))
			continue
		}
		result.Attempted++

		execErr := d.executor.Execute(onlineCtx, a)

		// A result that arrives after the drop or after the caller gave up is
		// not trusted, success or not. The action goes back to pending.
		if onlineCtx.Err() != nil {
			if _, err := d.queue.Release(context.WithoutCancel(ctx), a.ID); err != nil {
				d.logger.Error("failed to release interrupted sync action", zap.String("id", a.ID), zap.Error(err))
			}
			metrics.RecordSyncAction(a.Type, "interrupted")
			result.Interrupted = true
			break
		}

		if execErr == nil {
			if _, err := d.queue.MarkCompleted(ctx, a.ID); err != nil {
				d.logger.Error("failed to mark sync action completed", zap.String("id", a.ID), zap.Error(err))
				continue
			}
			metrics.RecordSyncAction(a.Type, "completed")
			result.Completed++
			continue
		}

		updated, err := d.queue.MarkFailed(ctx, a.ID, execErr)
		switch {
		case errors.Is(err, ErrRetriesExhausted):
			metrics.RecordSyncAction(a.Type, "failed")
			result.Failed++
		case err != nil:
			d.logger.Error("failed to record sync failure", zap.String("id", a.ID), zap.Error(err))
		default:
			d.logger.Warn("sync action failed, will retry",
				zap.String("id", a.ID),
				zap.String("type", a.Type),
				zap.Int("retry_count", updated.RetryCount),
				zap.Error(execErr),
			)
			metrics.RecordSyncAction(a.Type, "retry")
			result.Retrying++
		}
	}

	if stats, err := d.queue.Stats(ctx); err == nil {
		metrics.SetSyncQueueDepth(string(StatusPending), stats.Pending)
		metrics.SetSyncQueueDepth(string(StatusFailed), stats.Failed)
	}

	d.logger.Info("sync drain finished",
		zap.Int("attempted", result.Attempted),
		zap.Int("completed", result.Completed),
		zap.Int("retrying", result.Retrying),
		zap.Int("failed", result.Failed),
		zap.Int("deferred", result.Deferred),
		zap.Bool("interrupted", result.Interrupted),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}
