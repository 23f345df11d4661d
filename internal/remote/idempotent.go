package remote

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/metrics"
	"github.com/lalithlochan/compass/internal/redis"
	"github.com/lalithlochan/compass/internal/syncqueue"
)

// Guard records which actions have been applied.
type Guard interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// IdempotentExecutor skips actions the guard has already seen applied.
// Action ids are unique to the queue that drains them, so a reservation that
// is still held belongs to an earlier interrupted attempt and the action is
// applied again. The same holds when the guard is unreachable. The sinks key
// every write by action id, which keeps those replays harmless.
type IdempotentExecutor struct {
	next   syncqueue.Executor
	guard  Guard
	logger *zap.Logger
}

func NewIdempotentExecutor(next syncqueue.Executor, guard Guard, logger *zap.Logger) *IdempotentExecutor {
	return &IdempotentExecutor{next: next, guard: guard, logger: logger.Named("remote.idempotency")}
}

func (e *IdempotentExecutor) Execute(ctx context.Context, a syncqueue.Action) error {
	log := e.logger.With(zap.String("action_id", a.ID), zap.String("type", a.Type))

	reserved := true
	prior, err := e.guard.CheckOrReserve(ctx, a.Type, a.ID)
	switch {
	case errors.Is(err, redis.ErrDuplicateRequest):
		log.Info("reservation held by an interrupted attempt, re-applying")
	case err != nil:
		log.Warn("idempotency guard unavailable, applying without reservation", zap.Error(err))
		reserved = false
	case prior != nil:
		metrics.RecordIdempotencyHit()
		log.Info("sync action already applied, skipping", zap.String("outcome", prior.Outcome))
		return nil
	}

	if err := e.next.Execute(ctx, a); err != nil {
		if reserved {
			if rerr := e.guard.Release(context.WithoutCancel(ctx), a.Type, a.ID); rerr != nil {
				log.Warn("failed to release reservation", zap.Error(rerr))
			}
		}
		return err
	}

	if reserved {
		if err := e.guard.Store(context.WithoutCancel(ctx), a.Type, a.ID, &redis.IdempotencyResult{
			ActionID: a.ID,
			Outcome:  "applied",
		}, redis.AppliedTTL); err != nil {
			log.Warn("failed to record applied action", zap.Error(err))
		}
	}
	return nil
}
