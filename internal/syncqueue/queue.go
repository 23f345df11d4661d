// Package syncqueue is the durable background-sync queue. Writes made while
// offline are recorded as actions in the local store and replayed against the
// remote backend when connectivity returns.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/clock"
	"github.com/lalithlochan/compass/internal/store"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const kindSyncAction = "sync_action"

var (
	// ErrRetriesExhausted is returned by MarkFailed when the action reached
	// its retry cap and is now terminally failed.
	ErrRetriesExhausted = errors.New("sync action retries exhausted")

	// ErrPermanent marks an executor error that must not be retried.
	ErrPermanent = errors.New("permanent sync failure")

	ErrActionNotFound = errors.New("sync action not found")
	ErrInvalidAction  = errors.New("invalid sync action")
)

// Action is a deferred remote write.
type Action struct {
	Kind        string          `json:"kind"`
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Due reports whether the action may be attempted at now.
func (a Action) Due(now time.Time) bool {
	return a.NextRetryAt == nil || !a.NextRetryAt.After(now)
}

// Stats counts actions by status.
type Stats struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Queue persists actions in the user_data collection.
type Queue struct {
	store  *store.Store
	clock  clock.Clock
	config Config
	logger *zap.Logger
}

func New(s *store.Store, clk clock.Clock, cfg Config, logger *zap.Logger) *Queue {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 15 * time.Minute
	}
	return &Queue{
		store:  s,
		clock:  clk,
		config: cfg,
		logger: logger.Named("syncqueue"),
	}
}

func actionKey(id string) string {
	return "sync:" + id
}

// AddAction records a new pending action. payload is marshalled to JSON
// unless it already is raw JSON.
func (q *Queue) AddAction(ctx context.Context, actionType string, payload any) (Action, error) {
	if actionType == "" {
		return Action{}, fmt.Errorf("%w: missing type", ErrInvalidAction)
	}

	raw, err := rawPayload(payload)
	if err != nil {
		return Action{}, err
	}

	// Version 7 ids sort in creation order within the process, so actions
	// queued at the same instant keep their order.
	id, err := uuid.NewV7()
	if err != nil {
		return Action{}, fmt.Errorf("generating action id: %w", err)
	}

	now := q.clock.Now().UTC()
	a := Action{
		Kind:      kindSyncAction,
		ID:        id.String(),
		Type:      actionType,
		Payload:   raw,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Put(ctx, store.UserData, actionKey(a.ID), a); err != nil {
		return Action{}, fmt.Errorf("saving sync action: %w", err)
	}

	q.logger.Info("sync action queued",
		zap.String("id", a.ID),
		zap.String("type", a.Type),
	)
	return a, nil
}

func rawPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidAction)
		}
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding payload: %w", ErrInvalidAction, err)
		}
		return b, nil
	}
}

// Get returns a single action.
func (q *Queue) Get(ctx context.Context, id string) (Action, error) {
	a, err := store.GetAs[Action](ctx, q.store, store.UserData, actionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return Action{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return a, err
}

// GetPending returns every non-terminal action, oldest first.
func (q *Queue) GetPending(ctx context.Context) ([]Action, error) {
	actions, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	out := actions[:0]
	for _, a := range actions {
		if !a.Status.Terminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (q *Queue) all(ctx context.Context) ([]Action, error) {
	actions, err := store.QueryAs[Action](ctx, q.store, store.UserData, store.IndexKind, kindSyncAction, nil)
	if err != nil {
		return nil, fmt.Errorf("listing sync actions: %w", err)
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
	return actions, nil
}

// MarkSyncing flags an action as in flight. Only pending actions can be claimed.
func (q *Queue) MarkSyncing(ctx context.Context, id string) (Action, error) {
	return q.transition(ctx, id, func(a *Action) error {
		if a.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidAction, id, a.Status)
		}
		a.Status = StatusSyncing
		return nil
	})
}

// MarkCompleted records a successful remote write.
func (q *Queue) MarkCompleted(ctx context.Context, id string) (Action, error) {
	return q.transition(ctx, id, func(a *Action) error {
		if a.Status.Terminal() {
			return store.ErrSkipUpdate
		}
		a.Status = StatusCompleted
		a.LastError = ""
		a.NextRetryAt = nil
		return nil
	})
}

// MarkFailed records a failed attempt. The action goes back to pending with a
// backoff until it reaches the retry cap, at which point it becomes failed and
// ErrRetriesExhausted is returned alongside the updated action.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (Action, error) {
	exhausted := false
	a, err := q.transition(ctx, id, func(a *Action) error {
		if a.Status.Terminal() {
			return store.ErrSkipUpdate
		}
		a.RetryCount++
		if cause != nil {
			a.LastError = cause.Error()
		}
		if a.RetryCount >= q.config.MaxRetries || errors.Is(cause, ErrPermanent) {
			a.Status = StatusFailed
			a.NextRetryAt = nil
			exhausted = true
			return nil
		}
		next := q.clock.Now().UTC().Add(q.backoff(a.RetryCount))
		a.Status = StatusPending
		a.NextRetryAt = &next
		return nil
	})
	if err != nil {
		return a, err
	}
	if exhausted {
		q.logger.Warn("sync action failed permanently",
			zap.String("id", a.ID),
			zap.String("type", a.Type),
			zap.Int("retry_count", a.RetryCount),
			zap.String("last_error", a.LastError),
		)
		return a, fmt.Errorf("%w: %s", ErrRetriesExhausted, id)
	}
	return a, nil
}

// Release returns an interrupted in-flight action to pending without
// counting the attempt.
func (q *Queue) Release(ctx context.Context, id string) (Action, error) {
	return q.transition(ctx, id, func(a *Action) error {
		if a.Status != StatusSyncing {
			return store.ErrSkipUpdate
		}
		a.Status = StatusPending
		return nil
	})
}

// Recover resets actions left in syncing by an unclean shutdown. It returns
// how many were reset.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	actions, err := q.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range actions {
		if a.Status != StatusSyncing {
			continue
		}
		if _, err := q.Release(ctx, a.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		q.logger.Info("recovered interrupted sync actions", zap.Int("count", n))
	}
	return n, nil
}

// Stats counts actions by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	actions, err := q.all(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, a := range actions {
		switch a.Status {
		case StatusPending:
			s.Pending++
		case StatusSyncing:
			s.Syncing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (q *Queue) transition(ctx context.Context, id string, fn func(*Action) error) (Action, error) {
	var out Action
	err := store.UpdateAs(ctx, q.store, store.UserData, actionKey(id), func(a *Action) error {
		if err := fn(a); err != nil {
			out = *a
			return err
		}
		a.UpdatedAt = q.clock.Now().UTC()
		out = *a
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return Action{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return out, err
}

// backoff returns 2^retry * base, capped.
func (q *Queue) backoff(retry int) time.Duration {
	d := q.config.BaseBackoff
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= q.config.MaxBackoff {
			return q.config.MaxBackoff
		}
	}
	return d
}
