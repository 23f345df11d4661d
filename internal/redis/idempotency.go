package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// AppliedTTL is how long a completed sync action is remembered. It must
	// outlive any realistic offline period after which the action could be
	// replayed.
	AppliedTTL = 7 * 24 * time.Hour

	// processingTTL bounds a reservation whose holder died mid-apply.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another attempt currently holds the reservation.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult records that an action was applied.
type IdempotencyResult struct {
	ActionID  string `json:"action_id"`
	Outcome   string `json:"outcome"`
	CreatedAt int64  `json:"created_at"`
}

// getOrReserve returns the stored value, or sets the processing marker and
// returns nil when the key is absent.
var getOrReserve = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
	return v
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return false
`)

// dropMarker deletes the key only while it still holds the processing marker.
var dropMarker = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// IdempotencyService remembers applied sync actions so a replay after a
// lost acknowledgement is not written twice.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger.Named("idempotency"),
	}
}

func idempotencyKey(scope, key string) string {
	return "idempotency:" + scope + ":" + key
}

// decode turns a stored value into a result. The processing marker yields
// ErrDuplicateRequest.
func (s *IdempotencyService) decode(scope, val string) (*IdempotencyResult, error) {
	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}
	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("unreadable idempotency record", zap.String("scope", scope), zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}
	s.logger.Debug("idempotency hit",
		zap.String("scope", scope),
		zap.String("action_id", result.ActionID),
	)
	return &result, nil
}

// Check returns the recorded result for key, or (nil, nil) when there is
// none. A live reservation yields ErrDuplicateRequest.
func (s *IdempotencyService) Check(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, idempotencyKey(scope, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return s.decode(scope, val)
}

// Store records the outcome of an applied action, replacing its reservation.
func (s *IdempotencyService) Store(ctx context.Context, scope, key string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := s.client.rdb.Set(ctx, idempotencyKey(scope, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve sets the processing marker if key is free.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, key string) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, idempotencyKey(scope, key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// Release drops a reservation after a failed attempt so the action can be
// retried. Recorded results are left in place.
func (s *IdempotencyService) Release(ctx context.Context, scope, key string) error {
	if err := dropMarker.Run(ctx, s.client.rdb, []string{idempotencyKey(scope, key)}, processingMarker).Err(); err != nil {
		return fmt.Errorf("releasing reservation: %w", err)
	}
	return nil
}

// CheckOrReserve returns the recorded result for key if there is one.
// Otherwise it reserves the key and returns (nil, nil). Both happen in one
// round trip, so two attempts can never both reserve.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	val, err := getOrReserve.Run(ctx, s.client.rdb, []string{idempotencyKey(scope, key)},
		processingMarker, processingTTL.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check or reserve: %w", err)
	}
	return s.decode(scope, val)
}
