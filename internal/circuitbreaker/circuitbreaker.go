// Package circuitbreaker guards delivery channels and the AI pipeline. An
// open breaker fails sends fast and marks the AI path unhealthy so the
// recommendation manager goes straight to the rule engine.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/clock"
	"github.com/lalithlochan/compass/internal/metrics"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      When failure count >= threshold
//	Open -> HalfOpen:    After recovery timeout expires
//	HalfOpen -> Closed:  When a probe request succeeds
//	HalfOpen -> Open:    When a probe request fails
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probe - allow one request to test
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies this circuit breaker (e.g. "push", "email", "ai").
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to wait in Open state before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is the max requests allowed in half-open state.
	HalfOpenMaxRequests int

	// Clock defaults to the system clock.
	Clock clock.Clock
}

// DefaultConfig returns the defaults used for delivery channels and the AI pipeline.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// counts are lifetime totals reported by Stats.
type counts struct {
	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

// CircuitBreaker counts consecutive failures of one downstream dependency.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	clock  clock.Clock
	logger *zap.Logger

	state     State
	streak    int
	probes    int
	openUntil time.Time
	lastFail  time.Time
	changedAt time.Time
	totals    counts
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	metrics.SetCircuitState(cfg.Name, int(StateClosed))
	return &CircuitBreaker{
		config:    cfg,
		clock:     cfg.Clock,
		logger:    logger.Named("circuitbreaker").With(zap.String("breaker", cfg.Name)),
		changedAt: cfg.Clock.Now(),
	}
}

// Allow reports whether a call may proceed and counts it. An open breaker
// moves to half-open once the recovery timeout has passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.requests++
	now := cb.clock.Now()

	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.setState(StateHalfOpen, now)
		cb.logger.Info("recovery timeout elapsed, probing")
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
	}
	cb.totals.rejected++
	return false
}

// RecordSuccess closes a half-open circuit and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.successes++
	cb.streak = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed, cb.clock.Now())
		cb.logger.Info("probe succeeded, circuit closed")
	}
}

// RecordFailure opens the circuit after MaxFailures consecutive failures, or
// immediately when the half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	cb.totals.failures++
	cb.streak++
	cb.lastFail = now

	switch {
	case cb.state == StateHalfOpen:
		cb.open(now)
		cb.logger.Warn("probe failed, circuit re-opened")
	case cb.state == StateClosed && cb.streak >= cb.config.MaxFailures:
		cb.open(now)
		cb.logger.Warn("circuit opened",
			zap.Int("failures", cb.streak),
			zap.Int("threshold", cb.config.MaxFailures),
		)
	}
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Available reports whether a call made now would be let through, without
// counting it as a request. Health checks use it.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case StateOpen:
		return !cb.clock.Now().Before(cb.openUntil)
	case StateHalfOpen:
		return cb.probes < cb.config.HalfOpenMaxRequests
	}
	return true
}

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Do runs fn through the breaker. It fails with ErrCircuitOpen without
// calling fn while the circuit is open. Context cancellation by the caller is
// not counted as a downstream failure.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.config.Name)
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		cb.release()
	default:
		cb.RecordFailure()
	}
	return err
}

// release gives back a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// Stats is a snapshot of a breaker for the health endpoint.
type Stats struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	TotalRequests   int64      `json:"total_requests"`
	TotalFailures   int64      `json:"total_failures"`
	TotalSuccesses  int64      `json:"total_successes"`
	TotalRejected   int64      `json:"total_rejected"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time  `json:"last_state_change"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.streak,
		TotalRequests:   cb.totals.requests,
		TotalFailures:   cb.totals.failures,
		TotalSuccesses:  cb.totals.successes,
		TotalRejected:   cb.totals.rejected,
		LastStateChange: cb.changedAt,
	}
	if !cb.lastFail.IsZero() {
		t := cb.lastFail
		s.LastFailure = &t
	}
	return s
}

// open must be called with the lock held.
func (cb *CircuitBreaker) open(now time.Time) {
	cb.openUntil = now.Add(cb.config.RecoveryTimeout)
	cb.setState(StateOpen, now)
}

// setState must be called with the lock held.
func (cb *CircuitBreaker) setState(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.changedAt = now
	cb.probes = 0
	metrics.SetCircuitState(cb.config.Name, int(to))

	cb.logger.Debug("state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}
