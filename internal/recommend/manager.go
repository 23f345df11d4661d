package recommend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/circuitbreaker"
	"github.com/lalithlochan/compass/internal/connectivity"
	"github.com/lalithlochan/compass/internal/metrics"
	"github.com/lalithlochan/compass/internal/store"
)

// DefaultTimeout bounds a single AI call.
const DefaultTimeout = 10 * time.Second

const modeKey = "setting:recommendation_mode"

// Fallback reasons reported in Result.FallbackReason and metrics.
const (
	reasonForced      = "forced_offline"
	reasonOffline     = "offline"
	reasonPreference  = "preference"
	reasonUnhealthy   = "ai_unhealthy"
	reasonTimeout     = "ai_timeout"
	reasonError       = "ai_error"
	reasonAISucceeded = "ai"
)

type modeRecord struct {
	Kind string `json:"kind"`
	Mode Mode   `json:"mode"`
}

// Config holds manager settings.
type Config struct {
	Timeout time.Duration
}

// Manager routes recommendation requests to the AI pipeline or the rule
// engine. The decision is made fresh on every call.
type Manager struct {
	store   *store.Store
	monitor *connectivity.Monitor
	logger  *zap.Logger
	timeout time.Duration

	ai      AIPipeline
	breaker *circuitbreaker.CircuitBreaker
	quota   Quota

	rules atomic.Pointer[RuleEngine]
}

// NewManager creates a manager with the default rule profiles and no AI
// pipeline. Use WithAI and WithQuota to enable the AI path.
func NewManager(s *store.Store, monitor *connectivity.Monitor, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	m := &Manager{
		store:   s,
		monitor: monitor,
		logger:  logger.Named("recommend"),
		timeout: cfg.Timeout,
	}
	m.rules.Store(NewRuleEngine(nil))
	return m
}

// WithAI enables the AI pipeline. breaker may be nil.
func (m *Manager) WithAI(p AIPipeline, breaker *circuitbreaker.CircuitBreaker) *Manager {
	m.ai = p
	m.breaker = breaker
	return m
}

// WithQuota limits AI calls.
func (m *Manager) WithQuota(q Quota) *Manager {
	m.quota = q
	return m
}

// LoadRules replaces the rule profiles with those in the store. The current
// profiles are kept when the store has none.
func (m *Manager) LoadRules(ctx context.Context) (int, error) {
	profiles, err := LoadProfiles(ctx, m.store)
	if err != nil {
		return 0, err
	}
	if len(profiles) == 0 {
		return 0, nil
	}
	m.rules.Store(NewRuleEngine(profiles))
	m.logger.Info("rule profiles loaded", zap.Int("profiles", len(profiles)))
	return len(profiles), nil
}

// Mode returns the stored preference, or auto when none is stored or the
// store cannot be read.
func (m *Manager) Mode(ctx context.Context) Mode {
	rec, err := store.GetAs[modeRecord](ctx, m.store, store.UserData, modeKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to read recommendation mode", zap.Error(err))
		}
		return ModeAuto
	}
	if _, err := ParseMode(string(rec.Mode)); err != nil {
		return ModeAuto
	}
	return rec.Mode
}

// SetMode persists the preference.
func (m *Manager) SetMode(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if err := m.store.Put(ctx, store.UserData, modeKey, modeRecord{Kind: "setting", Mode: mode}); err != nil {
		return fmt.Errorf("saving recommendation mode: %w", err)
	}
	m.logger.Info("recommendation mode updated", zap.String("mode", string(mode)))
	return nil
}

// GetRecommendations never fails. When the AI path is skipped or fails the
// rule engine answers instead.
func (m *Manager) GetRecommendations(ctx context.Context, answers QuizAnswers, opts Options) Result {
	start := time.Now()

	if opts.ForceOffline {
		return m.fallback(answers, start, reasonForced)
	}
	if !m.monitor.Online() {
		return m.fallback(answers, start, reasonOffline)
	}

	switch m.Mode(ctx) {
	case ModeRuleBased:
		return m.fallback(answers, start, reasonPreference)
	case ModeAI:
	default:
		if !m.aiHealthy(ctx) {
			return m.fallback(answers, start, reasonUnhealthy)
		}
	}

	res, err := m.callAI(ctx, answers)
	if err != nil {
		reason := reasonError
		if errors.Is(err, ErrAITimeout) {
			reason = reasonTimeout
		}
		m.logger.Warn("ai recommendation failed, using rule engine",
			zap.String("reason", reason),
			zap.Error(err),
		)
		return m.fallback(answers, start, reason)
	}

	elapsed := time.Since(start)
	res.RecommendationType = TypeAI
	res.ProcessingTime = elapsed.Milliseconds()
	res.FallbackReason = ""
	metrics.RecordRecommendation(string(TypeAI), reasonAISucceeded, elapsed)
	return res
}

// Health reports which pipelines are usable right now.
func (m *Manager) Health(ctx context.Context) Health {
	online := m.monitor.Online()
	h := Health{
		AIAvailable:        online && m.aiHealthy(ctx),
		RuleBasedAvailable: true,
		CurrentMode:        m.Mode(ctx),
		NetworkStatus:      string(m.monitor.Status()),
	}
	if m.breaker != nil {
		h.AICircuit = m.breaker.GetState().String()
	}
	return h
}

func (m *Manager) fallback(answers QuizAnswers, start time.Time, reason string) Result {
	res := m.rules.Load().Recommend(answers)
	elapsed := time.Since(start)
	res.RecommendationType = TypeRuleBased
	res.ProcessingTime = elapsed.Milliseconds()
	res.FallbackReason = reason
	metrics.RecordRecommendation(string(TypeRuleBased), reason, elapsed)
	return res
}

// aiHealthy is true when a pipeline is configured, its breaker would let a
// call through and quota remains. A quota that cannot be read counts as
// available.
func (m *Manager) aiHealthy(ctx context.Context) bool {
	if m.ai == nil {
		return false
	}
	if m.breaker != nil && !m.breaker.Available() {
		return false
	}
	if m.quota != nil {
		remaining, err := m.quota.Remaining(ctx)
		if err != nil {
			m.logger.Warn("ai quota unavailable", zap.Error(err))
			return true
		}
		return remaining > 0
	}
	return true
}

var errQuotaExhausted = errors.New("quota exhausted")

type aiOutcome struct {
	res Result
	err error
}

// callAI runs the pipeline under the timeout. Whichever of the result and the
// deadline comes first wins; a result arriving after the deadline is dropped.
func (m *Manager) callAI(ctx context.Context, answers QuizAnswers) (Result, error) {
	if m.ai == nil {
		return Result{}, fmt.Errorf("%w: no pipeline configured", ErrAIService)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// The quota round trip runs inside the deadline too.
	done := make(chan aiOutcome, 1)
	go func() {
		if m.quota != nil {
			ok, err := m.quota.Consume(ctx)
			if err != nil {
				m.logger.Warn("ai quota unavailable, allowing call", zap.Error(err))
			} else if !ok {
				metrics.RecordRateLimitRejection("ai_quota")
				done <- aiOutcome{err: errQuotaExhausted}
				return
			}
		}

		var res Result
		call := func(ctx context.Context) error {
			var err error
			res, err = m.ai.Generate(ctx, answers)
			return err
		}
		var err error
		if m.breaker != nil {
			err = m.breaker.Do(ctx, call)
		} else {
			err = call(ctx)
		}
		done <- aiOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.res, nil
		}
		if errors.Is(out.err, errQuotaExhausted) {
			return Result{}, fmt.Errorf("%w: quota exhausted", ErrAIService)
		}
		if errors.Is(out.err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %w", ErrAITimeout, out.err)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrAIService, out.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %s", ErrAITimeout, m.timeout)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrAIService, ctx.Err())
	}
}
