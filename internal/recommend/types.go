// Package recommend chooses between the AI recommendation pipeline and the
// local rule engine for each quiz submission.
package recommend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAITimeout is recorded when the AI pipeline does not answer in time.
	ErrAITimeout = errors.New("ai recommendation timed out")
	// ErrAIService wraps any failure reported by the AI pipeline.
	ErrAIService = errors.New("ai recommendation service failed")
	// ErrInvalidMode is returned by SetMode for an unknown mode.
	ErrInvalidMode = errors.New("invalid recommendation mode")
)

// Mode is the stored preference for which pipeline to use.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeAI        Mode = "ai"
	ModeRuleBased Mode = "rule-based"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAuto, ModeAI, ModeRuleBased:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Type tags which pipeline produced a Result.
type Type string

const (
	TypeAI        Type = "AI"
	TypeRuleBased Type = "Rule-based"
)

// QuizAnswers maps question ids to the student's answers.
type QuizAnswers map[string]string

// CareerRecommendation is one suggested career.
type CareerRecommendation struct {
	Title      string `json:"title"`
	MatchScore int    `json:"match_score"`
	Reason     string `json:"reason"`
}

// Result is what both pipelines produce. RecommendationType, ProcessingTime
// and FallbackReason are always set by the Manager.
type Result struct {
	Summary               string                 `json:"summary"`
	Strengths             []string               `json:"strengths"`
	WorkStyle             string                 `json:"work_style"`
	CareerRecommendations []CareerRecommendation `json:"career_recommendations"`
	RecommendationType    Type                   `json:"recommendation_type"`
	ProcessingTime        int64                  `json:"processing_time"`
	FallbackReason        string                 `json:"fallback_reason,omitempty"`
}

// Options adjust a single GetRecommendations call.
type Options struct {
	ForceOffline bool `json:"force_offline"`
}

// AIPipeline is the remote recommendation call. Generate must honor ctx.
type AIPipeline interface {
	Generate(ctx context.Context, answers QuizAnswers) (Result, error)
}

// Quota reports and consumes the AI request allowance.
type Quota interface {
	Remaining(ctx context.Context) (int, error)
	Consume(ctx context.Context) (bool, error)
}

// Health is the snapshot returned by Manager.Health.
type Health struct {
	AIAvailable        bool   `json:"ai_available"`
	RuleBasedAvailable bool   `json:"rule_based_available"`
	CurrentMode        Mode   `json:"current_mode"`
	NetworkStatus      string `json:"network_status"`
	// AICircuit is the AI breaker state when one is configured.
	AICircuit          string `json:"ai_circuit,omitempty"`
}
