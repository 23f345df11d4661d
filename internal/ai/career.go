package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/recommend"
)

// ErrMalformedProfile is returned when the model's answer cannot be turned
// into a recommendation.
var ErrMalformedProfile = errors.New("ai: malformed career profile")

const submitProfileTool = "submit_career_profile"

var careerTools = []Tool{
	{
		Type: "function",
		Function: ToolDefinition{
			Name:        submitProfileTool,
			Description: "Submit the career profile derived from the student's quiz answers.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"summary": {"type": "string", "description": "Two or three sentence overview of the student"},
					"strengths": {"type": "array", "items": {"type": "string"}},
					"work_style": {"type": "string", "description": "Preferred working environment"},
					"career_recommendations": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"title": {"type": "string"},
								"match_score": {"type": "integer", "minimum": 0, "maximum": 100},
								"reason": {"type": "string"}
							},
							"required": ["title", "match_score", "reason"]
						}
					}
				},
				"required": ["summary", "strengths", "work_style", "career_recommendations"]
			}`),
		},
	},
}

const careerPrompt = `You are a career counsellor for high-school students in India.
Read the student's quiz answers and suggest up to three careers that fit them.
Always answer by calling the submit_career_profile function. Keep reasons short and concrete.`

// Advisor produces career recommendations with the chat-completions API.
type Advisor struct {
	client *Client
	logger *zap.Logger
}

// NewAdvisor creates an advisor over client.
func NewAdvisor(client *Client, logger *zap.Logger) *Advisor {
	return &Advisor{client: client, logger: logger.Named("ai")}
}

type profileArgs struct {
	Summary               string                           `json:"summary"`
	Strengths             []string                         `json:"strengths"`
	WorkStyle             string                           `json:"work_style"`
	CareerRecommendations []recommend.CareerRecommendation `json:"career_recommendations"`
}

// Generate asks the model for a career profile. The returned Result has only
// its content fields set.
func (a *Advisor) Generate(ctx context.Context, answers recommend.QuizAnswers) (recommend.Result, error) {
	messages := []ChatMessage{
		{Role: "system", Content: careerPrompt},
		{Role: "user", Content: formatAnswers(answers)},
	}
	temperature := 0.2

	msg, err := a.client.Complete(ctx, Completion{
		Messages:    messages,
		Tools:       careerTools,
		ToolChoice:  ForceTool(submitProfileTool),
		MaxTokens:   800,
		Temperature: &temperature,
	})
	if err != nil {
		return recommend.Result{}, err
	}

	raw := msg.Content
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == submitProfileTool {
			raw = tc.Function.Arguments
			break
		}
	}

	var args profileArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return recommend.Result{}, fmt.Errorf("%w: %w", ErrMalformedProfile, err)
	}
	if len(args.CareerRecommendations) == 0 {
		return recommend.Result{}, fmt.Errorf("%w: no careers", ErrMalformedProfile)
	}

	recs := args.CareerRecommendations
	if len(recs) > 3 {
		recs = recs[:3]
	}
	for i := range recs {
		recs[i].MatchScore = max(0, min(100, recs[i].MatchScore))
	}
	if args.Strengths == nil {
		args.Strengths = []string{}
	}

	a.logger.Debug("career profile generated", zap.Int("careers", len(recs)))

	return recommend.Result{
		Summary:               args.Summary,
		Strengths:             args.Strengths,
		WorkStyle:             args.WorkStyle,
		CareerRecommendations: recs,
	}, nil
}

func formatAnswers(answers recommend.QuizAnswers) string {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Quiz answers:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, answers[k])
	}
	return b.String()
}
