// Package remote applies queued sync actions to the remote backend.
package remote

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/syncqueue"
)

// Action types understood by the remote sinks.
const (
	TypeQuizAnswers    = "quiz_answers"
	TypeRecommendation = "recommendation"
	TypeProfileUpdate  = "profile_update"
)

// Router dispatches actions to an executor by action type.
type Router struct {
	routes   map[string]syncqueue.Executor
	fallback syncqueue.Executor
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		routes: make(map[string]syncqueue.Executor),
		logger: logger.Named("remote"),
	}
}

// Handle registers exec for actionType, replacing any previous route.
func (r *Router) Handle(actionType string, exec syncqueue.Executor) *Router {
	r.routes[actionType] = exec
	return r
}

// Fallback handles types with no route. Without one such actions fail
// permanently.
func (r *Router) Fallback(exec syncqueue.Executor) *Router {
	r.fallback = exec
	return r
}

// Types lists the routed action types.
func (r *Router) Types() []string {
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Execute(ctx context.Context, a syncqueue.Action) error {
	exec, ok := r.routes[a.Type]
	if !ok {
		exec = r.fallback
	}
	if exec == nil {
		r.logger.Warn("no route for sync action",
			zap.String("action_id", a.ID),
			zap.String("type", a.Type),
		)
		return fmt.Errorf("%w: no route for action type %q", syncqueue.ErrPermanent, a.Type)
	}
	return exec.Execute(ctx, a)
}
