// Package api exposes the scheduler, sync queue and recommendation manager
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/channel"
	"github.com/lalithlochan/compass/internal/notify"
	"github.com/lalithlochan/compass/internal/recommend"
	"github.com/lalithlochan/compass/internal/remote"
	"github.com/lalithlochan/compass/internal/store"
	"github.com/lalithlochan/compass/internal/syncqueue"
)

// Notifications is the scheduler surface used by the handlers.
type Notifications interface {
	GetPreferences(ctx context.Context, userID string) notify.Preferences
	UpdatePreferences(ctx context.Context, userID string, p notify.Preferences) (notify.Preferences, error)
	GetContact(ctx context.Context, userID string) (channel.Contact, error)
	UpdateContact(ctx context.Context, userID string, c channel.Contact) error
	RequestPermission(ctx context.Context, userID string) (map[string]channel.Permission, error)
	Stats(ctx context.Context, userID string) (notify.Stats, error)
	List(ctx context.Context, userID string) ([]notify.Notification, error)
	SendTestNotification(ctx context.Context, userID string) (string, error)
	ScheduleEvent(ctx context.Context, userID string, ev notify.Event) ([]notify.Notification, error)
	CancelEvent(ctx context.Context, userID, eventID string) (int, error)
}

// Recommendations is the recommendation manager surface.
type Recommendations interface {
	GetRecommendations(ctx context.Context, answers recommend.QuizAnswers, opts recommend.Options) recommend.Result
	Mode(ctx context.Context) recommend.Mode
	SetMode(ctx context.Context, mode recommend.Mode) error
	Health(ctx context.Context) recommend.Health
}

// SyncQueue is the sync queue surface.
type SyncQueue interface {
	AddAction(ctx context.Context, actionType string, payload any) (syncqueue.Action, error)
	GetPending(ctx context.Context) ([]syncqueue.Action, error)
	Stats(ctx context.Context) (syncqueue.Stats, error)
}

// Drainer replays the sync queue.
type Drainer interface {
	Drain(ctx context.Context) (syncqueue.DrainResult, error)
	Trigger()
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger          *zap.Logger
	notifications   Notifications
	recommendations Recommendations
	sync            SyncQueue
	drainer         Drainer
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, n Notifications, r Recommendations, q SyncQueue, d Drainer) *Handler {
	return &Handler{
		logger:          logger.Named("api"),
		notifications:   n,
		recommendations: r,
		sync:            q,
		drainer:         d,
	}
}

// GetPreferences handles GET /v1/users/{userID}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	h.writeJSON(w, http.StatusOK, h.notifications.GetPreferences(r.Context(), userID))
}

// UpdatePreferences handles PUT /v1/users/{userID}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var prefs notify.Preferences
	if !h.decode(w, r, &prefs) {
		return
	}

	saved, err := h.notifications.UpdatePreferences(r.Context(), userID, prefs)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, saved)
}

// GetContact handles GET /v1/users/{userID}/contact
func (h *Handler) GetContact(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	c, err := h.notifications.GetContact(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to load contact")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// UpdateContact handles PUT /v1/users/{userID}/contact
func (h *Handler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var c channel.Contact
	if !h.decode(w, r, &c) {
		return
	}
	if err := h.notifications.UpdateContact(r.Context(), userID, c); err != nil {
		h.writeServiceError(w, err, "Failed to update contact")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// RequestPermission handles POST /v1/users/{userID}/notifications/permission
func (h *Handler) RequestPermission(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	perms, err := h.notifications.RequestPermission(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to request permission")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// ListNotifications handles GET /v1/users/{userID}/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rows, err := h.notifications.List(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list notifications")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": rows,
		"count":         len(rows),
	})
}

// NotificationStats handles GET /v1/users/{userID}/notifications/stats
func (h *Handler) NotificationStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	st, err := h.notifications.Stats(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to load notification stats")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// SendTestNotification handles POST /v1/users/{userID}/notifications/test
func (h *Handler) SendTestNotification(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	delivered, err := h.notifications.SendTestNotification(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to send test notification")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"channel": delivered})
}

// ScheduleEvent handles POST /v1/users/{userID}/events
func (h *Handler) ScheduleEvent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var ev notify.Event
	if !h.decode(w, r, &ev) {
		return
	}

	created, err := h.notifications.ScheduleEvent(r.Context(), userID, ev)
	if err != nil {
		h.writeServiceError(w, err, "Failed to schedule event")
		return
	}
	if created == nil {
		created = []notify.Notification{}
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"scheduled": created,
		"count":     len(created),
	})
}

// CancelEvent handles DELETE /v1/users/{userID}/events/{eventID}
func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	eventID := chi.URLParam(r, "eventID")

	n, err := h.notifications.CancelEvent(r.Context(), userID, eventID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to cancel event")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID, "cancelled": n})
}

// RecommendationRequest is the body of POST /v1/recommendations. When UserID
// is set the answers and the result are queued for sync to the backend.
type RecommendationRequest struct {
	UserID       string                `json:"user_id,omitempty"`
	Answers      recommend.QuizAnswers `json:"answers"`
	ForceOffline bool                  `json:"force_offline"`
}

// GetRecommendations handles POST /v1/recommendations
func (h *Handler) GetRecommendations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RecommendationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Answers) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing answers", "answers must contain at least one entry")
		return
	}

	res := h.recommendations.GetRecommendations(ctx, req.Answers, recommend.Options{ForceOffline: req.ForceOffline})

	if req.UserID != "" && h.sync != nil {
		h.queueForSync(ctx, req, res)
	}
	h.writeJSON(w, http.StatusOK, res)
}

// queueForSync records the submission for the backend. Failures are logged;
// the caller still gets the recommendation.
func (h *Handler) queueForSync(ctx context.Context, req RecommendationRequest, res recommend.Result) {
	log := h.logger.With(zap.String("user_id", req.UserID))

	if _, err := h.sync.AddAction(ctx, remote.TypeQuizAnswers, map[string]any{
		"user_id": req.UserID,
		"answers": req.Answers,
	}); err != nil {
		log.Warn("failed to queue quiz answers", zap.Error(err))
		return
	}
	if _, err := h.sync.AddAction(ctx, remote.TypeRecommendation, map[string]any{
		"user_id":             req.UserID,
		"recommendation_type": res.RecommendationType,
		"result":              res,
	}); err != nil {
		log.Warn("failed to queue recommendation", zap.Error(err))
		return
	}
	if h.drainer != nil {
		h.drainer.Trigger()
	}
}

// GetMode handles GET /v1/recommendations/mode
func (h *Handler) GetMode(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]recommend.Mode{"mode": h.recommendations.Mode(r.Context())})
}

// SetMode handles PUT /v1/recommendations/mode
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	mode, err := recommend.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid mode", "mode must be auto, ai, or rule-based")
		return
	}
	if err := h.recommendations.SetMode(r.Context(), mode); err != nil {
		h.writeServiceError(w, err, "Failed to save mode")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]recommend.Mode{"mode": mode})
}

// RecommendationHealth handles GET /v1/recommendations/health
func (h *Handler) RecommendationHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.recommendations.Health(r.Context()))
}

// SyncActionRequest is the body of POST /v1/sync/actions
type SyncActionRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AddSyncAction handles POST /v1/sync/actions
func (h *Handler) AddSyncAction(w http.ResponseWriter, r *http.Request) {
	var req SyncActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	a, err := h.sync.AddAction(r.Context(), req.Type, payload)
	if err != nil {
		h.writeServiceError(w, err, "Failed to queue action")
		return
	}
	if h.drainer != nil {
		h.drainer.Trigger()
	}
	h.writeJSON(w, http.StatusCreated, a)
}

// ListSyncActions handles GET /v1/sync/actions
func (h *Handler) ListSyncActions(w http.ResponseWriter, r *http.Request) {
	pending, err := h.sync.GetPending(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to list sync actions")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"actions": pending,
		"count":   len(pending),
	})
}

// SyncStats handles GET /v1/sync/stats
func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.sync.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to load sync stats")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// DrainSync handles POST /v1/sync/drain
func (h *Handler) DrainSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.drainer.Drain(r.Context())
	switch {
	case errors.Is(err, syncqueue.ErrOffline):
		h.writeError(w, http.StatusServiceUnavailable, "offline", "Backend unreachable", "sync resumes when connectivity returns")
		return
	case errors.Is(err, syncqueue.ErrDrainInProgress):
		h.writeError(w, http.StatusConflict, "drain_in_progress", "Drain already running", "")
		return
	case err != nil:
		h.writeServiceError(w, err, "Drain failed")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

// writeServiceError maps domain errors to problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, notify.ErrInvalidPreferences),
		errors.Is(err, notify.ErrInvalidEvent),
		errors.Is(err, syncqueue.ErrInvalidAction),
		errors.Is(err, recommend.ErrInvalidMode):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	case errors.Is(err, notify.ErrPermissionDenied):
		h.writeError(w, http.StatusForbidden, "permission_denied", title, "no enabled channel has permission to notify this user")
	case errors.Is(err, notify.ErrThrottled):
		h.writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", title, err.Error())
	case errors.Is(err, notify.ErrDeliveryFailure):
		h.writeError(w, http.StatusBadGateway, "delivery_failed", title, err.Error())
	case errors.Is(err, store.ErrStorageUnavailable):
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", title, "")
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, ErrorResponse{Type: errType, Title: title, Status: status, Detail: detail})
}
