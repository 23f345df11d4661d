package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/channel"
	"github.com/lalithlochan/compass/internal/clock"
	"github.com/lalithlochan/compass/internal/metrics"
	"github.com/lalithlochan/compass/internal/periodic"
	"github.com/lalithlochan/compass/internal/redis"
	"github.com/lalithlochan/compass/internal/store"
)

// Throttle limits how often a key may be used. The Redis sliding-window
// limiter satisfies it.
type Throttle interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

type Config struct {
	// Location is where reminder hours and quiet hours are evaluated.
	Location *time.Location
	// ReminderHour is the local hour at which reminders fire on their day.
	ReminderHour     int
	DispatchInterval time.Duration
	CleanupInterval  time.Duration
	// Retention is how long terminal sent/failed notifications are kept.
	Retention time.Duration
}

// Scheduler owns the notification rows in the user_data collection.
type Scheduler struct {
	store    *store.Store
	channels map[string]channel.Channel
	clock    clock.Clock
	config   Config
	throttle Throttle
	logger   *zap.Logger

	// dispatching serializes ticker and manual dispatch runs.
	dispatching sync.Mutex
}

// New creates a scheduler delivering through channels, keyed by their target name.
func New(s *store.Store, channels []channel.Channel, clk clock.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.ReminderHour < 0 || cfg.ReminderHour > 23 {
		cfg.ReminderHour = 9
	}
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = time.Minute
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}

	byName := make(map[string]channel.Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}

	return &Scheduler{
		store:    s,
		channels: byName,
		clock:    clk,
		config:   cfg,
		logger:   logger.Named("notify"),
	}
}

// WithThrottle limits SendTestNotification per user.
func (s *Scheduler) WithThrottle(t Throttle) *Scheduler {
	s.throttle = t
	return s
}

func notificationKey(id string) string { return "notification:" + id }

// ScheduleEvent creates one pending reminder per configured offset whose fire
// time is still in the future. Existing reminders for the same event, offset
// and user are left untouched. It returns the reminders it created.
func (s *Scheduler) ScheduleEvent(ctx context.Context, userID string, ev Event) ([]Notification, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}

	prefs := s.GetPreferences(ctx, userID)
	if !prefs.CategoryEnabled(ev.Category) {
		s.logger.Debug("category disabled, not scheduling",
			zap.String("user_id", userID),
			zap.String("event_id", ev.ID),
			zap.String("category", ev.Category),
		)
		return nil, nil
	}

	now := s.clock.Now()
	start := ev.StartDate.In(s.config.Location)
	y, m, d := start.Date()

	var created []Notification
	for _, offset := range prefs.ReminderDays {
		fireAt := time.Date(y, m, d-offset, s.config.ReminderHour, 0, 0, 0, s.config.Location)
		if !fireAt.After(now) {
			continue
		}

		n := Notification{
			Kind:         kindNotification,
			ID:           NotificationID(ev.ID, offset, userID),
			EventID:      ev.ID,
			UserID:       userID,
			Type:         TypeReminder,
			Category:     ev.Category,
			OffsetDays:   offset,
			Title:        reminderTitle(ev),
			Message:      reminderMessage(ev, offset),
			ScheduledFor: fireAt.UTC(),
			Data:         reminderData(ev),
			Status:       StatusPending,
			CreatedAt:    now.UTC(),
		}

		ok, err := s.store.Insert(ctx, store.UserData, notificationKey(n.ID), n)
		if err != nil {
			s.logger.Error("failed to schedule reminder",
				zap.String("id", n.ID),
				zap.Error(err),
			)
			return created, fmt.Errorf("scheduling reminder %s: %w", n.ID, err)
		}
		if !ok {
			continue
		}
		metrics.RecordNotificationScheduled(ev.Category)
		created = append(created, n)
	}

	s.logger.Info("event scheduled",
		zap.String("user_id", userID),
		zap.String("event_id", ev.ID),
		zap.Int("created", len(created)),
	)
	return created, nil
}

func reminderTitle(ev Event) string {
	return "Reminder: " + ev.Title
}

func reminderMessage(ev Event, offset int) string {
	switch offset {
	case 0:
		return ev.Title + " is today"
	case 1:
		return ev.Title + " is tomorrow"
	default:
		return fmt.Sprintf("%s is in %d days", ev.Title, offset)
	}
}

func reminderData(ev Event) map[string]any {
	data := map[string]any{
		"event_id":   ev.ID,
		"start_date": ev.StartDate.UTC().Format(time.RFC3339),
	}
	if ev.URL != "" {
		data["url"] = ev.URL
	}
	return data
}

// CancelEvent cancels the user's pending reminders for an event and returns
// how many were cancelled.
func (s *Scheduler) CancelEvent(ctx context.Context, userID, eventID string) (int, error) {
	rows, err := store.QueryAs(ctx, s.store, store.UserData, store.IndexEventID, eventID, func(n Notification) bool {
		return n.Kind == kindNotification && n.UserID == userID && n.Status == StatusPending
	})
	if err != nil {
		return 0, fmt.Errorf("listing reminders for %s: %w", eventID, err)
	}

	cancelled := 0
	for _, n := range rows {
		err := store.UpdateAs(ctx, s.store, store.UserData, notificationKey(n.ID), func(cur *Notification) error {
			if cur.Status != StatusPending || cur.AttemptedAt != nil {
				return store.ErrSkipUpdate
			}
			cur.Status = StatusCancelled
			cancelled++
			return nil
		})
		if err != nil {
			return cancelled, fmt.Errorf("cancelling %s: %w", n.ID, err)
		}
	}

	s.logger.Info("event reminders cancelled",
		zap.String("user_id", userID),
		zap.String("event_id", eventID),
		zap.Int("cancelled", cancelled),
	)
	return cancelled, nil
}

// List returns a user's notifications, newest schedule first.
func (s *Scheduler) List(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := store.QueryAs[Notification](ctx, s.store, store.UserData, store.IndexKindUser,
		store.CompositeValue(kindNotification, userID), nil)
	if err != nil {
		return nil, err
	}
	sortBySchedule(rows)
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// Stats counts a user's notifications by status.
func (s *Scheduler) Stats(ctx context.Context, userID string) (Stats, error) {
	rows, err := store.QueryAs[Notification](ctx, s.store, store.UserData, store.IndexKindUser,
		store.CompositeValue(kindNotification, userID), nil)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	for _, n := range rows {
		switch n.Status {
		case StatusSent:
			st.TotalSent++
			if n.SentAt != nil && (st.LastNotification == nil || n.SentAt.After(*st.LastNotification)) {
				t := *n.SentAt
				st.LastNotification = &t
			}
		case StatusFailed:
			st.TotalFailed++
		case StatusPending:
			st.TotalPending++
		case StatusCancelled:
			st.TotalCancelled++
		}
	}
	return st, nil
}

// RequestPermission asks every channel the user has enabled for permission
// and returns the result per target.
func (s *Scheduler) RequestPermission(ctx context.Context, userID string) (map[string]channel.Permission, error) {
	prefs := s.GetPreferences(ctx, userID)
	contact, err := s.GetContact(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]channel.Permission)
	for _, target := range prefs.Targets() {
		ch, ok := s.channels[target]
		if !ok {
			continue
		}
		p, err := ch.RequestPermission(ctx, contact)
		if err != nil {
			s.logger.Warn("permission request failed",
				zap.String("user_id", userID),
				zap.String("channel", target),
				zap.Error(err),
			)
			p = channel.PermissionDefault
		}
		out[target] = p
	}
	return out, nil
}

// Tasks returns the dispatch and cleanup loops.
func (s *Scheduler) Tasks() []periodic.Task {
	return []periodic.Task{
		{
			Name:       "notification-dispatch",
			Interval:   s.config.DispatchInterval,
			RunOnStart: true,
			Run: func(ctx context.Context) {
				if _, err := s.Dispatch(ctx); err != nil {
					s.logger.Error("dispatch failed", zap.Error(err))
				}
			},
		},
		{
			Name:       "notification-cleanup",
			Interval:   s.config.CleanupInterval,
			RunOnStart: true,
			Run: func(ctx context.Context) {
				if _, err := s.Cleanup(ctx); err != nil {
					s.logger.Error("cleanup failed", zap.Error(err))
				}
			},
		},
	}
}
