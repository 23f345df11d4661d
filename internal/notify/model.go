// Package notify schedules event reminders per user and delivers them
// through the configured channels, honoring each user's preferences and
// quiet hours.
package notify

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a notification in this status will never be delivered.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Notification types.
const (
	TypeReminder = "reminder"
	TypeTest     = "test"
)

// Record kinds in the user_data collection.
const (
	kindNotification = "notification"
	kindPreferences  = "preferences"
	kindContact      = "contact"
)

var (
	// ErrPermissionDenied means no enabled delivery target has a granted
	// permission. The notification stays pending.
	ErrPermissionDenied = errors.New("notification permission denied")

	// ErrDeliveryFailure means every attempted channel failed to deliver.
	ErrDeliveryFailure = errors.New("notification delivery failed")

	ErrInvalidPreferences = errors.New("invalid notification preferences")
	ErrInvalidEvent       = errors.New("invalid event")
	ErrThrottled          = errors.New("too many test notifications")
)

// QuietHours is a daily window during which nothing is delivered. Start and
// End are HH:MM in the scheduler's location; a window with Start after End
// spans midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Preferences are a user's notification settings.
type Preferences struct {
	Push         bool            `json:"push"`
	Email        bool            `json:"email"`
	SMS          bool            `json:"sms"`
	Sound        bool            `json:"sound"`
	Vibration    bool            `json:"vibration"`
	ReminderDays []int           `json:"reminder_days"`
	QuietHours   QuietHours      `json:"quiet_hours"`
	Categories   map[string]bool `json:"categories"`
}

// CategoryEnabled reports whether reminders for category should be sent.
// Categories the user never configured are enabled.
func (p Preferences) CategoryEnabled(category string) bool {
	enabled, ok := p.Categories[category]
	return !ok || enabled
}

// Notification is a scheduled delivery. One exists per event, reminder
// offset and user.
type Notification struct {
	Kind         string         `json:"kind"`
	ID           string         `json:"id"`
	EventID      string         `json:"event_id"`
	UserID       string         `json:"user_id"`
	Type         string         `json:"type"`
	Category     string         `json:"category,omitempty"`
	OffsetDays   int            `json:"offset_days"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	Data         map[string]any `json:"data,omitempty"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	AttemptedAt  *time.Time     `json:"attempted_at,omitempty"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// NotificationID is the idempotency key for a reminder.
func NotificationID(eventID string, offsetDays int, userID string) string {
	return eventID + ":" + strconv.Itoa(offsetDays) + ":" + userID
}

// Event is something a user wants reminding about, such as an exam or an
// admission deadline.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	StartDate   time.Time `json:"start_date"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
}

func (e Event) validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Title == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidEvent)
	}
	if e.StartDate.IsZero() {
		return fmt.Errorf("%w: missing start date", ErrInvalidEvent)
	}
	return nil
}

// Stats summarizes a user's notifications.
type Stats struct {
	TotalSent        int        `json:"total_sent"`
	TotalFailed      int        `json:"total_failed"`
	TotalPending     int        `json:"total_pending"`
	TotalCancelled   int        `json:"total_cancelled"`
	LastNotification *time.Time `json:"last_notification,omitempty"`
}
