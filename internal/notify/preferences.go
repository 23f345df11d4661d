package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/channel"
	"github.com/lalithlochan/compass/internal/store"
)

// Default event categories.
var DefaultCategories = []string{"exams", "admissions", "scholarships", "deadlines", "results"}

// DefaultPreferences returns the settings a user starts with.
func DefaultPreferences() Preferences {
	cats := make(map[string]bool, len(DefaultCategories))
	for _, c := range DefaultCategories {
		cats[c] = true
	}
	return Preferences{
		Push:         true,
		Email:        true,
		SMS:          false,
		Sound:        true,
		Vibration:    true,
		ReminderDays: []int{7, 3, 1},
		QuietHours: QuietHours{
			Enabled: false,
			Start:   "22:00",
			End:     "08:00",
		},
		Categories: cats,
	}
}

// Normalize validates p and returns its canonical form: reminder days unique
// and sorted descending.
func (p Preferences) Normalize() (Preferences, error) {
	seen := make(map[int]bool, len(p.ReminderDays))
	days := make([]int, 0, len(p.ReminderDays))
	for _, d := range p.ReminderDays {
		if d < 0 {
			return p, fmt.Errorf("%w: negative reminder day %d", ErrInvalidPreferences, d)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		days = append(days, d)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(days)))
	p.ReminderDays = days

	if p.QuietHours.Start == "" {
		p.QuietHours.Start = "22:00"
	}
	if p.QuietHours.End == "" {
		p.QuietHours.End = "08:00"
	}
	if _, err := parseClock(p.QuietHours.Start); err != nil {
		return p, err
	}
	if _, err := parseClock(p.QuietHours.End); err != nil {
		return p, err
	}

	cats := make(map[string]bool, len(p.Categories))
	for k, v := range p.Categories {
		cats[k] = v
	}
	p.Categories = cats
	return p, nil
}

// Targets returns the delivery targets the user has switched on.
func (p Preferences) Targets() []string {
	var out []string
	if p.Push {
		out = append(out, channel.TargetPush)
	}
	if p.Email {
		out = append(out, channel.TargetEmail)
	}
	if p.SMS {
		out = append(out, channel.TargetSMS)
	}
	return out
}

type preferencesRecord struct {
	Kind   string `json:"kind"`
	UserID string `json:"user_id"`
	Preferences
}

type contactRecord struct {
	Kind   string `json:"kind"`
	UserID string `json:"user_id"`
	channel.Contact
}

func preferencesKey(userID string) string { return "prefs:" + userID }
func contactKey(userID string) string     { return "contact:" + userID }

// GetPreferences returns the user's saved preferences, or the defaults if
// none are saved or storage is unavailable.
func (s *Scheduler) GetPreferences(ctx context.Context, userID string) Preferences {
	rec, err := store.GetAs[preferencesRecord](ctx, s.store, store.UserData, preferencesKey(userID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to load preferences, using defaults",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
		return DefaultPreferences()
	}
	if rec.Categories == nil {
		rec.Categories = map[string]bool{}
	}
	return rec.Preferences
}

// UpdatePreferences replaces the user's preferences wholesale after
// normalizing them.
func (s *Scheduler) UpdatePreferences(ctx context.Context, userID string, p Preferences) (Preferences, error) {
	p, err := p.Normalize()
	if err != nil {
		return Preferences{}, err
	}
	rec := preferencesRecord{Kind: kindPreferences, UserID: userID, Preferences: p}
	if err := s.store.Put(ctx, store.UserData, preferencesKey(userID), rec); err != nil {
		return Preferences{}, fmt.Errorf("saving preferences: %w", err)
	}
	s.logger.Info("preferences updated",
		zap.String("user_id", userID),
		zap.Ints("reminder_days", p.ReminderDays),
		zap.Bool("quiet_hours", p.QuietHours.Enabled),
	)
	return p, nil
}

// GetContact returns the addresses registered for a user. A missing record
// is an empty contact.
func (s *Scheduler) GetContact(ctx context.Context, userID string) (channel.Contact, error) {
	rec, err := store.GetAs[contactRecord](ctx, s.store, store.UserData, contactKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return channel.Contact{}, nil
	}
	if err != nil {
		return channel.Contact{}, err
	}
	return rec.Contact, nil
}

// UpdateContact replaces the addresses registered for a user.
func (s *Scheduler) UpdateContact(ctx context.Context, userID string, c channel.Contact) error {
	rec := contactRecord{Kind: kindContact, UserID: userID, Contact: c}
	if err := s.store.Put(ctx, store.UserData, contactKey(userID), rec); err != nil {
		return fmt.Errorf("saving contact: %w", err)
	}
	return nil
}
