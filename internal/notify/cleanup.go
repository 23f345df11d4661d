package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/channel"
	"github.com/lalithlochan/compass/internal/metrics"
	"github.com/lalithlochan/compass/internal/store"
)

// staleClaim is how long a claimed row may sit without an outcome before
// cleanup marks it failed.
const staleClaim = time.Hour

// CleanupResult counts what a cleanup pass changed.
type CleanupResult struct {
	Deleted int `json:"deleted"`
	Expired int `json:"expired"`
}

// Cleanup deletes sent and failed notifications older than the retention
// period. Pending and cancelled rows are never deleted. Rows claimed by a
// dispatcher that never recorded an outcome are marked failed so they are not
// stuck pending forever.
func (s *Scheduler) Cleanup(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	now := s.clock.Now()
	cutoff := now.Add(-s.config.Retention)

	rows, err := store.QueryAs[Notification](ctx, s.store, store.UserData, store.IndexKind, kindNotification, nil)
	if err != nil {
		if errors.Is(err, store.ErrStorageUnavailable) {
			s.logger.Warn("storage unavailable, skipping cleanup", zap.Error(err))
			return result, nil
		}
		return result, fmt.Errorf("listing notifications: %w", err)
	}

	for _, n := range rows {
		switch {
		case (n.Status == StatusSent || n.Status == StatusFailed) && n.CreatedAt.Before(cutoff):
			if err := s.store.Delete(ctx, store.UserData, notificationKey(n.ID)); err != nil {
				return result, fmt.Errorf("deleting %s: %w", n.ID, err)
			}
			result.Deleted++

		case n.Status == StatusPending && n.AttemptedAt != nil && now.Sub(*n.AttemptedAt) > staleClaim:
			if s.finish(ctx, n.ID, StatusFailed, "delivery interrupted", now, true) {
				result.Expired++
			}
		}
	}

	s.logger.Info("notification cleanup finished",
		zap.Int("deleted", result.Deleted),
		zap.Int("expired", result.Expired),
		zap.Time("cutoff", cutoff),
	)
	return result, nil
}

// SendTestNotification delivers a message immediately, bypassing scheduling
// and quiet hours. It still requires a granted permission on at least one
// enabled channel.
func (s *Scheduler) SendTestNotification(ctx context.Context, userID string) (string, error) {
	if s.throttle != nil {
		res, err := s.throttle.Allow(ctx, "test-notification:"+userID)
		if err != nil {
			s.logger.Warn("throttle unavailable, allowing test notification", zap.Error(err))
		} else if !res.Allowed {
			metrics.RecordRateLimitRejection("test_notification")
			return "", ErrThrottled
		}
	}

	prefs := s.GetPreferences(ctx, userID)
	contact, err := s.GetContact(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to load contact", zap.String("user_id", userID), zap.Error(err))
	}

	log := s.logger.With(zap.String("user_id", userID))
	granted := s.grantedChannels(ctx, s.availableTargets(prefs), contact, log)
	if len(granted) == 0 {
		return "", ErrPermissionDenied
	}

	msg := channel.Message{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   TypeTest,
		Title:  "Test notification",
		Body:   "Notifications are working.",
		Silent: !prefs.Sound && !prefs.Vibration,
		To:     contact,
	}
	delivered, err := s.deliver(ctx, granted, msg)
	if err != nil {
		log.Warn("test notification failed", zap.Error(err))
		return "", err
	}
	log.Info("test notification sent", zap.String("channel", delivered))
	return delivered, nil
}
