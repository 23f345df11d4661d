package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/channel"
	"github.com/lalithlochan/compass/internal/metrics"
	"github.com/lalithlochan/compass/internal/store"
)

// DispatchResult counts the outcome of one dispatch pass.
type DispatchResult struct {
	Sent             int `json:"sent"`
	Failed           int `json:"failed"`
	Cancelled        int `json:"cancelled"`
	Deferred         int `json:"deferred"`
	PermissionDenied int `json:"permission_denied"`
}

// Dispatch delivers every pending notification that is due. Concurrent calls
// are serialized.
func (s *Scheduler) Dispatch(ctx context.Context) (DispatchResult, error) {
	s.dispatching.Lock()
	defer s.dispatching.Unlock()

	var result DispatchResult
	now := s.clock.Now()

	due, err := store.QueryAs(ctx, s.store, store.UserData, store.IndexKindStatus,
		store.CompositeValue(kindNotification, string(StatusPending)),
		func(n Notification) bool {
			return n.AttemptedAt == nil && !n.ScheduledFor.After(now)
		})
	if err != nil {
		if errors.Is(err, store.ErrStorageUnavailable) {
			s.logger.Warn("storage unavailable, skipping dispatch", zap.Error(err))
			return result, nil
		}
		return result, fmt.Errorf("listing due notifications: %w", err)
	}
	sortBySchedule(due)

	for _, n := range due {
		if ctx.Err() != nil {
			break
		}
		switch s.dispatchOne(ctx, n, now) {
		case StatusSent:
			result.Sent++
		case StatusFailed:
			result.Failed++
		case StatusCancelled:
			result.Cancelled++
		case statusDeferred:
			result.Deferred++
		case statusPermissionDenied:
			result.PermissionDenied++
		}
	}

	if len(due) > 0 {
		s.logger.Info("dispatch finished",
			zap.Int("due", len(due)),
			zap.Int("sent", result.Sent),
			zap.Int("failed", result.Failed),
			zap.Int("cancelled", result.Cancelled),
			zap.Int("deferred", result.Deferred),
			zap.Int("permission_denied", result.PermissionDenied),
		)
	}
	return result, nil
}

// Pseudo statuses reported by dispatchOne for rows that stay pending.
const (
	statusDeferred         Status = "deferred"
	statusPermissionDenied Status = "permission_denied"
	statusSkipped          Status = "skipped"
)

func (s *Scheduler) dispatchOne(ctx context.Context, n Notification, now time.Time) Status {
	log := s.logger.With(
		zap.String("id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("event_id", n.EventID),
	)

	prefs := s.GetPreferences(ctx, n.UserID)

	targets := s.availableTargets(prefs)
	if !prefs.CategoryEnabled(n.Category) || len(targets) == 0 {
		if s.finish(ctx, n.ID, StatusCancelled, "", now, false) {
			log.Info("notification cancelled by preferences", zap.String("category", n.Category))
			metrics.RecordNotificationDispatched(string(StatusCancelled))
			return StatusCancelled
		}
		return statusSkipped
	}

	local := now.In(s.config.Location)
	if prefs.QuietHours.Contains(local) {
		next := prefs.QuietHours.NextEnd(local).UTC()
		err := store.UpdateAs(ctx, s.store, store.UserData, notificationKey(n.ID), func(cur *Notification) error {
			if cur.Status != StatusPending || cur.AttemptedAt != nil {
				return store.ErrSkipUpdate
			}
			cur.ScheduledFor = next
			return nil
		})
		if err != nil {
			log.Error("failed to defer notification", zap.Error(err))
			return statusSkipped
		}
		log.Debug("notification deferred for quiet hours", zap.Time("scheduled_for", next))
		metrics.RecordNotificationDispatched(string(statusDeferred))
		return statusDeferred
	}

	contact, err := s.GetContact(ctx, n.UserID)
	if err != nil {
		log.Warn("failed to load contact", zap.Error(err))
	}

	granted := s.grantedChannels(ctx, targets, contact, log)
	if len(granted) == 0 {
		log.Debug("no granted channel, keeping pending", zap.Error(ErrPermissionDenied))
		metrics.RecordNotificationDispatched(string(statusPermissionDenied))
		return statusPermissionDenied
	}

	if !s.claim(ctx, n.ID, now) {
		return statusSkipped
	}

	msg := channel.Message{
		ID:     n.ID,
		UserID: n.UserID,
		Type:   n.Type,
		Title:  n.Title,
		Body:   n.Message,
		Data:   n.Data,
		Silent: !prefs.Sound && !prefs.Vibration,
		To:     contact,
	}
	delivered, sendErr := s.deliver(ctx, granted, msg)

	if delivered != "" {
		s.finish(ctx, n.ID, StatusSent, "", now, true)
		metrics.RecordNotificationDispatched(string(StatusSent))
		metrics.RecordNotificationLatency(delivered, now.Sub(n.ScheduledFor))
		log.Info("notification sent", zap.String("channel", delivered))
		return StatusSent
	}

	s.finish(ctx, n.ID, StatusFailed, sendErr.Error(), now, true)
	metrics.RecordNotificationDispatched(string(StatusFailed))
	log.Warn("notification delivery failed", zap.Error(sendErr))
	return StatusFailed
}

// availableTargets returns the enabled targets that have a channel configured.
func (s *Scheduler) availableTargets(prefs Preferences) []channel.Channel {
	var out []channel.Channel
	for _, target := range prefs.Targets() {
		if ch, ok := s.channels[target]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func (s *Scheduler) grantedChannels(ctx context.Context, chans []channel.Channel, to channel.Contact, log *zap.Logger) []channel.Channel {
	var out []channel.Channel
	for _, ch := range chans {
		p, err := ch.Permission(ctx, to)
		if err != nil {
			log.Warn("permission query failed", zap.String("channel", ch.Name()), zap.Error(err))
			continue
		}
		if p == channel.PermissionGranted {
			out = append(out, ch)
		}
	}
	return out
}

// deliver sends msg on every channel and returns the first channel that
// succeeded. When none succeed the error joins every channel's failure.
func (s *Scheduler) deliver(ctx context.Context, chans []channel.Channel, msg channel.Message) (string, error) {
	var delivered string
	var errs []string
	for _, ch := range chans {
		if err := ch.Send(ctx, msg); err != nil {
			metrics.RecordChannelSend(ch.Name(), "failed")
			errs = append(errs, ch.Name()+": "+err.Error())
			continue
		}
		metrics.RecordChannelSend(ch.Name(), "delivered")
		if delivered == "" {
			delivered = ch.Name()
		}
	}
	if delivered != "" {
		return delivered, nil
	}
	return "", fmt.Errorf("%w: %s", ErrDeliveryFailure, strings.Join(errs, "; "))
}

// claim marks a notification as attempted. It fails if another dispatcher
// already claimed it, so a row is never sent twice.
func (s *Scheduler) claim(ctx context.Context, id string, now time.Time) bool {
	claimed := false
	err := store.UpdateAs(ctx, s.store, store.UserData, notificationKey(id), func(cur *Notification) error {
		if cur.Status != StatusPending || cur.AttemptedAt != nil {
			return store.ErrSkipUpdate
		}
		t := now.UTC()
		cur.AttemptedAt = &t
		claimed = true
		return nil
	})
	if err != nil {
		s.logger.Error("failed to claim notification", zap.String("id", id), zap.Error(err))
		return false
	}
	return claimed
}

// finish moves a notification to a terminal status. attempted must match
// whether the row was claimed.
func (s *Scheduler) finish(ctx context.Context, id string, status Status, errMsg string, now time.Time, attempted bool) bool {
	done := false
	err := store.UpdateAs(ctx, s.store, store.UserData, notificationKey(id), func(cur *Notification) error {
		if cur.Status != StatusPending || (cur.AttemptedAt != nil) != attempted {
			return store.ErrSkipUpdate
		}
		cur.Status = status
		cur.Error = errMsg
		if status == StatusSent {
			t := now.UTC()
			cur.SentAt = &t
		}
		done = true
		return nil
	})
	if err != nil {
		s.logger.Error("failed to update notification",
			zap.String("id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return false
	}
	return done
}

func sortBySchedule(rows []Notification) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ScheduledFor.Equal(rows[j].ScheduledFor) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].ScheduledFor.Before(rows[j].ScheduledFor)
	})
}
