package channel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LogChannel writes notifications to the log instead of delivering them.
// It holds a single permission state the way a desktop user agent does.
type LogChannel struct {
	target string
	logger *zap.Logger

	mu         sync.Mutex
	permission Permission
	sent       []Message
}

// NewLogChannel creates a log channel for target with the given initial permission.
func NewLogChannel(target string, permission Permission, logger *zap.Logger) *LogChannel {
	if permission == "" {
		permission = PermissionDefault
	}
	return &LogChannel{
		target:     target,
		logger:     logger.Named("channel." + target),
		permission: permission,
	}
}

func (c *LogChannel) Name() string { return c.target }

func (c *LogChannel) Permission(ctx context.Context, to Contact) (Permission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission, nil
}

// RequestPermission grants permission unless the user already denied it.
func (c *LogChannel) RequestPermission(ctx context.Context, to Contact) (Permission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.permission == PermissionDefault {
		c.permission = PermissionGranted
	}
	return c.permission, nil
}

// SetPermission overrides the permission state.
func (c *LogChannel) SetPermission(p Permission) {
	c.mu.Lock()
	c.permission = p
	c.mu.Unlock()
}

func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	if c.permission != PermissionGranted {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPermitted, c.target, c.permission)
	}
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	c.logger.Info("logging notification (development mode)",
		zap.String("id", msg.ID),
		zap.String("user_id", msg.UserID),
		zap.String("type", msg.Type),
		zap.String("title", msg.Title),
		zap.Bool("silent", msg.Silent),
	)
	return nil
}

// Sent returns a copy of every message delivered so far.
func (c *LogChannel) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}
