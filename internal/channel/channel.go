// Package channel defines the delivery capability used by the notification
// scheduler and its adapters: development log output, SNS mobile push, SNS
// SMS, SES email and HTTP webhooks.
package channel

import (
	"context"
	"errors"
)

// Target names the delivery targets a user can enable in their preferences.
const (
	TargetPush  = "push"
	TargetEmail = "email"
	TargetSMS   = "sms"
)

// Permission mirrors the three states a user agent reports for notification
// permission.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

var (
	ErrNotPermitted = errors.New("channel permission not granted")
	ErrNoRecipient  = errors.New("recipient address missing for channel")
)

// Contact holds the addresses a user has registered for delivery.
type Contact struct {
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	PushEndpoint string `json:"push_endpoint,omitempty"`
}

// Message is a single rendered notification.
type Message struct {
	ID     string         `json:"id"`
	UserID string         `json:"user_id"`
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
	// Silent suppresses sound and vibration on channels that support it.
	Silent bool    `json:"silent,omitempty"`
	To     Contact `json:"-"`
}

// Channel is a delivery capability. Permission is queried before every
// send; Send is only called with a granted permission.
type Channel interface {
	// Name is the delivery target this channel serves.
	Name() string
	Permission(ctx context.Context, to Contact) (Permission, error)
	RequestPermission(ctx context.Context, to Contact) (Permission, error)
	Send(ctx context.Context, msg Message) error
}

// addressPermission grants permission when the channel has an address to deliver to.
func addressPermission(addr string) Permission {
	if addr == "" {
		return PermissionDefault
	}
	return PermissionGranted
}
