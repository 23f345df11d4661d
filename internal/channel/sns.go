package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSAPI is the subset of the SNS client used by the push and SMS channels.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// NewSNSClient loads the default AWS config for region. A non-empty endpoint
// overrides the service URL (LocalStack).
func NewSNSClient(ctx context.Context, region, endpoint string) (*sns.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// PushChannel publishes to a per-device SNS platform endpoint.
type PushChannel struct {
	client SNSAPI
	logger *zap.Logger
}

func NewPushChannel(client SNSAPI, logger *zap.Logger) *PushChannel {
	return &PushChannel{client: client, logger: logger.Named("channel.push")}
}

func (c *PushChannel) Name() string { return TargetPush }

// Permission is granted once the device has registered an endpoint.
func (c *PushChannel) Permission(ctx context.Context, to Contact) (Permission, error) {
	return addressPermission(to.PushEndpoint), nil
}

// RequestPermission cannot prompt a device from the server; it reports the current state.
func (c *PushChannel) RequestPermission(ctx context.Context, to Contact) (Permission, error) {
	return c.Permission(ctx, to)
}

type pushPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
	Sound bool           `json:"sound"`
}

func (c *PushChannel) Send(ctx context.Context, msg Message) error {
	if msg.To.PushEndpoint == "" {
		return fmt.Errorf("%w: push endpoint", ErrNoRecipient)
	}

	body, err := json.Marshal(pushPayload{Title: msg.Title, Body: msg.Body, Data: msg.Data, Sound: !msg.Silent})
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	result, err := c.client.Publish(ctx, &sns.PublishInput{
		TargetArn: aws.String(msg.To.PushEndpoint),
		Message:   aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"notification_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Type),
			},
			"user_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.UserID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns push publish failed: %w", err)
	}

	c.logger.Info("push sent via SNS",
		zap.String("id", msg.ID),
		zap.String("user_id", msg.UserID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SMSChannel sends text messages through SNS.
type SMSChannel struct {
	client SNSAPI
	logger *zap.Logger
}

func NewSMSChannel(client SNSAPI, logger *zap.Logger) *SMSChannel {
	return &SMSChannel{client: client, logger: logger.Named("channel.sms")}
}

func (c *SMSChannel) Name() string { return TargetSMS }

func (c *SMSChannel) Permission(ctx context.Context, to Contact) (Permission, error) {
	return addressPermission(to.Phone), nil
}

func (c *SMSChannel) RequestPermission(ctx context.Context, to Contact) (Permission, error) {
	return c.Permission(ctx, to)
}

func (c *SMSChannel) Send(ctx context.Context, msg Message) error {
	if msg.To.Phone == "" {
		return fmt.Errorf("%w: phone number", ErrNoRecipient)
	}

	text := msg.Title
	if msg.Body != "" {
		text += ": " + msg.Body
	}

	result, err := c.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(msg.To.Phone),
		Message:     aws.String(text),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	c.logger.Info("SMS sent via SNS",
		zap.String("id", msg.ID),
		zap.String("phone_number", msg.To.Phone),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
