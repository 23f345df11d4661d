package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the subset of the SES client used by EmailChannel.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// NewSESClient loads the default AWS config for region.
func NewSESClient(ctx context.Context, region, endpoint string) (*ses.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// EmailChannel sends reminders as plain-text email through SES.
type EmailChannel struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

func NewEmailChannel(client SESAPI, from string, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{client: client, from: from, logger: logger.Named("channel.email")}
}

func (c *EmailChannel) Name() string { return TargetEmail }

func (c *EmailChannel) Permission(ctx context.Context, to Contact) (Permission, error) {
	return addressPermission(to.Email), nil
}

func (c *EmailChannel) RequestPermission(ctx context.Context, to Contact) (Permission, error) {
	return c.Permission(ctx, to)
}

func (c *EmailChannel) Send(ctx context.Context, msg Message) error {
	if msg.To.Email == "" {
		return fmt.Errorf("%w: email address", ErrNoRecipient)
	}
	if msg.Title == "" {
		return fmt.Errorf("email message missing subject")
	}

	body := msg.Body
	if body == "" {
		body = msg.Title
	}

	input := &ses.SendEmailInput{
		Source: aws.String(c.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := c.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	c.logger.Info("email sent via SES",
		zap.String("id", msg.ID),
		zap.String("to", msg.To.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
