package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/syncqueue"
)

// SQSAPI is the subset of the SQS client used by the sink.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NewSQSClient loads the default AWS config for region. A non-empty endpoint
// overrides the service URL (LocalStack).
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Message is the body published for each sync action.
type Message struct {
	ActionID   string          `json:"action_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

// SQSSink forwards sync actions to a queue consumed by the backend.
type SQSSink struct {
	client   SQSAPI
	queueURL string
	fifo     bool
	logger   *zap.Logger
}

func NewSQSSink(client SQSAPI, queueURL string, logger *zap.Logger) *SQSSink {
	return &SQSSink{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger.Named("remote.sqs"),
	}
}

func (s *SQSSink) Execute(ctx context.Context, a syncqueue.Action) error {
	body, err := json.Marshal(Message{
		ActionID:   a.ID,
		Type:       a.Type,
		Payload:    a.Payload,
		CreatedAt:  a.CreatedAt,
		Attempt:    a.RetryCount + 1,
		EnqueuedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal message: %w", syncqueue.ErrPermanent, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"action_type": {DataType: aws.String("String"), StringValue: aws.String(a.Type)},
		},
	}
	if s.fifo {
		// FIFO queues drop a repeated deduplication id inside their window.
		input.MessageDeduplicationId = aws.String(a.ID)
		input.MessageGroupId = aws.String(a.Type)
	}

	out, err := s.client.SendMessage(ctx, input)
	if err != nil {
		s.logger.Error("failed to send message to sqs",
			zap.String("action_id", a.ID),
			zap.Error(err),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	s.logger.Debug("sync action enqueued",
		zap.String("action_id", a.ID),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
