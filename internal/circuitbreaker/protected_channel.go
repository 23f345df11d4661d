package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/channel"
)

// ProtectedChannel wraps a delivery channel with a CircuitBreaker. Only Send
// goes through the breaker; permission queries are passed straight through.
type ProtectedChannel struct {
	channel.Channel
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedChannel wraps ch with breaker protection.
func NewProtectedChannel(ch channel.Channel, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedChannel {
	return &ProtectedChannel{
		Channel: ch,
		breaker: breaker,
		logger:  logger.Named("channel." + ch.Name()),
	}
}

// Send fails fast with ErrCircuitOpen while the breaker is open.
func (p *ProtectedChannel) Send(ctx context.Context, msg channel.Message) error {
	err := p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.Channel.Send(ctx, msg)
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("notification_id", msg.ID),
			zap.String("state", p.breaker.GetState().String()),
		)
	}
	return err
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedChannel) Breaker() *CircuitBreaker {
	return p.breaker
}
