package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes with broker confirms over pooled channels
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg and waits for the broker to confirm it. A failed publish
// is not retried.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if !ch.confirming {
		if err := ch.Confirm(false); err != nil {
			p.pool.Discard(ch)
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        fmt.Errorf("enable confirms: %w", err),
				Timestamp:  time.Now(),
			}
		}
		ch.confirming = true
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		// the confirm may still arrive; this channel can't be reused safely
		p.pool.Discard(ch)
		if waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = ErrPublishTimeout
		}
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	p.pool.Put(ch)

	if !acked {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNacked, Timestamp: time.Now()}
	}
	return nil
}

// PublishReply sends a JSON reply to a reply queue through the default exchange
func (p *Publisher) PublishReply(ctx context.Context, replyTo, correlationID, messageID string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		MessageId:     messageID,
		Timestamp:     time.Now().UTC(),
		DeliveryMode:  amqp.Transient,
		Body:          body,
	}
	if err := p.Publish(ctx, "", replyTo, msg); err != nil {
		return err
	}

	p.logger.Debug("published reply",
		"replyTo", replyTo,
		"correlationId", correlationID)
	return nil
}
