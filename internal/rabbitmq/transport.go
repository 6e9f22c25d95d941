package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/glimte/mmate-rpcbridge/provider"
)

// Transport implements provider.Transport over RabbitMQ. Endpoints are
// durable queues, replies go through the default exchange to the reply queue.
type Transport struct {
	manager            *ConnectionManager
	pool               *ChannelPool
	publisher          *Publisher
	consumer           *Consumer
	topology           *TopologyManager
	deadLetterExchange string
	logger             *slog.Logger
}

var _ provider.Transport = (*Transport)(nil)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []ConnectionOption
	PoolOptions        []ChannelPoolOption
	PublisherOptions   []PublisherOption
	ConsumerOptions    []ConsumerOption
	DeadLetterExchange string
	Logger             *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithDeadLetterExchange sets the exchange rejected requests are routed to. Empty disables dead-lettering.
func WithDeadLetterExchange(exchange string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeadLetterExchange = exchange
	}
}

// WithTransportLogger sets the logger for the transport and its parts
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		DeadLetterExchange: DefaultDeadLetterExchange,
		Logger:             slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]ConnectionOption{WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]PublisherOption{WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]ConsumerOption{WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	return &Transport{
		manager:            manager,
		pool:               pool,
		publisher:          NewPublisher(pool, pubOpts...),
		consumer:           NewConsumer(manager, consOpts...),
		topology:           NewTopologyManager(pool),
		deadLetterExchange: cfg.DeadLetterExchange,
		logger:             cfg.Logger,
	}, nil
}

// DeclareEndpoint declares the endpoint queue and its dead letter queue
func (t *Transport) DeclareEndpoint(ctx context.Context, name string) error {
	if err := t.topology.DeclareTopology(ctx, EndpointTopology(name, t.deadLetterExchange)); err != nil {
		return err
	}
	t.logger.Info("declared endpoint queue",
		"queue", name,
		"deadLetterExchange", t.deadLetterExchange)
	return nil
}

// Subscribe consumes the endpoint queue
func (t *Transport) Subscribe(ctx context.Context, name string, handler provider.DeliveryHandler) error {
	return t.consumer.Subscribe(ctx, name, func(ctx context.Context, d amqp.Delivery) {
		handler(ctx, &delivery{d: d})
	})
}

// Unsubscribe stops consuming the endpoint queue
func (t *Transport) Unsubscribe(name string) error {
	return t.consumer.Unsubscribe(name)
}

// PublishReply publishes body to the replyTo queue
func (t *Transport) PublishReply(ctx context.Context, replyTo, correlationID string, body []byte) error {
	return t.publisher.PublishReply(ctx, replyTo, correlationID, uuid.New().String(), body)
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// InspectEndpoint returns the queue depth and consumer count of an endpoint
func (t *Transport) InspectEndpoint(ctx context.Context, name string) (amqp.Queue, error) {
	return t.topology.InspectQueue(ctx, name)
}

// Close stops every consumer and closes the channels and the connection
func (t *Transport) Close() error {
	t.consumer.UnsubscribeAll()
	return multierr.Combine(
		t.pool.Close(),
		t.manager.Close(),
	)
}

// delivery adapts amqp.Delivery to provider.Delivery
type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte          { return d.d.Body }
func (d *delivery) MessageID() string     { return d.d.MessageId }
func (d *delivery) CorrelationID() string { return d.d.CorrelationId }
func (d *delivery) ReplyTo() string       { return d.d.ReplyTo }

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}

func (d *delivery) Reject(requeue bool) error {
	return d.d.Reject(requeue)
}
