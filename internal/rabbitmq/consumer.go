package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryFunc receives one delivery. It runs on the consumer goroutine and
// must settle the delivery itself; long work belongs in its own goroutine.
type DeliveryFunc func(ctx context.Context, d amqp.Delivery)

// Consumer runs manual-ack consumers, each on its own channel, and
// resubscribes them when their channel or connection is replaced
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	tagPrefix     string
	retryDelay    time.Duration
	logger        *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	queue     string
	tag       string
	handler   DeliveryFunc
	cancel    context.CancelFunc
	done      chan struct{}
	reconnect chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount bounds unacknowledged deliveries per subscription
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the prefix of consumer tags
func WithConsumerTag(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithResubscribeDelay sets how often a lost subscription retries on its own
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = delay
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer and registers it for reconnect notifications
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		tagPrefix:     "mmate-rpcbridge",
		retryDelay:    5 * time.Second,
		logger:        slog.Default(),
		subs:          make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	if manager != nil {
		manager.AddStateListener(c)
	}
	return c
}

// Subscribe starts consuming queue. Deliveries go to handler until ctx ends
// or Unsubscribe is called.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryFunc) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidConfiguration)
	}

	c.mu.Lock()
	if _, exists := c.subs[queue]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queue)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:     queue,
		tag:       fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String()[:8]),
		handler:   handler,
		cancel:    cancel,
		done:      make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}
	c.subs[queue] = sub
	c.mu.Unlock()

	ch, deliveries, err := c.open(sub)
	if err != nil {
		cancel()
		c.mu.Lock()
		delete(c.subs, queue)
		c.mu.Unlock()
		return err
	}

	go c.run(subCtx, sub, ch, deliveries)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", sub.tag,
		"prefetchCount", c.prefetchCount)
	return nil
}

func (c *Consumer) open(sub *subscription) (*amqp.Channel, <-chan amqp.Delivery, error) {
	consumerErr := func(op string, err error) error {
		return &ConsumerError{Queue: sub.queue, ConsumerTag: sub.tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, nil, consumerErr("subscribe", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, consumerErr("open channel", err)
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, nil, consumerErr("set qos", err)
	}
	deliveries, err := ch.Consume(sub.queue, sub.tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, consumerErr("consume", err)
	}
	return ch, deliveries, nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	defer func() {
		if ch != nil {
			_ = ch.Cancel(sub.tag, false)
			ch.Close()
		}
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		if deliveries == nil {
			ch, deliveries = c.resubscribe(ctx, sub)
			if deliveries == nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed, resubscribing", "queue", sub.queue)
				ch.Close()
				ch, deliveries = nil, nil
				continue
			}
			sub.handler(ctx, d)
		}
	}
}

// resubscribe waits for a reconnect or the retry delay and reopens the
// subscription. It returns nil deliveries once ctx ends.
func (c *Consumer) resubscribe(ctx context.Context, sub *subscription) (*amqp.Channel, <-chan amqp.Delivery) {
	for {
		timer := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-sub.reconnect:
			timer.Stop()
		case <-timer.C:
		}

		ch, deliveries, err := c.open(sub)
		if err != nil {
			c.logger.Debug("resubscribe failed", "queue", sub.queue, "error", err)
			continue
		}
		c.logger.Info("resubscribed to queue", "queue", sub.queue, "consumerTag", sub.tag)
		return ch, deliveries
	}
}

// Unsubscribe stops consuming queue and waits for the consumer goroutine to exit
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.subs[queue]
	if ok {
		delete(c.subs, queue)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSubscription, queue)
	}

	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every subscription
func (c *Consumer) UnsubscribeAll() {
	for _, queue := range c.ActiveQueues() {
		_ = c.Unsubscribe(queue)
	}
}

// ActiveQueues lists the subscribed queues
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subs))
	for queue := range c.subs {
		queues = append(queues, queue)
	}
	return queues
}

// OnConnected wakes every subscription waiting to resubscribe
func (c *Consumer) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub.reconnect <- struct{}{}:
		default:
		}
	}
}

// OnDisconnected implements ConnectionStateListener
func (c *Consumer) OnDisconnected(err error) {
	c.logger.Warn("consumer lost connection", "error", err, "subscriptions", len(c.ActiveQueues()))
}

// OnReconnecting implements ConnectionStateListener
func (c *Consumer) OnReconnecting(int) {}
