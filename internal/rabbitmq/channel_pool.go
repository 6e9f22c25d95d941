package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool keeps a bounded set of open channels on the managed connection
type ChannelPool struct {
	manager *ConnectionManager
	idle    chan *PooledChannel
	maxSize int
	minSize int
	getWait time.Duration

	mu     sync.Mutex
	closed bool
	active int
}

// PooledChannel is a channel borrowed from a ChannelPool
type PooledChannel struct {
	*amqp.Channel
	id         string
	lastUsed   time.Time
	confirming bool
}

// ID identifies the channel in logs and errors
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets how many channels are opened up front
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithGetTimeout bounds how long Get waits for a free channel
func WithGetTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.getWait = timeout
	}
}

// NewChannelPool creates a pool and opens its minimum channels
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager: manager,
		maxSize: 10,
		minSize: 1,
		getWait: 5 * time.Second,
	}
	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.idle = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.open()
		if err != nil {
			pool.Close()
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pool.active++
		pool.idle <- ch
	}

	return pool, nil
}

// Get borrows a channel, opening one if the pool is below its maximum
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.idle:
			if ch == nil {
				return nil, ErrChannelPoolClosed
			}
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.open()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}

		timer := time.NewTimer(cp.getWait)
		select {
		case ch := <-cp.idle:
			timer.Stop()
			if ch == nil {
				return nil, ErrChannelPoolClosed
			}
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns a borrowed channel. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed || ch.IsClosed() {
		ch.Channel.Close()
		cp.active--
		return
	}

	select {
	case cp.idle <- ch:
	default:
		ch.Channel.Close()
		cp.active--
	}
}

// Discard closes a borrowed channel whose state is uncertain
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	ch.Channel.Close()
	cp.release()
}

// Execute runs fn on a borrowed channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cp.Discard(ch)
			err = fmt.Errorf("panic in channel execution: %v", r)
			return
		}
		cp.Put(ch)
	}()

	return fn(ch.Channel)
}

// Size returns the number of open channels, borrowed or idle
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.active
}

// Close closes every idle channel. Borrowed channels are closed on Put.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.idle)
	cp.mu.Unlock()

	for ch := range cp.idle {
		ch.Channel.Close()
		cp.release()
	}
	return nil
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.active >= cp.maxSize {
		return false
	}
	cp.active++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.active--
	cp.mu.Unlock()
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.New().String(),
		lastUsed: time.Now(),
	}, nil
}
