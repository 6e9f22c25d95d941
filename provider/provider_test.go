package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpcbridge/contracts"
)

type reply struct {
	replyTo       string
	correlationID string
	envelope      *contracts.Envelope
}

// memoryTransport delivers messages pushed by the test to the subscribed handler
type memoryTransport struct {
	mu         sync.Mutex
	declared   []string
	handlers   map[string]DeliveryHandler
	replies    chan reply
	publishErr error
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		handlers: make(map[string]DeliveryHandler),
		replies:  make(chan reply, 64),
	}
}

func (m *memoryTransport) DeclareEndpoint(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declared = append(m.declared, name)
	return nil
}

func (m *memoryTransport) Subscribe(_ context.Context, name string, handler DeliveryHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = handler
	return nil
}

func (m *memoryTransport) Unsubscribe(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, name)
	return nil
}

func (m *memoryTransport) PublishReply(_ context.Context, replyTo, correlationID string, body []byte) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	env, err := contracts.ParseEnvelope(body)
	if err != nil {
		return err
	}
	m.replies <- reply{replyTo: replyTo, correlationID: correlationID, envelope: env}
	return nil
}

func (m *memoryTransport) deliver(t *testing.T, name string, d Delivery) {
	t.Helper()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.handlers[name] != nil
	}, time.Second, 5*time.Millisecond)

	m.mu.Lock()
	handler := m.handlers[name]
	m.mu.Unlock()
	handler(context.Background(), d)
}

type fakeDelivery struct {
	body          []byte
	messageID     string
	correlationID string
	replyTo       string
	settled       chan string
}

func newDelivery(body []byte, correlationID, replyTo string) *fakeDelivery {
	return &fakeDelivery{
		body:          body,
		messageID:     "msg-1",
		correlationID: correlationID,
		replyTo:       replyTo,
		settled:       make(chan string, 1),
	}
}

func (d *fakeDelivery) Body() []byte          { return d.body }
func (d *fakeDelivery) MessageID() string     { return d.messageID }
func (d *fakeDelivery) CorrelationID() string { return d.correlationID }
func (d *fakeDelivery) ReplyTo() string       { return d.replyTo }

func (d *fakeDelivery) Ack() error {
	d.settled <- "ack"
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	if requeue {
		d.settled <- "requeue"
	} else {
		d.settled <- "reject"
	}
	return nil
}

func (d *fakeDelivery) waitSettled(t *testing.T) string {
	t.Helper()
	select {
	case s := <-d.settled:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not settled")
		return ""
	}
}

func envelopeBody(t *testing.T, body any, correlationID, replyTo string) []byte {
	t.Helper()
	env, err := contracts.NewEnvelope(body, correlationID)
	require.NoError(t, err)
	env.ReplyTo = replyTo
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func doubler(_ context.Context, req contracts.Translation2D) (contracts.Translation1D, error) {
	return contracts.Translation1D{X: req.X * 2}, nil
}

func startProvider(t *testing.T, transport Transport, handler Handler[contracts.Translation2D, contracts.Translation1D], opts ...Option) {
	t.Helper()
	p, err := New[contracts.Translation2D, contracts.Translation1D](transport, "bridge.requests", opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ProvideAsync(ctx, handler) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestProviderReplies(t *testing.T) {
	transport := newMemoryTransport()
	startProvider(t, transport, doubler)

	t.Run("correlation id and reply address from properties", func(t *testing.T) {
		d := newDelivery(envelopeBody(t, contracts.Translation2D{X: 3, Y: 4}, "", ""), "corr-1", "client.replies")
		transport.deliver(t, "bridge.requests", d)

		assert.Equal(t, "ack", d.waitSettled(t))
		r := <-transport.replies
		assert.Equal(t, "client.replies", r.replyTo)
		assert.Equal(t, "corr-1", r.correlationID)
		assert.Equal(t, "corr-1", r.envelope.CorrelationID)
		assert.Equal(t, "Translation1D", r.envelope.Type)

		var out contracts.Translation1D
		require.NoError(t, r.envelope.DecodeBody(&out))
		assert.Equal(t, float32(6), out.X)
	})

	t.Run("falls back to envelope fields", func(t *testing.T) {
		d := newDelivery(envelopeBody(t, contracts.Translation2D{X: 1}, "corr-env", "env.replies"), "", "")
		transport.deliver(t, "bridge.requests", d)

		assert.Equal(t, "ack", d.waitSettled(t))
		r := <-transport.replies
		assert.Equal(t, "env.replies", r.replyTo)
		assert.Equal(t, "corr-env", r.correlationID)
	})

	t.Run("message id when no correlation id", func(t *testing.T) {
		d := newDelivery(envelopeBody(t, contracts.Translation2D{X: 1}, "", ""), "", "client.replies")
		transport.deliver(t, "bridge.requests", d)

		assert.Equal(t, "ack", d.waitSettled(t))
		r := <-transport.replies
		assert.Equal(t, "msg-1", r.correlationID)
	})

	t.Run("missing reply address is acked without reply", func(t *testing.T) {
		d := newDelivery(envelopeBody(t, contracts.Translation2D{X: 1}, "corr", ""), "corr", "")
		transport.deliver(t, "bridge.requests", d)

		assert.Equal(t, "ack", d.waitSettled(t))
		assert.Empty(t, transport.replies)
	})

	assert.Equal(t, []string{"bridge.requests"}, transport.declared)
}

func TestProviderRejects(t *testing.T) {
	transport := newMemoryTransport()
	startProvider(t, transport, doubler)

	cases := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{nope")},
		{"no body", []byte(`{"id":"1","type":"Translation2D"}`)},
		{"wrong type", envelopeBody(t, contracts.Translation1D{X: 1}, "c", "r")},
		{"undecodable body", []byte(`{"id":"1","type":"Translation2D","body":{"x":"three"}}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDelivery(tc.body, "c", "client.replies")
			transport.deliver(t, "bridge.requests", d)
			assert.Equal(t, "reject", d.waitSettled(t))
		})
	}
	assert.Empty(t, transport.replies)
}

func TestProviderHandlerFailures(t *testing.T) {
	t.Run("handler error rejects", func(t *testing.T) {
		transport := newMemoryTransport()
		startProvider(t, transport, func(context.Context, contracts.Translation2D) (contracts.Translation1D, error) {
			return contracts.Translation1D{}, errors.New("boom")
		})

		d := newDelivery(envelopeBody(t, contracts.Translation2D{}, "c", ""), "c", "client.replies")
		transport.deliver(t, "bridge.requests", d)
		assert.Equal(t, "reject", d.waitSettled(t))
	})

	t.Run("publish failure rejects without requeue", func(t *testing.T) {
		transport := newMemoryTransport()
		transport.publishErr = errors.New("channel closed")
		startProvider(t, transport, doubler)

		d := newDelivery(envelopeBody(t, contracts.Translation2D{}, "c", ""), "c", "client.replies")
		transport.deliver(t, "bridge.requests", d)
		assert.Equal(t, "reject", d.waitSettled(t))
	})

	t.Run("handler timeout", func(t *testing.T) {
		transport := newMemoryTransport()
		startProvider(t, transport, func(ctx context.Context, _ contracts.Translation2D) (contracts.Translation1D, error) {
			<-ctx.Done()
			return contracts.Translation1D{}, ctx.Err()
		}, WithHandlerTimeout(10*time.Millisecond))

		d := newDelivery(envelopeBody(t, contracts.Translation2D{}, "c", ""), "c", "client.replies")
		transport.deliver(t, "bridge.requests", d)
		assert.Equal(t, "reject", d.waitSettled(t))
	})
}

func TestProviderConcurrentDeliveries(t *testing.T) {
	transport := newMemoryTransport()
	release := make(chan struct{})
	var started sync.WaitGroup
	const n = 8
	started.Add(n)

	startProvider(t, transport, func(_ context.Context, req contracts.Translation2D) (contracts.Translation1D, error) {
		started.Done()
		<-release
		return contracts.Translation1D{X: req.X}, nil
	})

	deliveries := make([]*fakeDelivery, n)
	for i := range deliveries {
		deliveries[i] = newDelivery(envelopeBody(t, contracts.Translation2D{X: float32(i)}, "", ""), "c", "client.replies")
		transport.deliver(t, "bridge.requests", deliveries[i])
	}

	// every handler is running at once before any is released
	started.Wait()
	close(release)

	for _, d := range deliveries {
		assert.Equal(t, "ack", d.waitSettled(t))
	}
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) DeclareEndpoint(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockTransport) Subscribe(ctx context.Context, name string, handler DeliveryHandler) error {
	return m.Called(ctx, name, handler).Error(0)
}

func (m *mockTransport) Unsubscribe(name string) error {
	return m.Called(name).Error(0)
}

func (m *mockTransport) PublishReply(ctx context.Context, replyTo, correlationID string, body []byte) error {
	return m.Called(ctx, replyTo, correlationID, body).Error(0)
}

func TestProvideAsyncSetupErrors(t *testing.T) {
	t.Run("declare failure", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("DeclareEndpoint", mock.Anything, "q").Return(errors.New("access refused"))

		p, err := New[contracts.Translation2D, contracts.Translation1D](transport, "q")
		require.NoError(t, err)

		err = p.ProvideAsync(context.Background(), doubler)
		assert.ErrorContains(t, err, "failed to declare endpoint q")
		transport.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("subscribe failure", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("DeclareEndpoint", mock.Anything, "q").Return(nil)
		transport.On("Subscribe", mock.Anything, "q", mock.Anything).Return(errors.New("no channel"))

		p, err := New[contracts.Translation2D, contracts.Translation1D](transport, "q")
		require.NoError(t, err)

		err = p.ProvideAsync(context.Background(), doubler)
		assert.ErrorContains(t, err, "failed to subscribe to q")
	})

	t.Run("second run", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("DeclareEndpoint", mock.Anything, "q").Return(nil)
		transport.On("Subscribe", mock.Anything, "q", mock.Anything).Return(nil)
		transport.On("Unsubscribe", "q").Return(nil)

		p, err := New[contracts.Translation2D, contracts.Translation1D](transport, "q")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- p.ProvideAsync(ctx, doubler) }()

		require.Eventually(t, func() bool {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.running
		}, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, p.ProvideAsync(ctx, doubler), ErrAlreadyProviding)

		cancel()
		assert.NoError(t, <-done)
		transport.AssertExpectations(t)
	})

	t.Run("constructor validation", func(t *testing.T) {
		_, err := New[contracts.Translation2D, contracts.Translation1D](nil, "q")
		assert.Error(t, err)
		_, err = New[contracts.Translation2D, contracts.Translation1D](&mockTransport{}, "")
		assert.Error(t, err)
	})
}
