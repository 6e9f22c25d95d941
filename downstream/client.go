package downstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Client is a request/response binding to one downstream service. It is safe
// for concurrent use by any number of goroutines.
type Client[Req, Resp any] struct {
	node          *Node
	guid          string
	service       Name
	typeName      ServiceTypeName
	mapping       ServiceMapping
	requestTopic  string
	responseTopic string
	requestQoS    QoSProfile
	responseQoS   QoSProfile

	seq atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool
}

type pendingCall struct {
	responses chan frame
	failed    chan struct{}
	once      sync.Once
	err       error
}

func (p *pendingCall) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.failed)
	})
}

// ClientOption configures a Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	mapping ServiceMapping
}

// WithServiceMapping selects the topic mapping. Enhanced is the default.
func WithServiceMapping(mapping ServiceMapping) ClientOption {
	return func(o *clientOptions) {
		o.mapping = mapping
	}
}

// CreateClient binds a client for service on node
func CreateClient[Req, Resp any](node *Node, service Name, typeName ServiceTypeName, requestQoS, responseQoS QoSProfile, opts ...ClientOption) (*Client[Req, Resp], error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if node.isClosed() {
		return nil, ErrNodeClosed
	}
	if err := validateName(service.Namespace, service.Base); err != nil {
		return nil, fmt.Errorf("invalid service name: %w", err)
	}
	if typeName.Package == "" || typeName.Name == "" {
		return nil, fmt.Errorf("invalid service type name %q", typeName.String())
	}
	if err := requestQoS.Validate(); err != nil {
		return nil, fmt.Errorf("request QoS: %w", err)
	}
	if err := responseQoS.Validate(); err != nil {
		return nil, fmt.Errorf("response QoS: %w", err)
	}

	options := clientOptions{mapping: Enhanced}
	for _, opt := range opts {
		opt(&options)
	}

	requestTopic, responseTopic := options.mapping.Topics(service)
	c := &Client[Req, Resp]{
		node:          node,
		guid:          uuid.NewString(),
		service:       service,
		typeName:      typeName,
		mapping:       options.mapping,
		requestTopic:  requestTopic,
		responseTopic: responseTopic,
		requestQoS:    requestQoS,
		responseQoS:   responseQoS,
		pending:       make(map[int64]*pendingCall),
	}
	node.register(c.guid, c)

	node.logger.Debug("created downstream client",
		"service", service.FullName(),
		"type", typeName.String(),
		"requestTopic", requestTopic,
		"responseTopic", responseTopic,
		"client", c.guid)

	return c, nil
}

// Service returns the bound service name
func (c *Client[Req, Resp]) Service() Name {
	return c.service
}

// GUID returns the client identity echoed in response frames
func (c *Client[Req, Resp]) GUID() string {
	return c.guid
}

// SendRequest writes req to the service and returns the id to receive its response with
func (c *Client[Req, Resp]) SendRequest(ctx context.Context, req Req) (RequestID, error) {
	payload, err := encodePayload(c.requestTopic, req)
	if err != nil {
		return RequestID{}, err
	}

	seq := c.seq.Add(1)
	call := &pendingCall{
		responses: make(chan frame, c.responseQoS.bufferSize()),
		failed:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return RequestID{}, ErrClientClosed
	}
	c.pending[seq] = call
	c.mu.Unlock()

	f := frame{
		Kind:    kindRequest,
		Topic:   c.requestTopic,
		Type:    c.typeName.String(),
		Client:  c.guid,
		Seq:     seq,
		Payload: payload,
	}
	if err := c.node.writeFrame(ctx, c.requestQoS, f); err != nil {
		c.remove(seq)
		return RequestID{}, fmt.Errorf("send request to %s: %w", c.service.FullName(), err)
	}

	return RequestID{ClientGUID: c.guid, Sequence: seq}, nil
}

// ReceiveResponse waits for the response to id. Each id can be received once,
// and a receive that ends with ctx also gives the id up.
func (c *Client[Req, Resp]) ReceiveResponse(ctx context.Context, id RequestID) (Resp, error) {
	var zero Resp

	if id.ClientGUID != c.guid {
		return zero, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	c.mu.Lock()
	call, ok := c.pending[id.Sequence]
	c.mu.Unlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	var f frame
	select {
	case f = <-call.responses:
	default:
		select {
		case f = <-call.responses:
		case <-call.failed:
			c.remove(id.Sequence)
			return zero, call.err
		case <-c.node.done:
			c.remove(id.Sequence)
			return zero, ErrNodeClosed
		case <-ctx.Done():
			// the id is spent; a late response is dropped by deliver
			c.remove(id.Sequence)
			return zero, ctx.Err()
		}
	}
	c.remove(id.Sequence)

	if f.Error != "" {
		return zero, &ServiceError{Service: c.service.FullName(), Message: f.Error}
	}

	var resp Resp
	if err := decodePayload(f.Topic, f.Payload, &resp); err != nil {
		return zero, err
	}
	return resp, nil
}

// Call sends req and waits for its response
func (c *Client[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	id, err := c.SendRequest(ctx, req)
	if err != nil {
		var zero Resp
		return zero, err
	}
	return c.ReceiveResponse(ctx, id)
}

// Pending returns the number of requests awaiting ReceiveResponse
func (c *Client[Req, Resp]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close detaches the client from its node and fails pending calls with ErrClientClosed
func (c *Client[Req, Resp]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.node.unregister(c.guid)
	c.failAll(ErrClientClosed)
	return nil
}

func (c *Client[Req, Resp]) remove(seq int64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// deliver hands a response frame to its pending call. With KeepLast history a
// full buffer drops its oldest frame.
func (c *Client[Req, Resp]) deliver(f frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[f.Seq]
	if !ok {
		c.node.logger.Debug("dropping response for unknown request",
			"service", c.service.FullName(),
			"seq", f.Seq)
		return
	}

	for {
		select {
		case call.responses <- f:
			return
		default:
		}

		if c.responseQoS.History != KeepLast {
			c.node.logger.Warn("response buffer full, dropping response",
				"service", c.service.FullName(),
				"seq", f.Seq)
			return
		}
		select {
		case <-call.responses:
		default:
		}
	}
}

func (c *Client[Req, Resp]) failAll(err error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.fail(err)
	}
}
