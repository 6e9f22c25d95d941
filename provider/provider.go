package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpcbridge/contracts"
)

// ErrAlreadyProviding is returned when ProvideAsync is called on a running provider
var ErrAlreadyProviding = errors.New("provider is already running")

// Handler produces the reply for one request
type Handler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Provider serves requests of type Req with replies of type Resp
type Provider[Req, Resp any] struct {
	transport      Transport
	endpoint       string
	requestType    string
	logger         *slog.Logger
	handlerTimeout time.Duration

	mu       sync.Mutex
	running  bool
	inflight sync.WaitGroup
}

type options struct {
	logger         *slog.Logger
	handlerTimeout time.Duration
	requestType    string
}

// Option configures a Provider
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHandlerTimeout bounds each handler call. Zero disables the bound.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.handlerTimeout = timeout
	}
}

// WithRequestType overrides the envelope type name requests must carry
func WithRequestType(name string) Option {
	return func(o *options) {
		o.requestType = name
	}
}

// New creates a provider for endpoint
func New[Req, Resp any](transport Transport, endpoint string, opts ...Option) (*Provider[Req, Resp], error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	var zero Req
	o := options{
		logger:      slog.Default(),
		requestType: contracts.TypeName(zero),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Provider[Req, Resp]{
		transport:      transport,
		endpoint:       endpoint,
		requestType:    o.requestType,
		logger:         o.logger.With("endpoint", endpoint),
		handlerTimeout: o.handlerTimeout,
	}, nil
}

// Endpoint returns the endpoint name
func (p *Provider[Req, Resp]) Endpoint() string {
	return p.endpoint
}

// ProvideAsync serves requests with handler until ctx ends. Each delivery is
// handled in its own goroutine; in-flight deliveries are finished before it
// returns.
func (p *Provider[Req, Resp]) ProvideAsync(ctx context.Context, handler Handler[Req, Resp]) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyProviding
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	if err := p.transport.DeclareEndpoint(ctx, p.endpoint); err != nil {
		return fmt.Errorf("failed to declare endpoint %s: %w", p.endpoint, err)
	}

	// deliveries outlive ctx so a shutdown still answers what was received
	workCtx := context.WithoutCancel(ctx)

	err := p.transport.Subscribe(ctx, p.endpoint, func(_ context.Context, d Delivery) {
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			p.handle(workCtx, d, handler)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.endpoint, err)
	}

	p.logger.Info("providing endpoint", "requestType", p.requestType)

	<-ctx.Done()

	if err := p.transport.Unsubscribe(p.endpoint); err != nil {
		p.logger.Warn("failed to unsubscribe", "error", err)
	}
	p.inflight.Wait()

	p.logger.Info("stopped providing endpoint")
	return nil
}

func (p *Provider[Req, Resp]) handle(ctx context.Context, d Delivery, handler Handler[Req, Resp]) {
	logger := p.logger.With("messageId", d.MessageID())

	env, err := contracts.ParseEnvelope(d.Body())
	if err != nil {
		logger.Warn("rejecting malformed request", "error", err)
		p.reject(logger, d)
		return
	}
	if env.Type != p.requestType {
		logger.Warn("rejecting request of unexpected type",
			"type", env.Type,
			"expected", p.requestType)
		p.reject(logger, d)
		return
	}

	var req Req
	if err := env.DecodeBody(&req); err != nil {
		logger.Warn("rejecting undecodable request", "error", err)
		p.reject(logger, d)
		return
	}

	replyTo := firstNonEmpty(d.ReplyTo(), env.ReplyTo)
	correlationID := firstNonEmpty(d.CorrelationID(), env.CorrelationID, d.MessageID(), env.ID)
	logger = logger.With("correlationId", correlationID)

	if replyTo == "" {
		logger.Warn("request has no reply address, dropping")
		p.ack(logger, d)
		return
	}

	handlerCtx := ctx
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}

	resp, err := handler(handlerCtx, req)
	if err != nil {
		logger.Error("request handler failed", "error", err)
		p.reject(logger, d)
		return
	}

	reply, err := contracts.NewEnvelope(resp, correlationID)
	if err != nil {
		logger.Error("failed to build reply", "error", err)
		p.reject(logger, d)
		return
	}
	body, err := json.Marshal(reply)
	if err != nil {
		logger.Error("failed to encode reply", "error", err)
		p.reject(logger, d)
		return
	}

	if err := p.transport.PublishReply(ctx, replyTo, correlationID, body); err != nil {
		logger.Error("failed to publish reply",
			"replyTo", replyTo,
			"error", err)
		p.reject(logger, d)
		return
	}

	p.ack(logger, d)
	logger.Debug("replied", "replyTo", replyTo, "replyType", reply.Type)
}

func (p *Provider[Req, Resp]) ack(logger *slog.Logger, d Delivery) {
	if err := d.Ack(); err != nil {
		logger.Error("failed to ack delivery", "error", err)
	}
}

// reject never requeues; a requeue would be a retry
func (p *Provider[Req, Resp]) reject(logger *slog.Logger, d Delivery) {
	if err := d.Reject(false); err != nil {
		logger.Error("failed to reject delivery", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
