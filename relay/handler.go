package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/glimte/mmate-rpcbridge/contracts"
	"github.com/glimte/mmate-rpcbridge/downstream"
)

// Client is the downstream binding a Handler calls. *downstream.Client
// satisfies it and is safe to share between concurrent relays.
type Client interface {
	SendRequest(ctx context.Context, req downstream.AddTwoIntsRequest) (downstream.RequestID, error)
	ReceiveResponse(ctx context.Context, id downstream.RequestID) (downstream.AddTwoIntsResponse, error)
}

// TransitionHook observes every state change of a relay
type TransitionHook func(from, to State)

// Handler relays Translation2D requests to the downstream adder. It holds no
// per-request state and is safe for concurrent use.
type Handler struct {
	client  Client
	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics
	hook    TransitionHook
}

// Option configures a Handler
type Option func(*Handler)

// WithClock sets the clock used for completion timestamps
func WithClock(c clock.Clock) Option {
	return func(h *Handler) {
		h.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithTransitionHook sets a hook called on each state change
func WithTransitionHook(hook TransitionHook) Option {
	return func(h *Handler) {
		h.hook = hook
	}
}

// NewHandler creates a relay handler over client
func NewHandler(client Client, opts ...Option) (*Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("downstream client cannot be nil")
	}

	h := &Handler{
		client:  client,
		clock:   clock.New(),
		logger:  slog.Default(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = noopMetrics{}
	}
	return h, nil
}

// Handle relays one request and returns its reply. The error is always nil;
// downstream failures produce the sentinel reply instead.
func (h *Handler) Handle(ctx context.Context, in contracts.Translation2D) (contracts.Translation1D, error) {
	return h.Relay(ctx, in).Response(), nil
}

// Relay runs one request through the state machine and reports how it ended
func (h *Handler) Relay(ctx context.Context, in contracts.Translation2D) Outcome {
	start := h.clock.Now()
	h.metrics.RelayStarted()

	state := Received
	advance := func(next State) {
		if h.hook != nil {
			h.hook(state, next)
		}
		state = next
	}

	req := toRequest(in)
	advance(Converted)

	outcome := Outcome{Request: req}

	id, err := h.client.SendRequest(ctx, req)
	if err != nil {
		advance(SendFailed)
		return h.finish(outcome, state, start, err)
	}
	advance(Sent)
	outcome.RequestID = id

	advance(AwaitingResponse)
	resp, err := h.client.ReceiveResponse(ctx, id)
	if err != nil {
		advance(ResponseFailed)
		return h.finish(outcome, state, start, err)
	}

	advance(Succeeded)
	outcome.Sum = resp.Sum
	return h.finish(outcome, state, start, nil)
}

func (h *Handler) finish(outcome Outcome, state State, start time.Time, err error) Outcome {
	outcome.State = state
	outcome.Err = err
	outcome.CompletedAt = h.clock.Now()
	outcome.Latency = outcome.CompletedAt.Sub(start)

	h.metrics.RelayFinished(state, outcome.Latency)

	if err != nil {
		h.logger.Warn("relay failed, replying with sentinel",
			"state", state.String(),
			"a", outcome.Request.A,
			"b", outcome.Request.B,
			"requestId", outcome.RequestID.String(),
			"error", err)
		return outcome
	}

	h.logger.Info("relay succeeded",
		"a", outcome.Request.A,
		"b", outcome.Request.B,
		"sum", outcome.Sum,
		"requestId", outcome.RequestID.String(),
		"latency", outcome.Latency)
	return outcome
}
