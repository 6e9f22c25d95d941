package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionProbe reports whether the broker connection is up
type ConnectionProbe interface {
	IsConnected() bool
}

// QueueInspector looks up a queue without declaring it
type QueueInspector interface {
	InspectEndpoint(ctx context.Context, name string) (amqp.Queue, error)
}

// Pinger round-trips a liveness probe to the downstream gateway
type Pinger interface {
	Ping(ctx context.Context) error
}

// timed starts a result and returns a function that stamps its duration
func timed(clk clock.Clock, name string) (*CheckResult, func() CheckResult) {
	start := clk.Now()
	result := &CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]any),
	}
	return result, func() CheckResult {
		result.Duration = clk.Since(start)
		return *result
	}
}

// AMQPChecker checks the inbound broker connection
type AMQPChecker struct {
	probe ConnectionProbe
	clock clock.Clock
}

// NewAMQPChecker creates a broker connection checker
func NewAMQPChecker(probe ConnectionProbe, opts ...Option) *AMQPChecker {
	return &AMQPChecker{probe: probe, clock: applyOptions(opts).clock}
}

func (c *AMQPChecker) Name() string {
	return "amqp"
}

func (c *AMQPChecker) Check(ctx context.Context) CheckResult {
	result, done := timed(c.clock, c.Name())

	connected := c.probe.IsConnected()
	result.Details["connected"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "Broker connection is down"
		return done()
	}

	result.Status = StatusHealthy
	result.Message = "Broker connection is up"
	return done()
}

// EndpointChecker checks that the inbound queue exists and is consumed
type EndpointChecker struct {
	inspector QueueInspector
	endpoint  string
	backlog   int
	clock     clock.Clock
}

// NewEndpointChecker creates a queue checker. A backlog above maxBacklog
// degrades the result; zero disables the threshold.
func NewEndpointChecker(inspector QueueInspector, endpoint string, maxBacklog int, opts ...Option) *EndpointChecker {
	return &EndpointChecker{
		inspector: inspector,
		endpoint:  endpoint,
		backlog:   maxBacklog,
		clock:     applyOptions(opts).clock,
	}
}

func (c *EndpointChecker) Name() string {
	return fmt.Sprintf("endpoint_%s", c.endpoint)
}

func (c *EndpointChecker) Check(ctx context.Context) CheckResult {
	result, done := timed(c.clock, c.Name())

	queue, err := c.inspector.InspectEndpoint(ctx, c.endpoint)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Endpoint %s not accessible", c.endpoint)
		result.Error = err.Error()
		return done()
	}

	result.Details["messages"] = queue.Messages
	result.Details["consumers"] = queue.Consumers

	switch {
	case queue.Consumers == 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Endpoint %s has no consumer", c.endpoint)
	case c.backlog > 0 && queue.Messages > c.backlog:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Endpoint %s has a backlog of %d", c.endpoint, queue.Messages)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Endpoint %s is consumed", c.endpoint)
	}
	return done()
}

// DownstreamChecker pings the downstream gateway
type DownstreamChecker struct {
	pinger Pinger
	clock  clock.Clock
}

// NewDownstreamChecker creates a gateway checker
func NewDownstreamChecker(pinger Pinger, opts ...Option) *DownstreamChecker {
	return &DownstreamChecker{pinger: pinger, clock: applyOptions(opts).clock}
}

func (c *DownstreamChecker) Name() string {
	return "downstream"
}

func (c *DownstreamChecker) Check(ctx context.Context) CheckResult {
	result, done := timed(c.clock, c.Name())

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Gateway ping failed"
		result.Error = err.Error()
		return done()
	}

	result.Status = StatusHealthy
	result.Message = "Gateway answered ping"
	return done()
}

// RuntimeChecker degrades on goroutine growth, which in the bridge tracks
// stuck relays
type RuntimeChecker struct {
	warn     int
	critical int
	count    func() int
	clock    clock.Clock
}

// NewRuntimeChecker creates a goroutine count checker
func NewRuntimeChecker(warn, critical int, opts ...Option) *RuntimeChecker {
	return &RuntimeChecker{
		warn:     warn,
		critical: critical,
		count:    runtime.NumGoroutine,
		clock:    applyOptions(opts).clock,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	result, done := timed(c.clock, c.Name())

	goroutines := c.count()
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}
	return done()
}
