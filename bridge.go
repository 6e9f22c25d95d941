// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpcbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-rpcbridge/contracts"
	"github.com/glimte/mmate-rpcbridge/downstream"
	"github.com/glimte/mmate-rpcbridge/health"
	"github.com/glimte/mmate-rpcbridge/internal/config"
	"github.com/glimte/mmate-rpcbridge/internal/logging"
	"github.com/glimte/mmate-rpcbridge/internal/rabbitmq"
	"github.com/glimte/mmate-rpcbridge/metrics"
	"github.com/glimte/mmate-rpcbridge/naming"
	"github.com/glimte/mmate-rpcbridge/provider"
	"github.com/glimte/mmate-rpcbridge/relay"
)

// NodeNamespace is the namespace bridge nodes register under
const NodeNamespace = "/mmate"

var (
	// ErrPumpStopped is returned by Run when the downstream event pump exits on its own
	ErrPumpStopped = errors.New("downstream event pump stopped")

	// ErrAlreadyRunning is returned by a second Run on the same bridge
	ErrAlreadyRunning = errors.New("bridge already running")
)

const (
	goroutineWarn     = 5000
	goroutineCritical = 20000
	endpointBacklog   = 1000
	shutdownTimeout   = 5 * time.Second
)

// Bridge relays requests from an AMQP endpoint to a downstream service
type Bridge struct {
	logger    *slog.Logger
	service   downstream.Name
	endpoint  string
	node      *downstream.Node
	client    *downstream.Client[downstream.AddTwoIntsRequest, downstream.AddTwoIntsResponse]
	handler   *relay.Handler
	provider  *provider.Provider[contracts.Translation2D, contracts.Translation1D]
	transport provider.Transport
	owned     *rabbitmq.Transport
	health    *health.Registry
	admin     http.Handler
	adminAddr string
	boundAddr string
	bound     chan struct{}
	running   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type bridgeConfig struct {
	logger    *slog.Logger
	transport provider.Transport
	gatherer  *prometheus.Registry
	clock     clock.Clock
	dialOpts  []downstream.NodeOption
}

// Option configures a Bridge
type Option func(*bridgeConfig)

// WithLogger overrides the logger built from configuration
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *bridgeConfig) {
		cfg.logger = logger
	}
}

// WithProviderTransport serves the inbound endpoint over transport instead of
// connecting to the configured broker
func WithProviderTransport(transport provider.Transport) Option {
	return func(cfg *bridgeConfig) {
		cfg.transport = transport
	}
}

// WithMetricsRegistry registers bridge metrics on reg instead of a private registry
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(cfg *bridgeConfig) {
		cfg.gatherer = reg
	}
}

// WithClock sets the clock for relay timestamps and health checks
func WithClock(c clock.Clock) Option {
	return func(cfg *bridgeConfig) {
		cfg.clock = c
	}
}

// WithNodeOptions passes extra options to the downstream node
func WithNodeOptions(opts ...downstream.NodeOption) Option {
	return func(cfg *bridgeConfig) {
		cfg.dialOpts = append(cfg.dialOpts, opts...)
	}
}

// ServiceName derives the downstream service name from the raw requester
// endpoint. The result is stable for a given input.
func ServiceName(cfg *config.Config) (downstream.Name, error) {
	name, err := downstream.NewName(cfg.Requester.Namespace, naming.Sanitize(cfg.Requester.Endpoint))
	if err != nil {
		return downstream.Name{}, fmt.Errorf("invalid service name: %w", err)
	}
	return name, nil
}

// New builds a bridge: it connects to the downstream gateway, binds the
// service client, connects to the broker and declares the inbound endpoint.
// Anything opened before a failure is closed again.
func New(ctx context.Context, cfg *config.Config, options ...Option) (b *Bridge, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bc := &bridgeConfig{clock: clock.New()}
	for _, opt := range options {
		opt(bc)
	}
	if bc.logger == nil {
		bc.logger, err = logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	if bc.gatherer == nil {
		bc.gatherer = prometheus.NewRegistry()
		bc.gatherer.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	service, err := ServiceName(cfg)
	if err != nil {
		return nil, err
	}
	typeName, err := downstream.ParseServiceTypeName(cfg.Requester.ServiceType)
	if err != nil {
		return nil, err
	}
	mapping, err := downstream.ParseServiceMapping(cfg.Requester.Mapping)
	if err != nil {
		return nil, err
	}
	qos, err := cfg.Requester.QoS.Profile()
	if err != nil {
		return nil, fmt.Errorf("invalid QoS: %w", err)
	}

	b = &Bridge{
		logger:    bc.logger,
		service:   service,
		endpoint:  cfg.Provider.Endpoint,
		adminAddr: cfg.Admin.Address,
		bound:     make(chan struct{}),
	}
	defer func() {
		if err != nil {
			b.Close()
			b = nil
		}
	}()

	nodeName, err := downstream.NewNodeName(NodeNamespace, "mmate_"+strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err != nil {
		return nil, err
	}
	nodeOpts := append([]downstream.NodeOption{
		downstream.WithNodeLogger(bc.logger),
		downstream.WithReconnectDelay(cfg.Requester.ReconnectDelay),
		downstream.WithMaxReconnectAttempts(cfg.Requester.MaxReconnectAttempts),
	}, bc.dialOpts...)
	b.node, err = downstream.Dial(ctx, cfg.Requester.GatewayURL, nodeName, nodeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to downstream gateway: %w", err)
	}

	b.client, err = downstream.CreateClient[downstream.AddTwoIntsRequest, downstream.AddTwoIntsResponse](
		b.node, service, typeName, qos, qos, downstream.WithServiceMapping(mapping))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", service, err)
	}

	collector, err := metrics.NewCollector(bc.gatherer)
	if err != nil {
		return nil, err
	}

	b.handler, err = relay.NewHandler(b.client,
		relay.WithLogger(bc.logger.With("service", service.FullName())),
		relay.WithMetrics(collector),
		relay.WithClock(bc.clock))
	if err != nil {
		return nil, err
	}

	b.transport = bc.transport
	if b.transport == nil {
		b.owned, err = rabbitmq.NewTransport(ctx, cfg.Provider.AMQPURL,
			rabbitmq.WithTransportLogger(bc.logger),
			rabbitmq.WithDeadLetterExchange(cfg.Provider.DeadLetterExchange),
			rabbitmq.WithConnectionOptions(rabbitmq.WithConnectTimeout(cfg.Provider.ConnectTimeout)),
			rabbitmq.WithConsumerOptions(rabbitmq.WithPrefetchCount(cfg.Provider.PrefetchCount)))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to broker %s: %w", rabbitmq.SanitizeURL(cfg.Provider.AMQPURL), err)
		}
		b.transport = b.owned
	}

	// declared here as well as in ProvideAsync so a broker refusing the queue
	// fails startup instead of Run
	if err := b.transport.DeclareEndpoint(ctx, b.endpoint); err != nil {
		return nil, fmt.Errorf("failed to declare endpoint %s: %w", b.endpoint, err)
	}

	b.provider, err = provider.New[contracts.Translation2D, contracts.Translation1D](b.transport, b.endpoint,
		provider.WithLogger(bc.logger),
		provider.WithHandlerTimeout(cfg.Provider.HandlerTimeout))
	if err != nil {
		return nil, err
	}

	b.health = newHealthRegistry(b, bc.clock)
	b.admin = newAdminHandler(b.health, bc.gatherer, cfg.Admin.HealthTimeout)

	bc.logger.Info("bridge ready",
		"service", service.FullName(),
		"serviceType", typeName.String(),
		"endpoint", b.endpoint,
		"node", nodeName.FullName())

	return b, nil
}

func newHealthRegistry(b *Bridge, clk clock.Clock) *health.Registry {
	registry := health.NewRegistry(health.WithClock(clk))
	registry.SetMetadata("service", b.service.FullName())
	registry.SetMetadata("endpoint", b.endpoint)

	registry.Register(health.NewDownstreamChecker(b.node, health.WithClock(clk)))
	registry.Register(health.NewRuntimeChecker(goroutineWarn, goroutineCritical, health.WithClock(clk)))
	if probe, ok := b.transport.(health.ConnectionProbe); ok {
		registry.Register(health.NewAMQPChecker(probe, health.WithClock(clk)))
	}
	if inspector, ok := b.transport.(health.QueueInspector); ok {
		registry.Register(health.NewEndpointChecker(inspector, b.endpoint, endpointBacklog, health.WithClock(clk)))
	}
	return registry
}

func newAdminHandler(registry *health.Registry, gatherer prometheus.Gatherer, timeout time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	health.Mount(mux, registry, timeout)
	return mux
}

// Service returns the sanitized downstream service name
func (b *Bridge) Service() downstream.Name {
	return b.service
}

// Handler returns the relay handler serving the endpoint
func (b *Bridge) Handler() *relay.Handler {
	return b.handler
}

// Health returns the health registry
func (b *Bridge) Health() *health.Registry {
	return b.health
}

// AdminHandler serves /metrics, /healthz, /readyz and /livez
func (b *Bridge) AdminHandler() http.Handler {
	return b.admin
}

// AdminAddr returns the address the admin server listens on once Run has
// bound it
func (b *Bridge) AdminAddr(ctx context.Context) (string, error) {
	select {
	case <-b.bound:
		return b.boundAddr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run serves the endpoint until ctx ends. The event pump, the provider loop
// and the admin server run together; the first to fail stops the others.
// The pump keeps running until the provider has answered what it received.
// A bridge runs once; later calls return ErrAlreadyRunning.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var listener net.Listener
	if b.adminAddr != "" {
		var err error
		listener, err = net.Listen("tcp", b.adminAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", b.adminAddr, err)
		}
		b.boundAddr = listener.Addr().String()
		close(b.bound)
	}

	g, gctx := errgroup.WithContext(ctx)

	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()

	g.Go(func() error {
		err := b.node.Spin(pumpCtx)
		if pumpCtx.Err() != nil {
			return nil
		}
		if err == nil {
			return ErrPumpStopped
		}
		return fmt.Errorf("downstream event pump: %w", err)
	})

	g.Go(func() error {
		defer stopPump()
		if err := b.provider.ProvideAsync(gctx, b.handler.Handle); err != nil {
			return fmt.Errorf("provider loop: %w", err)
		}
		return nil
	})

	if listener != nil {
		server := &http.Server{Handler: b.admin, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		b.logger.Info("admin server listening", "address", listener.Addr().String())
	}

	return g.Wait()
}

// Close releases the client binding, the gateway connection and an owned
// broker transport
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		var errs []error
		if b.client != nil {
			errs = append(errs, b.client.Close())
		}
		if b.node != nil {
			errs = append(errs, b.node.Close())
		}
		if b.owned != nil {
			errs = append(errs, b.owned.Close())
		}
		b.closeErr = multierr.Combine(errs...)
	})
	return b.closeErr
}
