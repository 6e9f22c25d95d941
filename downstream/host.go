package downstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

const defaultHostWriteTimeout = 5 * time.Second

// ServiceFunc serves one typed request
type ServiceFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

type serviceEntry struct {
	name          Name
	typeName      ServiceTypeName
	responseTopic string
	invoke        func(ctx context.Context, payload cbor.RawMessage) (cbor.RawMessage, error)
}

// Host serves registered services to nodes that connect over WebSocket
type Host struct {
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	writeTimeout time.Duration

	mu       sync.RWMutex
	services map[string]*serviceEntry

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HostOption configures a Host
type HostOption func(*Host)

// WithHostLogger sets the logger
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithHostWriteTimeout bounds each response write
func WithHostWriteTimeout(timeout time.Duration) HostOption {
	return func(h *Host) {
		h.writeTimeout = timeout
	}
}

// NewHost creates a service host. Mount it on an HTTP server.
func NewHost(opts ...HostOption) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		logger:       slog.Default(),
		writeTimeout: defaultHostWriteTimeout,
		services:     make(map[string]*serviceEntry),
		conns:        make(map[*websocket.Conn]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterService serves fn for service under the given type and mapping
func RegisterService[Req, Resp any](h *Host, service Name, typeName ServiceTypeName, mapping ServiceMapping, fn ServiceFunc[Req, Resp]) error {
	if fn == nil {
		return fmt.Errorf("service handler cannot be nil")
	}
	if err := validateName(service.Namespace, service.Base); err != nil {
		return fmt.Errorf("invalid service name: %w", err)
	}

	requestTopic, responseTopic := mapping.Topics(service)
	entry := &serviceEntry{
		name:          service,
		typeName:      typeName,
		responseTopic: responseTopic,
		invoke: func(ctx context.Context, payload cbor.RawMessage) (cbor.RawMessage, error) {
			var req Req
			if err := decodePayload(requestTopic, payload, &req); err != nil {
				return nil, err
			}
			resp, err := fn(ctx, req)
			if err != nil {
				return nil, err
			}
			return encodePayload(responseTopic, resp)
		},
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.services[requestTopic]; exists {
		return fmt.Errorf("%w: %s", ErrServiceExists, requestTopic)
	}
	h.services[requestTopic] = entry

	h.logger.Info("registered downstream service",
		"service", service.FullName(),
		"type", typeName.String(),
		"requestTopic", requestTopic)
	return nil
}

// ServeHTTP upgrades the connection and serves request frames until it closes
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "host closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.connsMu.Lock()
	h.conns[conn] = struct{}{}
	h.connsMu.Unlock()

	peer := r.Header.Get(NodeNameHeader)
	h.logger.Debug("node connected", "node", peer, "remote", r.RemoteAddr)

	h.wg.Add(1)
	defer h.wg.Done()
	h.serveConn(conn, peer)
}

func (h *Host) serveConn(conn *websocket.Conn, peer string) {
	var writeMu sync.Mutex
	var inflight sync.WaitGroup

	defer func() {
		inflight.Wait()
		h.connsMu.Lock()
		delete(h.conns, conn)
		h.connsMu.Unlock()
		conn.Close()
		h.logger.Debug("node disconnected", "node", peer)
	}()

	write := func(f frame) {
		data, err := encodeFrame(f)
		if err != nil {
			h.logger.Error("failed to encode response frame", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			h.logger.Warn("failed to write response frame",
				"node", peer,
				"topic", f.Topic,
				"error", err)
		}
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		f, err := decodeFrame(data)
		if err != nil {
			h.logger.Warn("dropping undecodable frame", "node", peer, "error", err)
			continue
		}
		if f.Kind != kindRequest {
			continue
		}

		inflight.Add(1)
		go func(f frame) {
			defer inflight.Done()
			write(h.handle(f))
		}(f)
	}
}

// handle produces the response or error frame for one request frame
func (h *Host) handle(f frame) frame {
	reply := frame{
		Kind:   kindResponse,
		Topic:  f.Topic,
		Type:   f.Type,
		Client: f.Client,
		Seq:    f.Seq,
	}

	h.mu.RLock()
	entry, ok := h.services[f.Topic]
	h.mu.RUnlock()
	if !ok {
		reply.Error = fmt.Sprintf("no service on topic %s", f.Topic)
		return reply
	}
	reply.Topic = entry.responseTopic

	if f.Type != entry.typeName.String() {
		reply.Error = fmt.Sprintf("type mismatch: service %s is %s, request is %s",
			entry.name.FullName(), entry.typeName.String(), f.Type)
		return reply
	}

	payload, err := entry.invoke(h.ctx, f.Payload)
	if err != nil {
		h.logger.Warn("service handler failed",
			"service", entry.name.FullName(),
			"request", f.requestID().String(),
			"error", err)
		reply.Error = err.Error()
		return reply
	}
	reply.Payload = payload
	return reply
}

// Close disconnects every node and waits for connection handlers to finish
func (h *Host) Close() error {
	h.cancel()

	h.connsMu.Lock()
	for conn := range h.conns {
		conn.Close()
	}
	h.connsMu.Unlock()

	h.wg.Wait()
	return nil
}
