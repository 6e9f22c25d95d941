package downstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// NodeNameHeader carries the node's full name on the gateway handshake
const NodeNameHeader = "X-Node-Name"

const (
	defaultReconnectDelay    = 500 * time.Millisecond
	maxReconnectDelay        = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultPingTimeout       = 5 * time.Second
	closeMessageWriteTimeout = time.Second
)

// ErrMaxReconnectAttempts is wrapped by the ConnectionError Spin returns when reconnecting gives up
var ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")

// responseSink receives response frames for one client guid
type responseSink interface {
	deliver(f frame)
	failAll(err error)
}

// Node is a participant in the downstream service graph. It owns the gateway
// connection that every client created on it shares.
type Node struct {
	name                 NodeName
	endpoint             string
	dialer               *websocket.Dialer
	logger               *slog.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	connMu sync.RWMutex
	conn   *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	sinksMu sync.RWMutex
	sinks   map[string]responseSink

	spinning  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NodeOption configures a Node
type NodeOption func(*Node)

// WithNodeLogger sets the logger
func WithNodeLogger(logger *slog.Logger) NodeOption {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithDialer replaces the WebSocket dialer
func WithDialer(dialer *websocket.Dialer) NodeOption {
	return func(n *Node) {
		n.dialer = dialer
	}
}

// WithReconnectDelay sets the initial delay between reconnect attempts
func WithReconnectDelay(delay time.Duration) NodeOption {
	return func(n *Node) {
		n.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts bounds reconnect attempts. Negative means unlimited.
func WithMaxReconnectAttempts(attempts int) NodeOption {
	return func(n *Node) {
		n.maxReconnectAttempts = attempts
	}
}

// Dial connects a node to the gateway at endpoint
func Dial(ctx context.Context, endpoint string, name NodeName, opts ...NodeOption) (*Node, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("gateway endpoint cannot be empty")
	}
	if err := validateName(name.Namespace, name.Base); err != nil {
		return nil, fmt.Errorf("invalid node name: %w", err)
	}

	n := &Node{
		name:     name,
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger:               slog.Default(),
		reconnectDelay:       defaultReconnectDelay,
		maxReconnectAttempts: -1,
		sinks:                make(map[string]responseSink),
		done:                 make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	conn, err := n.dial(ctx)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Endpoint: endpoint, Attempts: 1, Err: err}
	}
	n.conn = conn

	n.logger.Info("connected to downstream gateway",
		"endpoint", endpoint,
		"node", name.FullName())

	return n, nil
}

func (n *Node) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(NodeNameHeader, n.name.FullName())

	conn, resp, err := n.dialer.DialContext(ctx, n.endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Name returns the node name
func (n *Node) Name() NodeName {
	return n.name
}

// Done is closed when the node is closed
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) isClosed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// Spin pumps frames from the gateway to the clients that own them. It must run
// for responses to be delivered, and returns when ctx ends, the node is closed,
// or reconnecting gives up.
func (n *Node) Spin(ctx context.Context) error {
	if !n.spinning.CompareAndSwap(false, true) {
		return ErrAlreadySpinning
	}
	defer n.spinning.Store(false)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			n.closeConn()
		case <-n.done:
		case <-stop:
		}
	}()

	for {
		conn := n.currentConn()
		if conn == nil {
			if n.isClosed() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := n.reconnect(ctx); err != nil {
				return err
			}
			continue
		}

		err := n.readLoop(conn)

		if n.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			n.failAll(ErrConnectionLost)
			return ctx.Err()
		}

		n.logger.Warn("downstream gateway connection lost",
			"endpoint", n.endpoint,
			"error", err)
		n.dropConn(conn)
		n.failAll(ErrConnectionLost)
	}
}

func (n *Node) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		f, err := decodeFrame(data)
		if err != nil {
			n.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if f.Kind != kindResponse {
			n.logger.Debug("ignoring non-response frame",
				"kind", string(f.Kind),
				"topic", f.Topic)
			continue
		}

		n.dispatch(f)
	}
}

func (n *Node) dispatch(f frame) {
	n.sinksMu.RLock()
	sink, ok := n.sinks[f.Client]
	n.sinksMu.RUnlock()

	if !ok {
		n.logger.Debug("dropping response for unknown client",
			"client", f.Client,
			"seq", f.Seq)
		return
	}
	sink.deliver(f)
}

func (n *Node) reconnect(ctx context.Context) error {
	delay := n.reconnectDelay
	for attempt := 1; ; attempt++ {
		if n.maxReconnectAttempts >= 0 && attempt > n.maxReconnectAttempts {
			return &ConnectionError{
				Op:       "reconnect",
				Endpoint: n.endpoint,
				Attempts: attempt - 1,
				Err:      ErrMaxReconnectAttempts,
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-n.done:
			timer.Stop()
			return nil
		}

		n.logger.Info("reconnecting to downstream gateway",
			"endpoint", n.endpoint,
			"attempt", attempt)

		conn, err := n.dial(ctx)
		if err == nil {
			n.connMu.Lock()
			if n.isClosed() {
				n.connMu.Unlock()
				conn.Close()
				return nil
			}
			n.conn = conn
			n.connMu.Unlock()

			n.logger.Info("reconnected to downstream gateway",
				"endpoint", n.endpoint,
				"attempts", attempt)
			return nil
		}

		n.logger.Error("downstream reconnect failed",
			"endpoint", n.endpoint,
			"attempt", attempt,
			"error", err)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (n *Node) currentConn() *websocket.Conn {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	return n.conn
}

// dropConn forgets conn if it is still the current connection
func (n *Node) dropConn(conn *websocket.Conn) {
	n.connMu.Lock()
	if n.conn == conn {
		n.conn = nil
	}
	n.connMu.Unlock()
	conn.Close()
}

// closeConn closes the current connection so a blocked reader returns
func (n *Node) closeConn() {
	if conn := n.currentConn(); conn != nil {
		conn.Close()
	}
}

// writeFrame writes one frame, blocking at most the QoS write timeout or the
// ctx deadline, whichever is earlier. A failed write closes the connection so
// the spinner reconnects.
func (n *Node) writeFrame(ctx context.Context, qos QoSProfile, f frame) error {
	if n.isClosed() {
		return ErrNodeClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	conn := n.currentConn()
	if conn == nil {
		return ErrConnectionLost
	}

	deadline := time.Now().Add(qos.writeTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	n.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	n.writeMu.Unlock()

	if err != nil {
		conn.Close()
		if n.isClosed() {
			return ErrNodeClosed
		}
		return fmt.Errorf("write %s frame on %s: %w", f.Kind, f.Topic, err)
	}
	return nil
}

// Ping sends a WebSocket ping to the gateway
func (n *Node) Ping(ctx context.Context) error {
	if n.isClosed() {
		return ErrNodeClosed
	}
	conn := n.currentConn()
	if conn == nil {
		return ErrConnectionLost
	}

	deadline := time.Now().Add(defaultPingTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("ping downstream gateway: %w", err)
	}
	return nil
}

func (n *Node) register(guid string, sink responseSink) {
	n.sinksMu.Lock()
	n.sinks[guid] = sink
	n.sinksMu.Unlock()
}

func (n *Node) unregister(guid string) {
	n.sinksMu.Lock()
	delete(n.sinks, guid)
	n.sinksMu.Unlock()
}

func (n *Node) failAll(err error) {
	n.sinksMu.RLock()
	sinks := make([]responseSink, 0, len(n.sinks))
	for _, sink := range n.sinks {
		sinks = append(sinks, sink)
	}
	n.sinksMu.RUnlock()

	for _, sink := range sinks {
		sink.failAll(err)
	}
}

// Close closes the gateway connection and fails every pending call with ErrNodeClosed
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)

		n.connMu.Lock()
		conn := n.conn
		n.conn = nil
		n.connMu.Unlock()

		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "node closed")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeMessageWriteTimeout))
			err = conn.Close()
		}

		n.failAll(ErrNodeClosed)
		n.logger.Info("downstream node closed", "node", n.name.FullName())
	})
	return err
}
