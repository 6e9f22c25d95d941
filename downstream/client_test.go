package downstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHost(t *testing.T) (*Host, string) {
	t.Helper()

	host := NewHost()
	server := httptest.NewServer(host)
	t.Cleanup(func() {
		host.Close()
		server.Close()
	})
	return host, "ws" + strings.TrimPrefix(server.URL, "http")
}

func startNode(t *testing.T, url string, opts ...NodeOption) *Node {
	t.Helper()

	name, err := NewNodeName("/test", "node")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	node, err := Dial(ctx, url, name, opts...)
	require.NoError(t, err)

	spinDone := make(chan struct{})
	go func() {
		defer close(spinDone)
		node.Spin(ctx)
	}()

	t.Cleanup(func() {
		node.Close()
		cancel()
		<-spinDone
	})
	return node
}

func adderName(t *testing.T) Name {
	t.Helper()
	name, err := NewName("/", "ros2_adder")
	require.NoError(t, err)
	return name
}

func newAdderClient(t *testing.T, node *Node) *Client[AddTwoIntsRequest, AddTwoIntsResponse] {
	t.Helper()
	client, err := CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
		node, adderName(t), AddTwoIntsType, DefaultServiceQoS(), DefaultServiceQoS())
	require.NoError(t, err)
	return client
}

func TestClientRequestResponse(t *testing.T) {
	host, url := startHost(t)
	require.NoError(t, RegisterService(host, adderName(t), AddTwoIntsType, Enhanced, AddTwoInts))

	node := startNode(t, url)
	client := newAdderClient(t, node)
	ctx := context.Background()

	t.Run("send then receive", func(t *testing.T) {
		id, err := client.SendRequest(ctx, AddTwoIntsRequest{A: 3, B: 4})
		require.NoError(t, err)
		assert.Equal(t, client.GUID(), id.ClientGUID)

		resp, err := client.ReceiveResponse(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(7), resp.Sum)
		assert.Equal(t, 0, client.Pending())
	})

	t.Run("sequence numbers increase", func(t *testing.T) {
		first, err := client.SendRequest(ctx, AddTwoIntsRequest{A: 1, B: 1})
		require.NoError(t, err)
		second, err := client.SendRequest(ctx, AddTwoIntsRequest{A: 2, B: 2})
		require.NoError(t, err)
		assert.Greater(t, second.Sequence, first.Sequence)

		resp, err := client.ReceiveResponse(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, int64(4), resp.Sum)
		resp, err = client.ReceiveResponse(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, int64(2), resp.Sum)
	})

	t.Run("a request id is received once", func(t *testing.T) {
		id, err := client.SendRequest(ctx, AddTwoIntsRequest{A: 5, B: 5})
		require.NoError(t, err)
		_, err = client.ReceiveResponse(ctx, id)
		require.NoError(t, err)

		_, err = client.ReceiveResponse(ctx, id)
		assert.True(t, errors.Is(err, ErrUnknownRequest))
	})

	t.Run("foreign request id is unknown", func(t *testing.T) {
		_, err := client.ReceiveResponse(ctx, RequestID{ClientGUID: "someone-else", Sequence: 1})
		assert.True(t, errors.Is(err, ErrUnknownRequest))
	})

	t.Run("call wraps send and receive", func(t *testing.T) {
		resp, err := client.Call(ctx, AddTwoIntsRequest{A: -10, B: 4})
		require.NoError(t, err)
		assert.Equal(t, int64(-6), resp.Sum)
	})
}

func TestClientConcurrentCorrelation(t *testing.T) {
	host, url := startHost(t)
	slow := func(ctx context.Context, req AddTwoIntsRequest) (AddTwoIntsResponse, error) {
		// finish out of order
		time.Sleep(time.Duration(req.A%5) * time.Millisecond)
		return AddTwoInts(ctx, req)
	}
	require.NoError(t, RegisterService(host, adderName(t), AddTwoIntsType, Enhanced, slow))

	node := startNode(t, url)
	client := newAdderClient(t, node)

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			resp, err := client.Call(context.Background(), AddTwoIntsRequest{A: i, B: i * 1000})
			if err != nil {
				errs <- err
				return
			}
			if resp.Sum != i*1001 {
				errs <- errors.New("response correlated to the wrong request")
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, client.Pending())
}

func TestClientServiceErrors(t *testing.T) {
	host, url := startHost(t)
	failing := func(context.Context, AddTwoIntsRequest) (AddTwoIntsResponse, error) {
		return AddTwoIntsResponse{}, errors.New("adder offline")
	}
	broken, err := NewName("/", "broken")
	require.NoError(t, err)
	require.NoError(t, RegisterService(host, broken, AddTwoIntsType, Enhanced, failing))
	require.NoError(t, RegisterService(host, adderName(t), AddTwoIntsType, Enhanced, AddTwoInts))

	node := startNode(t, url)
	ctx := context.Background()

	t.Run("handler error", func(t *testing.T) {
		client, err := CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
			node, broken, AddTwoIntsType, DefaultServiceQoS(), DefaultServiceQoS())
		require.NoError(t, err)

		_, err = client.Call(ctx, AddTwoIntsRequest{A: 1, B: 2})
		var serviceErr *ServiceError
		require.True(t, errors.As(err, &serviceErr))
		assert.Equal(t, "/broken", serviceErr.Service)
		assert.Contains(t, serviceErr.Message, "adder offline")
	})

	t.Run("no service on topic", func(t *testing.T) {
		missing, err := NewName("/", "missing")
		require.NoError(t, err)
		client, err := CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
			node, missing, AddTwoIntsType, DefaultServiceQoS(), DefaultServiceQoS())
		require.NoError(t, err)

		_, err = client.Call(ctx, AddTwoIntsRequest{A: 1, B: 2})
		var serviceErr *ServiceError
		require.True(t, errors.As(err, &serviceErr))
		assert.Contains(t, serviceErr.Message, "no service on topic")
	})

	t.Run("type mismatch", func(t *testing.T) {
		other := ServiceTypeName{Package: "example_interfaces", Name: "SetBool"}
		client, err := CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
			node, adderName(t), other, DefaultServiceQoS(), DefaultServiceQoS())
		require.NoError(t, err)

		_, err = client.Call(ctx, AddTwoIntsRequest{A: 1, B: 2})
		var serviceErr *ServiceError
		require.True(t, errors.As(err, &serviceErr))
		assert.Contains(t, serviceErr.Message, "type mismatch")
	})

	t.Run("basic mapping does not reach an enhanced service", func(t *testing.T) {
		client, err := CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
			node, adderName(t), AddTwoIntsType, DefaultServiceQoS(), DefaultServiceQoS(),
			WithServiceMapping(Basic))
		require.NoError(t, err)

		_, err = client.Call(ctx, AddTwoIntsRequest{A: 1, B: 2})
		var serviceErr *ServiceError
		assert.True(t, errors.As(err, &serviceErr))
	})

	t.Run("duplicate registration", func(t *testing.T) {
		err := RegisterService(host, adderName(t), AddTwoIntsType, Enhanced, AddTwoInts)
		assert.True(t, errors.Is(err, ErrServiceExists))
	})
}

func TestCreateClientValidation(t *testing.T) {
	_, url := startHost(t)
	node := startNode(t, url)

	_, err := CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
		nil, adderName(t), AddTwoIntsType, DefaultServiceQoS(), DefaultServiceQoS())
	assert.Error(t, err)

	_, err = CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
		node, Name{Namespace: "/", Base: "bad name"}, AddTwoIntsType, DefaultServiceQoS(), DefaultServiceQoS())
	assert.ErrorContains(t, err, "invalid service name")

	_, err = CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
		node, adderName(t), ServiceTypeName{}, DefaultServiceQoS(), DefaultServiceQoS())
	assert.Error(t, err)

	badQoS := DefaultServiceQoS()
	badQoS.Depth = 0
	_, err = CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
		node, adderName(t), AddTwoIntsType, DefaultServiceQoS(), badQoS)
	assert.ErrorContains(t, err, "response QoS")
}

func TestNodeCloseUnblocksReceivers(t *testing.T) {
	host, url := startHost(t)
	release := make(chan struct{})
	defer close(release)
	blocking := func(ctx context.Context, req AddTwoIntsRequest) (AddTwoIntsResponse, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return AddTwoInts(ctx, req)
	}
	require.NoError(t, RegisterService(host, adderName(t), AddTwoIntsType, Enhanced, blocking))

	node := startNode(t, url)
	client := newAdderClient(t, node)

	id, err := client.SendRequest(context.Background(), AddTwoIntsRequest{A: 1, B: 2})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := client.ReceiveResponse(context.Background(), id)
		result <- err
	}()

	require.NoError(t, node.Close())

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, ErrNodeClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveResponse did not return after Close")
	}

	_, err = client.SendRequest(context.Background(), AddTwoIntsRequest{A: 1, B: 2})
	assert.Error(t, err)
	assert.NoError(t, node.Close())
}

func TestClientClose(t *testing.T) {
	host, url := startHost(t)
	require.NoError(t, RegisterService(host, adderName(t), AddTwoIntsType, Enhanced, AddTwoInts))
	node := startNode(t, url)
	client := newAdderClient(t, node)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.SendRequest(context.Background(), AddTwoIntsRequest{A: 1, B: 2})
	assert.True(t, errors.Is(err, ErrClientClosed))
}

func TestReceiveResponseHonoursContext(t *testing.T) {
	host, url := startHost(t)
	release := make(chan struct{})
	defer close(release)
	blocking := func(ctx context.Context, req AddTwoIntsRequest) (AddTwoIntsResponse, error) {
		<-release
		return AddTwoInts(ctx, req)
	}
	require.NoError(t, RegisterService(host, adderName(t), AddTwoIntsType, Enhanced, blocking))
	node := startNode(t, url)
	client := newAdderClient(t, node)

	id, err := client.SendRequest(context.Background(), AddTwoIntsRequest{A: 1, B: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.ReceiveResponse(ctx, id)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, client.Pending())

	_, err = client.ReceiveResponse(context.Background(), id)
	assert.True(t, errors.Is(err, ErrUnknownRequest))
}

func TestTimedOutReceivesReleasePendingEntries(t *testing.T) {
	host, url := startHost(t)
	slow := func(ctx context.Context, req AddTwoIntsRequest) (AddTwoIntsResponse, error) {
		time.Sleep(50 * time.Millisecond)
		return AddTwoInts(ctx, req)
	}
	require.NoError(t, RegisterService(host, adderName(t), AddTwoIntsType, Enhanced, slow))
	node := startNode(t, url)
	client := newAdderClient(t, node)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			id, err := client.SendRequest(context.Background(), AddTwoIntsRequest{A: i, B: 1})
			if !assert.NoError(t, err) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
			defer cancel()
			_, err = client.ReceiveResponse(ctx, id)
			assert.True(t, errors.Is(err, context.DeadlineExceeded))
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, 0, client.Pending())

	// the late responses arrive after their callers gave up and are dropped
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, client.Pending())

	resp, err := client.Call(context.Background(), AddTwoIntsRequest{A: 2, B: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.Sum)
}

func TestKeepLastReplacesStaleResponse(t *testing.T) {
	node := &Node{
		logger: slog.Default(),
		sinks:  make(map[string]responseSink),
		done:   make(chan struct{}),
	}
	client, err := CreateClient[AddTwoIntsRequest, AddTwoIntsResponse](
		node, adderName(t), AddTwoIntsType, DefaultServiceQoS(), DefaultServiceQoS())
	require.NoError(t, err)

	client.pending[1] = &pendingCall{
		responses: make(chan frame, 1),
		failed:    make(chan struct{}),
	}

	for _, sum := range []int64{10, 20} {
		payload, err := encodePayload(client.responseTopic, AddTwoIntsResponse{Sum: sum})
		require.NoError(t, err)
		node.dispatch(frame{Kind: kindResponse, Topic: client.responseTopic, Client: client.GUID(), Seq: 1, Payload: payload})
	}

	resp, err := client.ReceiveResponse(context.Background(), RequestID{ClientGUID: client.GUID(), Sequence: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(20), resp.Sum)
}

func TestNodeReconnects(t *testing.T) {
	host, url := startHost(t)
	require.NoError(t, RegisterService(host, adderName(t), AddTwoIntsType, Enhanced, AddTwoInts))

	node := startNode(t, url, WithReconnectDelay(10*time.Millisecond))
	client := newAdderClient(t, node)

	_, err := client.Call(context.Background(), AddTwoIntsRequest{A: 1, B: 1})
	require.NoError(t, err)

	old := node.currentConn()
	node.closeConn()

	require.Eventually(t, func() bool {
		conn := node.currentConn()
		return conn != nil && conn != old
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := client.Call(context.Background(), AddTwoIntsRequest{A: 2, B: 2})
		return err == nil && resp.Sum == 4
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNodeLifecycle(t *testing.T) {
	t.Run("dial failure", func(t *testing.T) {
		name, err := NewNodeName("/test", "node")
		require.NoError(t, err)

		_, err = Dial(context.Background(), "ws://127.0.0.1:1/none", name)
		var connErr *ConnectionError
		require.True(t, errors.As(err, &connErr))
		assert.Equal(t, "dial", connErr.Op)
	})

	t.Run("empty endpoint", func(t *testing.T) {
		_, err := Dial(context.Background(), "", NodeName{Namespace: "/", Base: "n"})
		assert.Error(t, err)
	})

	t.Run("single spinner", func(t *testing.T) {
		_, url := startHost(t)
		node := startNode(t, url)

		require.Eventually(t, func() bool { return node.spinning.Load() }, time.Second, 5*time.Millisecond)
		assert.True(t, errors.Is(node.Spin(context.Background()), ErrAlreadySpinning))
	})

	t.Run("ping", func(t *testing.T) {
		_, url := startHost(t)
		node := startNode(t, url)

		assert.NoError(t, node.Ping(context.Background()))
		require.NoError(t, node.Close())
		assert.True(t, errors.Is(node.Ping(context.Background()), ErrNodeClosed))
	})

	t.Run("spin returns when context ends", func(t *testing.T) {
		_, url := startHost(t)
		name, err := NewNodeName("/test", "node")
		require.NoError(t, err)
		node, err := Dial(context.Background(), url, name)
		require.NoError(t, err)
		defer node.Close()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- node.Spin(ctx) }()
		cancel()

		select {
		case err := <-done:
			assert.True(t, errors.Is(err, context.Canceled))
		case <-time.After(2 * time.Second):
			t.Fatal("Spin did not return")
		}
	})
}
