package downstream

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeClosed is returned once the node has been closed
	ErrNodeClosed = errors.New("downstream: node is closed")

	// ErrConnectionLost fails requests that were in flight when the gateway connection dropped
	ErrConnectionLost = errors.New("downstream: connection lost")

	// ErrClientClosed is returned by a client after Close
	ErrClientClosed = errors.New("downstream: client is closed")

	// ErrUnknownRequest is returned when a request id has no pending call
	ErrUnknownRequest = errors.New("downstream: unknown request id")

	// ErrAlreadySpinning is returned when Spin is called twice on one node
	ErrAlreadySpinning = errors.New("downstream: node is already spinning")

	// ErrUnknownFrameKind marks a frame that is neither request nor response
	ErrUnknownFrameKind = errors.New("downstream: unknown frame kind")

	// ErrEmptyPayload marks a frame without a payload
	ErrEmptyPayload = errors.New("downstream: empty payload")

	// ErrServiceExists is returned when a topic already has a service
	ErrServiceExists = errors.New("downstream: service already registered")
)

// ServiceError is returned when the service answered with an error frame
type ServiceError struct {
	Service string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("downstream service error on %s: %s", e.Service, e.Message)
}

// FrameError reports a frame or payload that could not be encoded or decoded
type FrameError struct {
	Op    string
	Topic string
	Err   error
}

func (e *FrameError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("downstream: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("downstream: %s on %s: %v", e.Op, e.Topic, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// ConnectionError reports a failed dial or reconnect to the gateway
type ConnectionError struct {
	Op       string
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("downstream connection error: %s %s failed after %d attempts: %v", e.Op, e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("downstream connection error: %s %s failed: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
