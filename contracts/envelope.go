package contracts

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps messages for transport
type Envelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	ReplyTo       string                 `json:"replyTo,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body"`
}

// Named is implemented by messages that carry their own wire type name
type Named interface {
	MessageType() string
}

// TypeName returns the wire type name of a message. Messages implementing
// Named report their own name; anything else falls back to the Go type name.
func TypeName(msg any) string {
	if named, ok := msg.(Named); ok {
		return named.MessageType()
	}
	t := reflect.TypeOf(msg)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// NewEnvelope encodes body and wraps it with a fresh id and the current time
func NewEnvelope(body any, correlationID string) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", TypeName(body), err)
	}

	return &Envelope{
		ID:            uuid.New().String(),
		Type:          TypeName(body),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: correlationID,
		Body:          raw,
	}, nil
}

// ParseEnvelope decodes a JSON envelope
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if len(env.Body) == 0 || string(env.Body) == "null" {
		return nil, fmt.Errorf("invalid envelope: missing body")
	}
	return &env, nil
}

// DecodeBody decodes the envelope body into v
func (e *Envelope) DecodeBody(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", e.Type, err)
	}
	return nil
}
