package downstream

import (
	"github.com/fxamacker/cbor/v2"
)

type frameKind string

const (
	kindRequest  frameKind = "request"
	kindResponse frameKind = "response"
)

// frame is the unit carried in one binary WebSocket message
type frame struct {
	Kind    frameKind       `cbor:"kind"`
	Topic   string          `cbor:"topic"`
	Type    string          `cbor:"type"`
	Client  string          `cbor:"client"`
	Seq     int64           `cbor:"seq"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
	Error   string          `cbor:"error,omitempty"`
}

func (f frame) requestID() RequestID {
	return RequestID{ClientGUID: f.Client, Sequence: f.Seq}
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := marshal(f)
	if err != nil {
		return nil, &FrameError{Op: "encode frame", Topic: f.Topic, Err: err}
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := unmarshal(data, &f); err != nil {
		return frame{}, &FrameError{Op: "decode frame", Err: err}
	}
	switch f.Kind {
	case kindRequest, kindResponse:
	default:
		return frame{}, &FrameError{Op: "decode frame", Topic: f.Topic, Err: ErrUnknownFrameKind}
	}
	return f, nil
}

// encodePayload encodes a typed request or response body
func encodePayload(topic string, v any) (cbor.RawMessage, error) {
	data, err := marshal(v)
	if err != nil {
		return nil, &FrameError{Op: "encode payload", Topic: topic, Err: err}
	}
	return cbor.RawMessage(data), nil
}

// decodePayload decodes a typed request or response body
func decodePayload(topic string, payload cbor.RawMessage, v any) error {
	if len(payload) == 0 {
		return &FrameError{Op: "decode payload", Topic: topic, Err: ErrEmptyPayload}
	}
	if err := unmarshal(payload, v); err != nil {
		return &FrameError{Op: "decode payload", Topic: topic, Err: err}
	}
	return nil
}
