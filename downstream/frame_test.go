package downstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncoding(t *testing.T) {
	t.Run("round trips a request frame", func(t *testing.T) {
		payload, err := encodePayload("rq/adderRequest", AddTwoIntsRequest{A: 3, B: 4})
		require.NoError(t, err)

		in := frame{
			Kind:    kindRequest,
			Topic:   "rq/adderRequest",
			Type:    AddTwoIntsType.String(),
			Client:  "client-1",
			Seq:     7,
			Payload: payload,
		}
		data, err := encodeFrame(in)
		require.NoError(t, err)

		out, err := decodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, in.Kind, out.Kind)
		assert.Equal(t, in.Topic, out.Topic)
		assert.Equal(t, in.requestID(), out.requestID())

		var req AddTwoIntsRequest
		require.NoError(t, decodePayload(out.Topic, out.Payload, &req))
		assert.Equal(t, AddTwoIntsRequest{A: 3, B: 4}, req)
	})

	t.Run("encoding is deterministic", func(t *testing.T) {
		f := frame{Kind: kindResponse, Topic: "rr/adderReply", Client: "c", Seq: 1, Error: "boom"}
		first, err := encodeFrame(f)
		require.NoError(t, err)
		second, err := encodeFrame(f)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("rejects unknown kinds", func(t *testing.T) {
		data, err := marshal(map[string]any{"kind": "gossip", "topic": "x"})
		require.NoError(t, err)

		_, err = decodeFrame(data)
		assert.True(t, errors.Is(err, ErrUnknownFrameKind))

		var frameErr *FrameError
		require.True(t, errors.As(err, &frameErr))
		assert.Equal(t, "decode frame", frameErr.Op)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := decodeFrame([]byte{0xff, 0x00, 0x13})
		assert.Error(t, err)
	})

	t.Run("empty payload", func(t *testing.T) {
		var resp AddTwoIntsResponse
		err := decodePayload("rr/adderReply", nil, &resp)
		assert.True(t, errors.Is(err, ErrEmptyPayload))
	})
}
