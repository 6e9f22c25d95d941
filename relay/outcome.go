package relay

import (
	"time"

	"github.com/glimte/mmate-rpcbridge/contracts"
	"github.com/glimte/mmate-rpcbridge/downstream"
)

// Outcome is the tagged result of one relay
type Outcome struct {
	State       State
	Request     downstream.AddTwoIntsRequest
	RequestID   downstream.RequestID
	Sum         int64
	CompletedAt time.Time
	Latency     time.Duration
	Err         error
}

// Succeeded reports whether the downstream call returned a sum
func (o Outcome) Succeeded() bool {
	return o.State == Succeeded
}

// Response converts the outcome to the wire reply. Any failure becomes the
// sentinel reply with no timestamp and x 0.
func (o Outcome) Response() contracts.Translation1D {
	if !o.Succeeded() {
		return contracts.Translation1D{}
	}
	return contracts.Translation1D{
		Timestamp: contracts.NewTimestamp(o.CompletedAt),
		X:         toX(o.Sum),
	}
}
