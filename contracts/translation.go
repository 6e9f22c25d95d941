package contracts

import "time"

// Timestamp is a point in time as whole seconds and nanoseconds since the
// Unix epoch, matching the well-known timestamp layout.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// NewTimestamp converts t to a Timestamp
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{
		Seconds: t.Unix(),
		Nanos:   int32(t.Nanosecond()),
	}
}

// Time converts the timestamp back to a UTC time.Time
func (ts *Timestamp) Time() time.Time {
	if ts == nil {
		return time.Time{}
	}
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

// Translation2D is a two coordinate request
type Translation2D struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// MessageType implements Named
func (Translation2D) MessageType() string {
	return "Translation2D"
}

// Translation1D is a single coordinate reply. Timestamp is nil when the value
// was not computed.
type Translation1D struct {
	Timestamp *Timestamp `json:"timestamp,omitempty"`
	X         float32    `json:"x"`
}

// MessageType implements Named
func (Translation1D) MessageType() string {
	return "Translation1D"
}

// HasTimestamp reports whether the reply carries a completion time
func (t Translation1D) HasTimestamp() bool {
	return t.Timestamp != nil
}
