package relay

import (
	"math"

	"github.com/glimte/mmate-rpcbridge/contracts"
	"github.com/glimte/mmate-rpcbridge/downstream"
)

// toRequest casts the coordinates to the downstream integers. The cast is
// lossy on purpose: fractions truncate toward zero, NaN becomes 0 and values
// beyond the int64 range clamp to its bounds.
func toRequest(in contracts.Translation2D) downstream.AddTwoIntsRequest {
	return downstream.AddTwoIntsRequest{
		A: saturatingInt64(in.X),
		B: saturatingInt64(in.Y),
	}
}

// 2^63 is exactly representable as float32
const twoTo63 = float32(1 << 63)

func saturatingInt64(f float32) int64 {
	switch {
	case math.IsNaN(float64(f)):
		return 0
	case f >= twoTo63:
		return math.MaxInt64
	case f <= -twoTo63:
		return math.MinInt64
	default:
		return int64(f)
	}
}

// toX rounds the sum to the nearest float32
func toX(sum int64) float32 {
	return float32(sum)
}
