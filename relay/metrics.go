package relay

import "time"

// Metrics records relay activity
type Metrics interface {
	RelayStarted()
	RelayFinished(state State, latency time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RelayStarted()                       {}
func (noopMetrics) RelayFinished(State, time.Duration) {}
