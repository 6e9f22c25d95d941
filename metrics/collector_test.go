package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpcbridge/relay"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	t.Run("outcomes exported before any relay", func(t *testing.T) {
		assert.Equal(t, 3, testutil.CollectAndCount(c.relays))
		assert.Equal(t, float64(0), testutil.ToFloat64(c.relays.WithLabelValues("send_failed")))
	})

	c.RelayStarted()
	c.RelayStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.inFlight))

	c.RelayFinished(relay.Succeeded, 3*time.Millisecond)
	c.RelayFinished(relay.ResponseFailed, 100*time.Millisecond)

	assert.Equal(t, float64(0), testutil.ToFloat64(c.inFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.relays.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.relays.WithLabelValues("response_failed")))

	expected := `
# HELP mmate_rpcbridge_relays_total Relayed requests by terminal state.
# TYPE mmate_rpcbridge_relays_total counter
mmate_rpcbridge_relays_total{outcome="response_failed"} 1
mmate_rpcbridge_relays_total{outcome="send_failed"} 0
mmate_rpcbridge_relays_total{outcome="succeeded"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mmate_rpcbridge_relays_total"))

	t.Run("double registration fails", func(t *testing.T) {
		_, err := NewCollector(reg)
		assert.Error(t, err)
	})
}
