package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveProbe(t *testing.T) {
	before := testutil.ToFloat64(ProbeResults.WithLabelValues("STUN"))

	ObserveProbe("STUN", 1500*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(ProbeResults.WithLabelValues("STUN")))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(ProbeDuration), 1)
}

func TestObserveRelayPacket(t *testing.T) {
	before := testutil.ToFloat64(RelayPackets.WithLabelValues(RelayIgnored))

	ObserveRelayPacket(RelayIgnored)
	ObserveRelayPacket(RelayIgnored)

	assert.Equal(t, before+2, testutil.ToFloat64(RelayPackets.WithLabelValues(RelayIgnored)))
}
