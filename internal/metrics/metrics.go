// Package metrics holds the Prometheus collectors for connectivity probing
// and the NAT relay listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay packet outcomes.
const (
	RelayAccepted  = "accepted"
	RelayIgnored   = "ignored"
	RelayMalformed = "malformed"
)

var (
	// ProbeResults counts decided probes by connectivity state.
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natlobby_probe_results_total",
		Help: "Connectivity probes by decided state",
	}, []string{"state"})

	// ProbeDuration tracks the time from probe start to decision.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "natlobby_probe_duration_seconds",
		Help:    "Time from probe start to decision",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8},
	}, []string{"state"})

	// ProbesInFlight is the number of probes awaiting a decision.
	ProbesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "natlobby_probes_in_flight",
		Help: "Connectivity probes currently awaiting evidence",
	})

	// ProbeEvidence counts evidence received by probes, by channel
	// ("direct" or "relayed").
	ProbeEvidence = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natlobby_probe_evidence_total",
		Help: "Evidence events matched to a probe, by channel",
	}, []string{"channel"})

	// ProbeSendFailures counts delegated send instructions that failed.
	ProbeSendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natlobby_probe_send_failures_total",
		Help: "Probe packet send instructions rejected by the game connection",
	}, []string{"channel"})

	// RelayPackets counts datagrams seen by the relay listener by outcome.
	RelayPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natlobby_relay_packets_total",
		Help: "Datagrams received on the NAT relay port by outcome",
	}, []string{"result"})

	// RelayAckErrors counts acknowledgements that could not be sent.
	RelayAckErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "natlobby_relay_ack_errors_total",
		Help: "Acknowledgement datagrams that failed to send",
	})
)

// ObserveProbe records a decided probe.
func ObserveProbe(state string, elapsed time.Duration) {
	ProbeResults.WithLabelValues(state).Inc()
	ProbeDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

// ObserveRelayPacket records one relay datagram outcome.
func ObserveRelayPacket(result string) {
	RelayPackets.WithLabelValues(result).Inc()
}
