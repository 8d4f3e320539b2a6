// ABOUTME: Prometheus instrumentation for task dispatch and agent connections.
// ABOUTME: Collectors are package-level; Init registers them once with the default registry.

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport labels.
const (
	TransportPull     = "pull"
	TransportExternal = "external"
	TransportNone     = "none"
)

// Outcome labels.
const (
	OutcomeComplete  = "complete"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

var (
	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_task_dispatches_total",
			Help: "Tasks resolved, by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	connectedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connected_agents",
			Help: "Number of authenticated pull connections",
		},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Pull-connection frames, by direction and type",
		},
		[]string{"direction", "type"},
	)

	externalStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_external_stream_duration_seconds",
			Help:    "Duration of external agent streams in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default Prometheus registry. Safe to
// call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			dispatchesTotal,
			connectedAgents,
			framesTotal,
			externalStreamDuration,
		)
	})
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDispatch counts a resolved task.
func RecordDispatch(transport, outcome string) {
	dispatchesTotal.WithLabelValues(transport, outcome).Inc()
}

// SetConnectedAgents sets the connected agents gauge.
func SetConnectedAgents(n int) {
	connectedAgents.Set(float64(n))
}

// RecordFrame counts a frame; direction is "in" or "out".
func RecordFrame(direction, frameType string) {
	framesTotal.WithLabelValues(direction, frameType).Inc()
}

// RecordExternalStream observes how long an external stream ran.
func RecordExternalStream(outcome string, d time.Duration) {
	externalStreamDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
