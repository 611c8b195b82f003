// Package metrics provides Prometheus metrics for the relay and the
// streaming pipeline. Labels never carry session, viewer, or stream IDs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks live registry entries by mode.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "remotecast",
		Name:      "active_sessions",
		Help:      "Current number of registered remote control sessions, by mode.",
	}, []string{"mode"})

	// ActiveStreams tracks live stream rendezvous entries.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "remotecast",
		Name:      "active_streams",
		Help:      "Current number of desktop streams awaiting or being consumed.",
	})

	// ConnectedPeers tracks hub connections by role.
	ConnectedPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "remotecast",
		Name:      "connected_peers",
		Help:      "Current number of hub connections, by role.",
	}, []string{"role"})

	// CastRequestsTotal counts cast requests by outcome.
	CastRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remotecast",
		Name:      "cast_requests_total",
		Help:      "Total screen cast requests, by outcome.",
	}, []string{"outcome"})

	// StreamBytesTotal counts bytes relayed from desktops to viewers.
	StreamBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotecast",
		Name:      "stream_bytes_total",
		Help:      "Total bytes relayed on desktop streams.",
	})

	// FlowControlRejectsTotal counts buffer writes that failed admission.
	FlowControlRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remotecast",
		Name:      "flow_control_rejects_total",
		Help:      "Total flow control buffer writes rejected, by reason and side.",
	}, []string{"side", "reason"})

	// SessionRecoveriesTotal counts unattended recovery outcomes.
	SessionRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remotecast",
		Name:      "session_recoveries_total",
		Help:      "Total unattended session recoveries, by outcome.",
	}, []string{"outcome"})

	// ViewerRoundTrip observes frame acknowledgment latency.
	ViewerRoundTrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "remotecast",
		Name:      "viewer_round_trip_seconds",
		Help:      "Frame send to acknowledgment latency.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
	})

	// ViewerThroughput tracks the most recently reported per-viewer rates.
	ViewerThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "remotecast",
		Name:      "viewer_throughput",
		Help:      "Last reported viewer streaming rate, by kind (mbps, fps, quality).",
	}, []string{"kind"})

	// StalledViewersTotal counts viewers evicted for not acknowledging frames.
	StalledViewersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotecast",
		Name:      "stalled_viewers_total",
		Help:      "Total viewers evicted because frames went unacknowledged.",
	})
)

// RecordCast increments the cast request counter for outcome.
func RecordCast(outcome string) {
	CastRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordFlowReject increments the flow control reject counter.
func RecordFlowReject(side, reason string) {
	FlowControlRejectsTotal.WithLabelValues(side, reason).Inc()
}
