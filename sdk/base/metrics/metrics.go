package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	broadcastTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "framecast_broadcast_total", Help: "Broadcasts issued, by originating side"},
		[]string{"origin"},
	)
	broadcastSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "framecast_broadcast_sends_total", Help: "Per-destination broadcast send attempts"},
		[]string{"origin", "target", "result"},
	)
	snapshotFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "framecast_snapshot_fetch_failures_total", Help: "Failed sub-frame snapshot fetches during broadcast"},
		[]string{"origin"},
	)
	capabilityResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "framecast_capability_resolutions_total", Help: "Capability predicate outcomes"},
		[]string{"extension", "outcome"},
	)
	capabilityPending = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "framecast_capability_pending", Help: "Capability predicates awaiting a result"},
	)
)

// Capability outcomes.
const (
	OutcomeEnabled   = "enabled"
	OutcomeDisabled  = "disabled"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// Register registers the shared collectors with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(broadcastTotal, broadcastSendsTotal, snapshotFetchFailures, capabilityResolutions, capabilityPending)
}

func RecordBroadcast(origin string) { broadcastTotal.WithLabelValues(origin).Inc() }

func RecordSend(origin, target string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	broadcastSendsTotal.WithLabelValues(origin, target, result).Inc()
}

func RecordSnapshotFailure(origin string) { snapshotFetchFailures.WithLabelValues(origin).Inc() }

func CapabilityStarted() { capabilityPending.Inc() }

// CapabilitySettled records the outcome of one predicate call.
func CapabilitySettled(extension, outcome string) {
	capabilityPending.Dec()
	capabilityResolutions.WithLabelValues(extension, outcome).Inc()
}
