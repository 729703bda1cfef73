package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "framecast_host_build_info",
			Help:        "Build information for the framecast host",
			ConstLabels: prometheus.Labels{"component": "host"},
		},
		[]string{"date", "sha", "version"},
	)

	viewsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "framecast_views_connected",
			Help: "Number of views currently connected to the host",
		},
	)

	framesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "framecast_frames_registered",
			Help: "Number of sub-frames currently in the registry",
		},
	)

	viewSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_view_sessions_total",
			Help: "View registration attempts by result",
		},
		[]string{"result"},
	)
)

// Register registers host collectors.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, viewsConnected, framesRegistered, viewSessionsTotal)
}

// SetHostBuildInfo sets the build info metric for the host.
func SetHostBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetViews records the number of connected views.
func SetViews(n int) { viewsConnected.Set(float64(n)) }

// SetFrames records the number of registered frames.
func SetFrames(n int) { framesRegistered.Set(float64(n)) }

// RecordSession counts a view registration outcome: accepted, rejected or draining.
func RecordSession(result string) { viewSessionsTotal.WithLabelValues(result).Inc() }

// ViewSessions returns the session counter for result.
func ViewSessions(result string) prometheus.Counter { return viewSessionsTotal.WithLabelValues(result) }
