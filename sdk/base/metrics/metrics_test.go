package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	RecordBroadcast("host")
	RecordSend("host", "view", true)
	RecordSend("host", "frame", false)
	RecordSnapshotFailure("view")
	CapabilityStarted()
	CapabilitySettled("e1", OutcomeEnabled)

	if v := testutil.ToFloat64(broadcastTotal.WithLabelValues("host")); v != 1 {
		t.Fatalf("broadcast total: %v", v)
	}
	if v := testutil.ToFloat64(broadcastSendsTotal.WithLabelValues("host", "frame", "error")); v != 1 {
		t.Fatalf("failed sends: %v", v)
	}
	if v := testutil.ToFloat64(snapshotFetchFailures.WithLabelValues("view")); v != 1 {
		t.Fatalf("snapshot failures: %v", v)
	}
	if v := testutil.ToFloat64(capabilityResolutions.WithLabelValues("e1", OutcomeEnabled)); v != 1 {
		t.Fatalf("capability resolutions: %v", v)
	}
	if v := testutil.ToFloat64(capabilityPending); v != 0 {
		t.Fatalf("capability pending: %v", v)
	}
}
