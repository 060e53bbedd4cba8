package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gaspardpetit/gpupool/internal/balancer"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2024-01-01")
	RecordSelection("chat", "selected", 50*time.Microsecond)
	RecordFeedback("gpu-0", true)
	RecordFeedback("gpu-0", false)

	if v := testutil.ToFloat64(selections.WithLabelValues("chat", "selected")); v != 1 {
		t.Fatalf("selections: %v", v)
	}
	if v := testutil.ToFloat64(feedback.WithLabelValues("gpu-0", "success")); v != 1 {
		t.Fatalf("feedback success: %v", v)
	}
	if v := testutil.ToFloat64(feedback.WithLabelValues("gpu-0", "failure")); v != 1 {
		t.Fatalf("feedback failure: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
}

func TestObserveSnapshot(t *testing.T) {
	hs := balancer.HealthSnapshot{Instances: []balancer.InstanceView{
		{ID: "gpu-0", State: balancer.StateHealthy, EWMALatencyMs: 120},
		{ID: "gpu-1", State: balancer.StateHealthy},
		{ID: "gpu-2", State: balancer.StateUnhealthy},
	}}
	ObserveSnapshot(hs)
	if v := testutil.ToFloat64(instanceStates.WithLabelValues("healthy")); v != 2 {
		t.Fatalf("healthy gauge: %v", v)
	}
	if v := testutil.ToFloat64(instanceStates.WithLabelValues("unhealthy")); v != 1 {
		t.Fatalf("unhealthy gauge: %v", v)
	}
	if v := testutil.ToFloat64(instanceLatency.WithLabelValues("gpu-0")); v != 120 {
		t.Fatalf("latency gauge: %v", v)
	}
}
