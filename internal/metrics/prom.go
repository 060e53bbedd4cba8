package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/gpupool/internal/balancer"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "gpupool_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "balancer"},
		},
		[]string{"date", "sha", "version"},
	)

	selections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpupool_selections_total",
			Help: "Number of selection requests",
		},
		[]string{"family", "outcome"},
	)

	selectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpupool_selection_duration_seconds",
			Help:    "Selection duration",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		},
	)

	feedback = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpupool_feedback_total",
			Help: "Outcome reports per instance",
		},
		[]string{"instance_id", "outcome"},
	)

	instanceStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpupool_instances",
			Help: "Tracked instances by lifecycle state",
		},
		[]string{"state"},
	)

	instanceLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpupool_instance_latency_ms",
			Help: "Smoothed response time per instance",
		},
		[]string{"instance_id"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, selections, selectionDuration, feedback, instanceStates, instanceLatency)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordSelection increments the selection counter and observes its duration.
func RecordSelection(family, outcome string, elapsed time.Duration) {
	selections.WithLabelValues(family, outcome).Inc()
	selectionDuration.Observe(elapsed.Seconds())
}

// RecordFeedback increments the per-instance outcome counter.
func RecordFeedback(instanceID string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	feedback.WithLabelValues(instanceID, outcome).Inc()
}

// ObserveSnapshot refreshes the per-state and per-instance gauges from a
// health snapshot.
func ObserveSnapshot(hs balancer.HealthSnapshot) {
	counts := map[balancer.State]int{
		balancer.StateProbation: 0,
		balancer.StateHealthy:   0,
		balancer.StateUnhealthy: 0,
	}
	for _, v := range hs.Instances {
		counts[v.State]++
		instanceLatency.WithLabelValues(v.ID).Set(v.EWMALatencyMs)
	}
	for state, n := range counts {
		instanceStates.WithLabelValues(string(state)).Set(float64(n))
	}
}
