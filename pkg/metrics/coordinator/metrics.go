// Package coordinator provides Prometheus metrics for the P/D request coordinator.
package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// CoordinatorSubsystem is the metric prefix for coordinator metrics.
	CoordinatorSubsystem = "llm_d_pd_coordinator"
)

var (
	// CoordinatorOverheadMilliseconds records coordination overhead between prefill and decode.
	// This measures time spent in coordinator processing (JSON parsing, parameter extraction, HTTP overhead).
	// Note: Actual KV cache transfer happens inside the decode engine and is not measured by this metric.
	CoordinatorOverheadMilliseconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: CoordinatorSubsystem,
			Name:      "coordinator_overhead_milliseconds",
			Help:      "Coordination overhead between prefill and decode HTTP requests (JSON processing only, excludes KV cache transfer which happens inside the decode engine)",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		},
		[]string{"connector"},
	)

	// PrefillDurationMilliseconds records prefill stage duration.
	// This is the full HTTP round-trip time to the prefill instance.
	PrefillDurationMilliseconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: CoordinatorSubsystem,
			Name:      "prefill_duration_milliseconds",
			Help:      "Prefill stage HTTP round-trip duration in P/D disaggregation",
			Buckets:   []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000},
		},
		[]string{"connector"},
	)

	// DecodeDurationMilliseconds records decode stage duration.
	// This is the full HTTP round-trip time to the decode instance (includes KV cache transfer inside the engine).
	DecodeDurationMilliseconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: CoordinatorSubsystem,
			Name:      "decode_duration_milliseconds",
			Help:      "Decode stage HTTP round-trip duration in P/D disaggregation (includes KV cache transfer inside the decode engine)",
			Buckets:   []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"connector"},
	)

	// TotalDurationMilliseconds records end-to-end request duration.
	TotalDurationMilliseconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: CoordinatorSubsystem,
			Name:      "total_duration_milliseconds",
			Help:      "Total end-to-end request duration from the coordinator perspective",
			Buckets:   []float64{20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 20000},
		},
		[]string{"connector"},
	)

	// TrueTTFTMilliseconds records true time-to-first-token as seen by the coordinator,
	// including prefill and coordination time. This differs from the decode engine's
	// locally reported TTFT, which excludes everything before the decode request arrives.
	TrueTTFTMilliseconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: CoordinatorSubsystem,
			Name:      "true_ttft_milliseconds",
			Help:      "Time from request receipt to first generated content, including prefill and coordination time",
			Buckets:   []float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"connector"},
	)

	// RequestsTotal counts finalized requests by connector, routing decision and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: CoordinatorSubsystem,
			Name:      "requests_total",
			Help:      "Finalized requests by connector, disaggregation decision and outcome",
		},
		[]string{"connector", "decision", "outcome"},
	)
)

// GetCollectors returns all custom collectors for the P/D request coordinator.
func GetCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		CoordinatorOverheadMilliseconds,
		PrefillDurationMilliseconds,
		DecodeDurationMilliseconds,
		TotalDurationMilliseconds,
		TrueTTFTMilliseconds,
		RequestsTotal,
	}
}
