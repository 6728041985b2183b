package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	EndpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_duration_seconds",
		Help:    "Time spent serving endpoint requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Execution-context pool metrics
	HandlesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solver_handles_created_total",
		Help: "Total number of solver handles created by the pool",
	})

	HandleBorrows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solver_handle_borrows_total",
		Help: "Total number of handle borrows by source (created or reused)",
	}, []string{"source"})

	HandlesIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solver_handles_idle",
		Help: "Number of solver handles currently idle in the pool",
	})

	// Kernel metrics
	KernelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solver_kernel_calls_total",
		Help: "Total number of kernel invocations by operation and element type",
	}, []string{"op", "type"})

	KernelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solver_kernel_failures_total",
		Help: "Total number of failed kernel invocations by operation and element type",
	}, []string{"op", "type"})

	WorkspaceElements = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solver_workspace_elements",
		Help:    "Workspace size, in elements, returned by descriptor builds",
		Buckets: prometheus.ExponentialBuckets(1, 4, 14), // 1 to ~67M
	}, []string{"op"})

	// Calling-layer metrics
	DecomposeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decompose_duration_ms",
		Help:    "Duration of a complete decomposition run in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 18), // 0.1ms to ~13s
	}, []string{"op", "backend"})

	DeviceMemoryUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_memory_used_bytes",
		Help: "Device memory in use as reported by the active backend",
	})
)
