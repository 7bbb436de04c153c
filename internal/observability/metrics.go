// Package observability exposes prometheus metrics for the RPC runtime.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driverkit",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames moved across driver-host sockets.",
		},
		[]string{"direction"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driverkit",
			Subsystem: "wire",
			Name:      "frame_bytes_total",
			Help:      "Payload bytes moved across driver-host sockets.",
		},
		[]string{"direction"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driverkit",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Driver RPC calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driverkit",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Driver RPC call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	processEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driverkit",
			Subsystem: "supervisor",
			Name:      "process_events_total",
			Help:      "Managed driver-host process lifecycle events.",
		},
		[]string{"event"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(frames, frameBytes, calls, callDuration, processEvents)
	})
}

func RecordFrame(direction string, bytes int) {
	RegisterMetrics()
	frames.WithLabelValues(direction).Inc()
	frameBytes.WithLabelValues(direction).Add(float64(bytes))
}

func RecordCall(op, outcome string, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(op, outcome).Inc()
	callDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordProcessEvent counts spawn/adopt/terminate/kill events from the
// supervisor.
func RecordProcessEvent(event string) {
	RegisterMetrics()
	processEvents.WithLabelValues(event).Inc()
}
