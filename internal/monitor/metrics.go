// Package monitor holds the process-wide prometheus collectors.
package monitor

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "monitor")

var (
	// Command pipeline
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obd_commands_total",
			Help: "Adapter commands processed, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	CommandDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "obd_command_duration_seconds",
		Help:    "Time from write to prompt for one adapter command.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 4},
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "obd_command_queue_depth",
		Help: "Commands waiting in the queue.",
	})

	// Connection
	ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "obd_connection_status",
		Help: "0=disconnected 1=connecting 2=connected 3=reconnecting 4=error",
	})

	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obd_connect_attempts_total",
			Help: "Connect attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	Reconnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "obd_reconnections_total",
		Help: "Reconnections triggered by the error budget.",
	})

	ConsecutiveErrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "obd_consecutive_errors",
		Help: "Current consecutive command failures.",
	})

	// Streams
	Readings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obd_readings_total",
			Help: "Decoded parameter readings.",
		},
		[]string{"parameter"},
	)

	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obd_decode_errors_total",
			Help: "Responses that failed to decode.",
		},
		[]string{"parameter"},
	)

	Subscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "obd_stream_subscribers",
			Help: "Active subscribers per parameter.",
		},
		[]string{"parameter"},
	)

	// Persistence
	SinkDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obd_sink_dropped_total",
			Help: "Log entries dropped because a sink was behind.",
		},
		[]string{"sink"},
	)

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "obd_goroutines",
		Help: "Current goroutine count.",
	})

	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "obd_memory_usage_bytes",
		Help: "Heap bytes allocated.",
	})
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		CommandDuration,
		QueueDepth,
		ConnectionStatus,
		ConnectAttempts,
		Reconnections,
		ConsecutiveErrors,
		Readings,
		DecodeErrors,
		Subscribers,
		SinkDropped,
		GoroutineCount,
		MemoryUsage,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RunRuntimeMonitor samples goroutine and heap usage until ctx ends.
func RunRuntimeMonitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			MemoryUsage.Set(float64(memStats.Alloc))

			log.Debugf("goroutines: %d, heap: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}
}
