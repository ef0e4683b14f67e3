package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks how many durable operations are waiting for the
	// backend. This is the primary indicator of sync lag.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_depth",
		Help: "Current number of pending operations in the sync queue",
	})

	// ItemsSynced counts queue outcomes by item type
	ItemsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_items_total",
		Help: "Total sync queue items processed, by type and outcome",
	}, []string{"type", "outcome"})

	// AckLatency measures the time between a push send and its echo
	AckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_ack_latency_seconds",
		Help:    "Latency between a push send and the matching echo",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	// RemapFailures counts identity rewrites that could not complete.
	// Any increment indicates a consistency bug or a backend contract
	// violation and warrants investigation.
	RemapFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_remap_failures_total",
		Help: "Total identity remap transactions that failed",
	})

	// PushMessages counts payloads crossing the push channel
	PushMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_messages_total",
		Help: "Total push payloads sent and received, by action",
	}, []string{"direction", "action"})

	// PushConnected provides a binary 0/1 signal for broker health
	PushConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "push_connected",
		Help: "Whether the push broker connection is up (1) or down (0)",
	})
)
