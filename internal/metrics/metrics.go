// Package metrics defines the Prometheus collectors of a scabbard node and
// the HTTP server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scabbard"

var (
	RunnerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "runs_total",
		Help:      "Total runner invocations",
	}, []string{"status"})

	RunnerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "events_total",
		Help:      "Events processed by the runner",
	}, []string{"kind", "outcome"})

	RunnerRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "run_duration_seconds",
		Help:      "Duration of one runner invocation",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	EpochsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "epochs_total",
		Help:      "Epochs decided, by decision",
	}, []string{"decision"})

	StaleEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "stale_events_total",
		Help:      "Events for past epochs, answered or purged",
	}, []string{"disposition"})

	AlarmsFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "timer",
		Name:      "alarms_fired_total",
		Help:      "Elapsed alarms promoted to events",
	})

	TimerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "timer",
		Name:      "errors_total",
		Help:      "Timer invocations that failed and will be retried",
	})

	SupervisorActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "actions_total",
		Help:      "Actions executed by the supervisor",
	}, []string{"kind", "status"})

	SupervisorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "queue_depth",
		Help:      "Notifications waiting for the supervisor",
	})

	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "messages_sent_total",
		Help:      "Consensus messages handed to the sender",
	}, []string{"type", "status"})

	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "network",
		Name:      "messages_received_total",
		Help:      "Consensus messages delivered to a service",
	}, []string{"type", "status"})
)
