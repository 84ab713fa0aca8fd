// Package metrics holds the Prometheus collectors shared by the relay.
//
// Labels stay low-cardinality: instance is the bot username (one per running
// credential), never a chat id.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "relaybot"

var (
	// ForwardAttempts counts per-destination forward/copy attempts by result ("ok", "fail", "timeout").
	ForwardAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_attempts_total",
			Help:      "Per-destination forward attempts.",
		},
		[]string{"instance", "result"},
	)

	// ForwardLatency records the duration of one inbound message fan-out.
	ForwardLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of one message fan-out.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance"},
	)

	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Handled commands by name and result.",
		},
		[]string{"command", "result"},
	)

	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by kind.",
		},
		[]string{"instance", "kind"},
	)

	EventPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_panics_total",
			Help:      "Panics recovered while handling a single event.",
		},
		[]string{"instance"},
	)

	// ActionLogErrors counts failed action log writes by stage ("store" or a sink name).
	ActionLogErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_log_errors_total",
			Help:      "Action log write failures.",
		},
		[]string{"stage"},
	)

	ActionLogDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_log_mirror_dropped_total",
			Help:      "Action log entries not mirrored because the queue was full.",
		},
	)

	InstancesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_running",
			Help:      "Relay instances currently running.",
		},
	)

	// TaskRestarts and TaskPanics are fed by supervisors; scope is the
	// supervisor name (an instance username or a component).
	TaskRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_restarts_total",
			Help:      "Restarts of supervised goroutines.",
		},
		[]string{"scope", "task"},
	)

	TaskPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_panics_total",
			Help:      "Panics recovered in supervised goroutines.",
		},
		[]string{"scope", "task"},
	)

	AuditPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_log_pruned_total",
			Help:      "Action log entries removed by retention.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ForwardAttempts, ForwardLatency, Commands, Events, EventPanics,
		ActionLogErrors, ActionLogDropped, InstancesRunning, AuditPruned,
		TaskRestarts, TaskPanics,
	)
}
