// Package metrics defines and registers all custom Prometheus metrics for the
// village health portal. It is the single source of truth for metric names,
// labels, and help strings.
//
// Metrics are registered with the default registry on package load via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "portal"

// ── Session metrics ───────────────────────────────────────────────────────────

// SessionTransitionsTotal counts session state transitions.
// Label:
//   - transition: "login", "register", "restore", "logout", "expired"
var SessionTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Total number of session state transitions, by kind.",
	},
	[]string{"transition"},
)

// ── Consultation metrics ──────────────────────────────────────────────────────

// MessagesSentTotal counts messages accepted into a consultation.
// Label:
//   - role: sender role ("villager", "doctor")
var MessagesSentTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of consultation messages sequenced by the server.",
	},
	[]string{"role"},
)

// ConsultationParticipants tracks currently joined participants across rooms.
var ConsultationParticipants = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consultation_participants",
		Help:      "Current number of joined consultation participants.",
	},
)

// ChannelEventsDroppedTotal counts live events dropped for a slow participant.
// The client recovers them through a history resync.
var ChannelEventsDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_events_dropped_total",
		Help:      "Total number of live channel events dropped because a participant buffer was full.",
	},
)

// ChannelResyncsTotal counts client-side gap resynchronisation fetches.
var ChannelResyncsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_resyncs_total",
		Help:      "Total number of history fetches issued to fill a sequence gap.",
	},
)

// ChannelReconnectsTotal counts client reconnect attempts.
// Label:
//   - result: "ok", "failed", "exhausted"
var ChannelReconnectsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_reconnects_total",
		Help:      "Total number of channel reconnect attempts, by result.",
	},
	[]string{"result"},
)

// ── Notification metrics ──────────────────────────────────────────────────────

// NotificationsPublishedTotal counts notifications accepted by the hub.
// Label:
//   - kind: "toast" or "persistent"
var NotificationsPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_published_total",
		Help:      "Total number of notifications published, by kind.",
	},
	[]string{"kind"},
)

// NotificationsDedupTotal counts debounce decisions.
// Label:
//   - result: "hit" (collapsed) or "miss" (published)
var NotificationsDedupTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dedup_total",
		Help:      "Total number of debounce checks, labelled by result (hit/miss).",
	},
	[]string{"result"},
)

// ToastsDroppedTotal counts toasts discarded.
// Label:
//   - reason: "no_subscriber" or "overflow"
var ToastsDroppedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "toasts_dropped_total",
		Help:      "Total number of toast notifications dropped, by reason.",
	},
	[]string{"reason"},
)

// DispatchQueueDepth tracks the number of external notification events
// waiting in each dispatcher worker channel.
// Label:
//   - worker_id: numeric worker index (e.g. "0", "1", …)
var DispatchQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Current number of events pending in each dispatcher worker channel.",
	},
	[]string{"worker_id"},
)

// DispatchDuration measures how long a single external event takes to publish.
// Label:
//   - result: "ok" or "error"
var DispatchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of external notification processing from dequeue to publish.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"result"},
)
