package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestration-layer counters and gauges. Everything is labelled by the
// component or dependency it concerns so the three processes can share one
// dashboard.

var (
	// Epoch fencing
	EpochIncrementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "epoch",
		Name:      "increments_total",
		Help:      "Total epoch increments",
	})

	EpochCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "triad",
		Subsystem: "epoch",
		Name:      "current",
		Help:      "Current epoch number",
	})

	StaleTokensRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "epoch",
		Name:      "stale_tokens_rejected_total",
		Help:      "Total fencing tokens rejected for carrying a stale epoch",
	}, []string{"operation"})

	// IPC bus
	StaleMessagesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "ipc",
		Name:      "stale_messages_rejected_total",
		Help:      "Total IPC messages rejected for carrying a stale epoch",
	})

	LegacyMessagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "ipc",
		Name:      "legacy_messages_accepted_total",
		Help:      "Total IPC messages without an epoch stamp accepted for backward compatibility",
	})

	HeartbeatsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "ipc",
		Name:      "heartbeats_published_total",
		Help:      "Total heartbeats published per component",
	}, []string{"component"})

	HeartbeatsStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "ipc",
		Name:      "heartbeats_stale_total",
		Help:      "Total heartbeat reads that found a stale or dead entry",
	}, []string{"component"})

	// File store / locking
	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "triad",
		Subsystem: "fsstore",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for file lock acquisition",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	LockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "fsstore",
		Name:      "lock_timeouts_total",
		Help:      "Total lock acquisitions that timed out",
	})

	StaleLocksRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "fsstore",
		Name:      "stale_locks_recovered_total",
		Help:      "Total stale locks force-released after owner death",
	})

	CASConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "fsstore",
		Name:      "cas_conflicts_total",
		Help:      "Total compare-and-swap version conflicts",
	})

	// Event log
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "eventlog",
		Name:      "events_appended_total",
		Help:      "Total events appended per origin",
	}, []string{"origin", "event_type"})

	EventsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "eventlog",
		Name:      "events_deduplicated_total",
		Help:      "Total appends suppressed by the dedup window",
	}, []string{"origin"})

	EventsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "eventlog",
		Name:      "events_replayed_total",
		Help:      "Total events delivered through replay",
	}, []string{"origin"})

	SequenceGapsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "eventlog",
		Name:      "sequence_gaps_detected_total",
		Help:      "Total sequence gaps detected (each triggers a full resync)",
	}, []string{"origin"})

	EventsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "eventlog",
		Name:      "events_expired_total",
		Help:      "Total events garbage-collected past retention",
	}, []string{"origin"})

	// Health aggregation
	ComponentHealthLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "triad",
		Subsystem: "health",
		Name:      "component_level",
		Help:      "Component health level (0=HEALTHY, 1=DEGRADED, 2=UNHEALTHY, 3=DEAD)",
	}, []string{"component"})

	CapabilityHealthLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "triad",
		Subsystem: "health",
		Name:      "capability_level",
		Help:      "Capability health level (0=HEALTHY, 1=DEGRADED, 2=UNHEALTHY, 3=DEAD)",
	}, []string{"capability"})

	HealthTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "health",
		Name:      "transitions_total",
		Help:      "Total committed health level transitions",
	}, []string{"component", "from", "to"})

	HealthSamplesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "health",
		Name:      "samples_suppressed_total",
		Help:      "Total samples absorbed by hysteresis without a transition",
	}, []string{"component"})

	// Circuit breakers
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "triad",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	BreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Total circuit breaker trips to open",
	}, []string{"dependency"})

	BreakerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Total calls rejected while open",
	}, []string{"dependency"})

	// Resource coordination
	ResourcePoolAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "triad",
		Subsystem: "resource",
		Name:      "pool_available",
		Help:      "Resources currently available per kind",
	}, []string{"kind"})

	ResourceExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "resource",
		Name:      "exhausted_total",
		Help:      "Total reservations rejected with pool exhausted",
	}, []string{"kind"})

	ResourceReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "resource",
		Name:      "reaped_total",
		Help:      "Total reservations auto-released after requester death",
	}, []string{"kind"})

	// Process supervision
	ComponentRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "supervisor",
		Name:      "restarts_total",
		Help:      "Total component restarts",
	}, []string{"component"})

	ComponentCrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "supervisor",
		Name:      "crashes_total",
		Help:      "Total component crashes detected",
	}, []string{"component"})

	RestartStormSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "supervisor",
		Name:      "restart_storm_suppressed_total",
		Help:      "Total restarts delayed by the cooldown limiter",
	}, []string{"component"})

	// Transactional startup
	StartupPhaseSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "triad",
		Subsystem: "startup",
		Name:      "phase_duration_seconds",
		Help:      "Duration of startup phases",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	}, []string{"phase"})

	StartupRollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "startup",
		Name:      "rollbacks_total",
		Help:      "Total startup sequences rolled back",
	})

	ComponentsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "startup",
		Name:      "components_started_total",
		Help:      "Total component starts by outcome",
	}, []string{"component", "outcome"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
