package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActivitiesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbrain_activities_claimed_total",
			Help: "Background activities claimed by a dispatcher",
		},
		[]string{"type"},
	)

	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cbrain_activity_claim_conflicts_total",
			Help: "Claims lost to another dispatcher or an operator",
		},
	)

	ActivityItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbrain_activity_items_total",
			Help: "Processed activity items by outcome",
		},
		[]string{"type", "outcome"}, // ok, fail, exc
	)

	ActivityRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbrain_activity_runs_total",
			Help: "Finished activity passes by resulting status",
		},
		[]string{"type", "status"},
	)

	ActivityRunSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cbrain_activity_run_seconds",
			Help:    "Wall time of one dispatcher pass over an activity",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		},
		[]string{"type"},
	)

	CrashedActivities = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cbrain_activities_crashed_total",
			Help: "Activities marked InternalError after their lock went stale",
		},
	)

	DispatchersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cbrain_dispatchers_running",
			Help: "Dispatcher workers currently running in this process",
		},
	)

	RemoteCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbrain_remote_commands_total",
			Help: "Remote commands sent or processed",
		},
		[]string{"direction", "command", "result"}, // direction: sent, received
	)

	LivenessProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbrain_liveness_probes_total",
			Help: "Liveness probes against remote resources",
		},
		[]string{"resource", "result"}, // alive, dead, skipped
	)

	ResourceOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cbrain_resource_online",
			Help: "1 when the resource is marked online",
		},
		[]string{"resource"},
	)

	QuotaReportSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cbrain_quota_report_seconds",
			Help:    "Time spent building quota reports",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cbrain_notifications_dropped_total",
			Help: "Notifications dropped by the rate limiter or a failing sink",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cbrain_events_dropped_total",
			Help: "Audit events lost because the write queue was full",
		},
	)
)
