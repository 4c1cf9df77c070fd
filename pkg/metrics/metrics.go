package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workspace fleet metrics
	WorkspacesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codehub_workspaces_total",
			Help: "Total number of workspaces by phase",
		},
		[]string{"phase"},
	)

	OperationsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codehub_operations_in_flight",
			Help: "Number of workspaces with an in-flight operation by type",
		},
		[]string{"operation"},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_operations_total",
			Help: "Total number of completed operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Loop metrics
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codehub_loop_tick_duration_seconds",
			Help:    "Loop tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_loop_ticks_total",
			Help: "Total number of loop ticks by loop and result",
		},
		[]string{"loop", "result"},
	)

	WakeHintsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_wake_hints_total",
			Help: "Total number of wake hints received by loop",
		},
		[]string{"loop"},
	)

	// Agent client metrics
	AgentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_agent_requests_total",
			Help: "Total number of agent requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	AgentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codehub_agent_request_duration_seconds",
			Help:    "Agent request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codehub_agent_breaker_open",
			Help: "Whether the agent circuit breaker is open (1 = open)",
		},
	)

	// TTL loop metrics
	DemotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_ttl_demotions_total",
			Help: "Total number of TTL demotions by target state",
		},
		[]string{"target"},
	)

	ActivityFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codehub_activity_entries_flushed_total",
			Help: "Total number of activity entries drained into the database",
		},
	)

	// GC metrics
	GCDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codehub_gc_archives_deleted_total",
			Help: "Total number of archive objects reclaimed by GC",
		},
	)

	GCProtectedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codehub_gc_protected_keys",
			Help: "Size of the protection set computed in the last GC cycle",
		},
	)

	// Leadership and events
	IsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codehub_is_leader",
			Help: "Whether this process holds the named leader lock (1 = leader)",
		},
		[]string{"lock"},
	)

	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codehub_sse_subscribers",
			Help: "Number of connected SSE clients",
		},
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_proxy_requests_total",
			Help: "Total number of workspace traffic requests by outcome",
		},
		[]string{"outcome"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_cdc_notifications_total",
			Help: "Total number of database notifications relayed by channel",
		},
		[]string{"channel"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkspacesTotal)
	prometheus.MustRegister(OperationsInFlight)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(WakeHintsTotal)
	prometheus.MustRegister(AgentRequestsTotal)
	prometheus.MustRegister(AgentRequestDuration)
	prometheus.MustRegister(BreakerOpen)
	prometheus.MustRegister(DemotionsTotal)
	prometheus.MustRegister(ActivityFlushed)
	prometheus.MustRegister(GCDeletedTotal)
	prometheus.MustRegister(GCProtectedTotal)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(SSESubscribers)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(NotificationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
