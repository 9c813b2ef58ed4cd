// Package metrics defines the Prometheus instrumentation shared by the
// orchestration components. All collectors register on the default registry
// and are served from the HTTP API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestQueueDepth tracks queued admission requests per priority.
	RequestQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_request_queue_depth",
		Help: "Current number of queued requests per priority",
	}, []string{"priority"})

	// RequestsSubmitted counts admission outcomes.
	RequestsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_requests_submitted_total",
		Help: "Total request submissions by outcome",
	}, []string{"priority", "outcome"}) // outcome: accepted, rejected, rate_limited

	// RequestsCompleted counts terminal request states.
	RequestsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_requests_completed_total",
		Help: "Total requests reaching a terminal state",
	}, []string{"group", "status"})

	// RequestDuration tracks request processing time.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swarm_request_duration_seconds",
		Help:    "Request processing duration from dequeue to completion",
		Buckets: prometheus.DefBuckets,
	}, []string{"group"})

	// BackpressureActive is 1 while admission backpressure is engaged.
	BackpressureActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_backpressure_active",
		Help: "Whether request-queue backpressure is currently engaged",
	})

	// GroupSlotsInUse tracks process-group slot occupancy.
	GroupSlotsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_group_slots_in_use",
		Help: "Process-group worker slots currently held",
	}, []string{"group"})

	// GroupSaturationRequeues counts requeue-to-back events on saturated
	// groups.
	GroupSaturationRequeues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_group_saturation_requeues_total",
		Help: "Requests requeued because their process group was saturated",
	}, []string{"group"})

	// TasksRouted counts Director routing outcomes.
	TasksRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_tasks_routed_total",
		Help: "Director routing outcomes by department and status",
	}, []string{"department", "status"})

	// RoutingStrategyUsage counts selected routing strategies.
	RoutingStrategyUsage = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_routing_strategy_total",
		Help: "Routing strategy selections",
	}, []string{"strategy"})

	// TaskRoutingDuration tracks end-to-end Director task handling time.
	TaskRoutingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_task_routing_duration_seconds",
		Help:    "Director per-task handling duration",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	// EngineQueueDepth tracks async-engine queue depth per priority.
	EngineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_engine_queue_depth",
		Help: "Current number of queued engine tasks per priority",
	}, []string{"priority"})

	// ConcurrencyLimit reports the effective concurrency limit per
	// component.
	ConcurrencyLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_concurrency_limit",
		Help: "Effective concurrency limit applied by the throttling controller",
	}, []string{"component"})

	// ThrottleDecisions counts throttling cycle outcomes.
	ThrottleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_throttle_decisions_total",
		Help: "Throttling controller decisions by action and load level",
	}, []string{"action", "load_level"})

	// HealthScore reports the latest sampled system health score.
	HealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_health_score",
		Help: "Weighted system health score (0-100, higher is healthier)",
	})

	// ClassificationsTotal counts classifier outcomes per method.
	ClassificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_classifications_total",
		Help: "Intent classifications by method and intent",
	}, []string{"method", "intent"})

	// HTTPRequests counts HTTP API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_http_requests_total",
		Help: "HTTP requests by path and status code",
	}, []string{"path", "code"})

	// HTTPDuration tracks HTTP handler latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swarm_http_request_duration_seconds",
		Help:    "HTTP request handling duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)
