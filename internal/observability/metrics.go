package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	memoryWriteDuration prometheus.Histogram
	memoryEntriesTotal  prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	approvalTotal         *prometheus.CounterVec

	routeAttemptTotal *prometheus.CounterVec
	routeDuration     *prometheus.HistogramVec
	backendHealthy    *prometheus.GaugeVec

	turnTotal       *prometheus.CounterVec
	turnRounds      prometheus.Histogram
	compactionTotal *prometheus.CounterVec

	subagentRunning prometheus.Gauge
	subagentTotal   *prometheus.CounterVec

	gatewayClients  prometheus.Gauge
	gatewayRPCTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "kestrel_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_dequeue_total",
					Help: "Total task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "kestrel_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "kestrel_active_sessions",
					Help: "Current persisted session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "kestrel_session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "kestrel_session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "kestrel_memory_write_duration_seconds",
					Help:    "Memory write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryEntriesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "kestrel_memory_entries_total",
					Help: "Total memory entries stored.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "kestrel_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			approvalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_approval_total",
					Help: "Approval outcomes by tool (approved, denied, timeout).",
				},
				[]string{"tool", "outcome"},
			),
			routeAttemptTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_route_attempt_total",
					Help: "Backend attempts by backend and status.",
				},
				[]string{"backend", "status"},
			),
			routeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "kestrel_route_duration_seconds",
					Help:    "Backend stream duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			backendHealthy: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "kestrel_backend_healthy",
					Help: "Backend health state (1 healthy, 0 cooling down).",
				},
				[]string{"backend"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_turn_total",
					Help: "Agent turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnRounds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "kestrel_turn_rounds",
					Help:    "Model round-trips per agent turn.",
					Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
				},
			),
			compactionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_compaction_total",
					Help: "History compactions by status.",
				},
				[]string{"status"},
			),
			subagentRunning: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "kestrel_subagent_running",
					Help: "Currently running sub-agent tasks.",
				},
			),
			subagentTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_subagent_total",
					Help: "Sub-agent tasks by terminal status.",
				},
				[]string{"status"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "kestrel_gateway_clients",
					Help: "Connected gateway clients.",
				},
			),
			gatewayRPCTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kestrel_gateway_rpc_total",
					Help: "Gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.memoryWriteDuration,
			m.memoryEntriesTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.approvalTotal,
			m.routeAttemptTotal,
			m.routeDuration,
			m.backendHealthy,
			m.turnTotal,
			m.turnRounds,
			m.compactionTotal,
			m.subagentRunning,
			m.subagentTotal,
			m.gatewayClients,
			m.gatewayRPCTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordMemoryWrite(duration time.Duration) {
	getMetrics().memoryWriteDuration.Observe(duration.Seconds())
}

func SetMemoryEntries(total int) {
	getMetrics().memoryEntriesTotal.Set(float64(total))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordApproval records an approval outcome: approved, denied, or timeout.
func RecordApproval(tool, outcome string) {
	getMetrics().approvalTotal.WithLabelValues(tool, outcome).Inc()
}

func RecordRouteAttempt(backend string, duration time.Duration, status string) {
	m := getMetrics()
	m.routeAttemptTotal.WithLabelValues(backend, status).Inc()
	if duration > 0 {
		m.routeDuration.WithLabelValues(backend).Observe(duration.Seconds())
	}
}

func SetBackendHealthy(backend string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	getMetrics().backendHealthy.WithLabelValues(backend).Set(value)
}

func RecordTurn(outcome string, rounds int) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnRounds.Observe(float64(rounds))
}

func RecordCompaction(success bool) {
	getMetrics().compactionTotal.WithLabelValues(statusLabel(success)).Inc()
}

func SetSubagentsRunning(count int) {
	getMetrics().subagentRunning.Set(float64(count))
}

func RecordSubagent(status string) {
	getMetrics().subagentTotal.WithLabelValues(status).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

// RecordGatewayRPC counts one RPC; status is success, error or rejected.
func RecordGatewayRPC(method, status string) {
	getMetrics().gatewayRPCTotal.WithLabelValues(method, status).Inc()
}
