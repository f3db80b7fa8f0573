package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics wires the Prometheus instruments for the orchestration core.
//
// Covered surfaces:
//   - run lifecycle counts and durations
//   - LLM request latency, status and token spend
//   - tool execution patterns per role
//   - event log append throughput
//   - job queue depth, claims and worker run times
//   - barrier resolution outcomes
//   - live stream subscriber counts and drop reasons
type Metrics struct {
	// RunCounter counts run terminations.
	// Labels: status (success|failed|cancelled|timeout)
	RunCounter *prometheus.CounterVec

	// RunDuration measures wall-clock run time in seconds, including time
	// spent parked at barriers.
	// Labels: status
	RunDuration *prometheus.HistogramVec

	// RunIterations measures supervisor loop iterations per run.
	RunIterations prometheus.Histogram

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai|google), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, role (supervisor|worker), status (success or an error kind)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name, role
	ToolExecutionDuration *prometheus.HistogramVec

	// EventAppendCounter counts durable event appends.
	// Labels: event_type
	EventAppendCounter *prometheus.CounterVec

	// EventAppendDuration measures event append transaction time.
	EventAppendDuration prometheus.Histogram

	// JobQueueDepth gauges jobs per queue status.
	// Labels: status (created|queued|running)
	JobQueueDepth *prometheus.GaugeVec

	// JobClaimCounter counts claim attempts.
	// Labels: outcome (claimed|empty|reclaimed|exhausted)
	JobClaimCounter *prometheus.CounterVec

	// WorkerDuration measures worker job time from claim to terminal status.
	// Labels: mode (standard|workspace), status
	WorkerDuration *prometheus.HistogramVec

	// BarrierResolutionCounter counts barrier resolutions.
	// Labels: outcome (resumed|expired|cancelled)
	BarrierResolutionCounter *prometheus.CounterVec

	// ActiveStreams gauges connected event stream consumers.
	// Labels: transport (sse|websocket)
	ActiveStreams *prometheus.GaugeVec

	// StreamDropCounter counts frames dropped on the live path.
	// Labels: reason (coalesced|lagging_consumer)
	StreamDropCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures database query latency.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts database queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec

	// MaintenanceRunCounter counts scheduled maintenance job executions.
	// Labels: job, status (success|error)
	MaintenanceRunCounter *prometheus.CounterVec

	// MaintenanceRunDuration measures maintenance job latency.
	// Labels: job
	MaintenanceRunDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all instruments with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers against a caller-supplied registry.
// Tests use this to avoid duplicate registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_runs_total",
				Help: "Total number of finished runs by terminal status",
			},
			[]string{"status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_run_duration_seconds",
				Help:    "Wall-clock run duration in seconds including barrier waits",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),

		RunIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "foreman_run_iterations",
				Help:    "Supervisor loop iterations consumed per run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 25},
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_tool_executions_total",
				Help: "Total number of tool executions by tool, role, and status",
			},
			[]string{"tool_name", "role", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name", "role"},
		),

		EventAppendCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_events_appended_total",
				Help: "Total number of durable run events appended by type",
			},
			[]string{"event_type"},
		),

		EventAppendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "foreman_event_append_duration_seconds",
				Help:    "Duration of event append transactions in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),

		JobQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_job_queue_depth",
				Help: "Current number of worker jobs by queue status",
			},
			[]string{"status"},
		),

		JobClaimCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_job_claims_total",
				Help: "Total job claim attempts by outcome",
			},
			[]string{"outcome"},
		),

		WorkerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_worker_duration_seconds",
				Help:    "Worker job duration from claim to terminal status",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"mode", "status"},
		),

		BarrierResolutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_barrier_resolutions_total",
				Help: "Total barrier resolutions by outcome",
			},
			[]string{"outcome"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_active_streams",
				Help: "Current number of connected event stream consumers",
			},
			[]string{"transport"},
		),

		StreamDropCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_stream_drops_total",
				Help: "Total frames dropped on the live stream path by reason",
			},
			[]string{"reason"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),

		MaintenanceRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_maintenance_runs_total",
				Help: "Total scheduled maintenance job executions by job and status",
			},
			[]string{"job", "status"},
		),

		MaintenanceRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_maintenance_run_duration_seconds",
				Help:    "Duration of scheduled maintenance jobs in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60},
			},
			[]string{"job"},
		),
	}
}

// RecordRunFinished records a run reaching a terminal status.
func (m *Metrics) RecordRunFinished(status string, durationSeconds float64, iterations int) {
	m.RunCounter.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(durationSeconds)
	if iterations > 0 {
		m.RunIterations.Observe(float64(iterations))
	}
}

// RecordLLMRequest records latency, status and token spend for one LLM call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, role, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, role, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName, role).Observe(durationSeconds)
}

// RecordEventAppend records one durable event append.
func (m *Metrics) RecordEventAppend(eventType string, durationSeconds float64) {
	m.EventAppendCounter.WithLabelValues(eventType).Inc()
	m.EventAppendDuration.Observe(durationSeconds)
}

// RecordJobClaim records a claim attempt outcome.
func (m *Metrics) RecordJobClaim(outcome string) {
	m.JobClaimCounter.WithLabelValues(outcome).Inc()
}

// RecordWorkerFinished records a worker job reaching a terminal status.
func (m *Metrics) RecordWorkerFinished(mode, status string, durationSeconds float64) {
	m.WorkerDuration.WithLabelValues(mode, status).Observe(durationSeconds)
}

// RecordBarrierResolution records a barrier leaving the waiting state.
func (m *Metrics) RecordBarrierResolution(outcome string) {
	m.BarrierResolutionCounter.WithLabelValues(outcome).Inc()
}

// StreamConnected increments the active stream gauge.
func (m *Metrics) StreamConnected(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

// StreamDisconnected decrements the active stream gauge.
func (m *Metrics) StreamDisconnected(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

// RecordStreamDrop records a frame dropped on the live path.
func (m *Metrics) RecordStreamDrop(reason string) {
	m.StreamDropCounter.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records one gateway request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records one storage query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordMaintenanceRun records one scheduled maintenance job execution.
func (m *Metrics) RecordMaintenanceRun(job, status string, durationSeconds float64) {
	m.MaintenanceRunCounter.WithLabelValues(job, status).Inc()
	m.MaintenanceRunDuration.WithLabelValues(job).Observe(durationSeconds)
}
