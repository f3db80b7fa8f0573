package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

func TestRecordRunFinished(t *testing.T) {
	m := newTestMetrics()

	m.RecordRunFinished("success", 42.5, 7)
	m.RecordRunFinished("success", 10.0, 2)
	m.RecordRunFinished("failed", 3.1, 1)

	expected := `
		# HELP foreman_runs_total Total number of finished runs by terminal status
		# TYPE foreman_runs_total counter
		foreman_runs_total{status="failed"} 1
		foreman_runs_total{status="success"} 2
	`
	if err := testutil.CollectAndCompare(m.RunCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected run counter value: %v", err)
	}

	if testutil.CollectAndCount(m.RunDuration) != 2 {
		t.Error("Expected run duration observations for both statuses")
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := newTestMetrics()

	m.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success", 1.2, 900, 250)
	m.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "error", 0.3, 0, 0)
	m.RecordLLMRequest("openai", "gpt-4o", "success", 0.8, 400, 100)

	if got := testutil.CollectAndCount(m.LLMRequestCounter); got != 3 {
		t.Errorf("Expected 3 request counter series, got %d", got)
	}

	expected := `
		# HELP foreman_llm_tokens_total Total number of tokens used by provider, model, and type
		# TYPE foreman_llm_tokens_total counter
		foreman_llm_tokens_total{model="claude-sonnet-4-5",provider="anthropic",type="completion"} 250
		foreman_llm_tokens_total{model="claude-sonnet-4-5",provider="anthropic",type="prompt"} 900
		foreman_llm_tokens_total{model="gpt-4o",provider="openai",type="completion"} 100
		foreman_llm_tokens_total{model="gpt-4o",provider="openai",type="prompt"} 400
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected token counter value: %v", err)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics()

	m.RecordToolExecution("spawn_worker", "supervisor", "success", 0.02)
	m.RecordToolExecution("spawn_worker", "supervisor", "success", 0.01)
	m.RecordToolExecution("http_fetch", "worker", "error", 5.0)

	expected := `
		# HELP foreman_tool_executions_total Total number of tool executions by tool, role, and status
		# TYPE foreman_tool_executions_total counter
		foreman_tool_executions_total{role="supervisor",status="success",tool_name="spawn_worker"} 2
		foreman_tool_executions_total{role="worker",status="error",tool_name="http_fetch"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected tool counter value: %v", err)
	}
}

func TestRecordJobClaim(t *testing.T) {
	m := newTestMetrics()

	m.RecordJobClaim("claimed")
	m.RecordJobClaim("claimed")
	m.RecordJobClaim("empty")
	m.RecordJobClaim("exhausted")

	expected := `
		# HELP foreman_job_claims_total Total job claim attempts by outcome
		# TYPE foreman_job_claims_total counter
		foreman_job_claims_total{outcome="claimed"} 2
		foreman_job_claims_total{outcome="empty"} 1
		foreman_job_claims_total{outcome="exhausted"} 1
	`
	if err := testutil.CollectAndCompare(m.JobClaimCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected claim counter value: %v", err)
	}
}

func TestStreamGaugeLifecycle(t *testing.T) {
	m := newTestMetrics()

	m.StreamConnected("sse")
	m.StreamConnected("sse")
	m.StreamConnected("websocket")
	m.StreamDisconnected("sse")

	expected := `
		# HELP foreman_active_streams Current number of connected event stream consumers
		# TYPE foreman_active_streams gauge
		foreman_active_streams{transport="sse"} 1
		foreman_active_streams{transport="websocket"} 1
	`
	if err := testutil.CollectAndCompare(m.ActiveStreams, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected stream gauge value: %v", err)
	}
}

func TestRecordStreamDrop(t *testing.T) {
	m := newTestMetrics()

	m.RecordStreamDrop("coalesced")
	m.RecordStreamDrop("coalesced")
	m.RecordStreamDrop("lagging_consumer")

	expected := `
		# HELP foreman_stream_drops_total Total frames dropped on the live stream path by reason
		# TYPE foreman_stream_drops_total counter
		foreman_stream_drops_total{reason="coalesced"} 2
		foreman_stream_drops_total{reason="lagging_consumer"} 1
	`
	if err := testutil.CollectAndCompare(m.StreamDropCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected drop counter value: %v", err)
	}
}

func TestRecordBarrierResolution(t *testing.T) {
	m := newTestMetrics()

	m.RecordBarrierResolution("resumed")
	m.RecordBarrierResolution("expired")

	if got := testutil.CollectAndCount(m.BarrierResolutionCounter); got != 2 {
		t.Errorf("Expected 2 barrier outcome series, got %d", got)
	}
}

func TestRecordEventAppend(t *testing.T) {
	m := newTestMetrics()

	m.RecordEventAppend("supervisor_started", 0.004)
	m.RecordEventAppend("worker_complete", 0.006)
	m.RecordEventAppend("worker_complete", 0.002)

	expected := `
		# HELP foreman_events_appended_total Total number of durable run events appended by type
		# TYPE foreman_events_appended_total counter
		foreman_events_appended_total{event_type="supervisor_started"} 1
		foreman_events_appended_total{event_type="worker_complete"} 2
	`
	if err := testutil.CollectAndCompare(m.EventAppendCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected append counter value: %v", err)
	}
}

func TestRecordWorkerFinished(t *testing.T) {
	m := newTestMetrics()

	m.RecordWorkerFinished("standard", "completed", 12.0)
	m.RecordWorkerFinished("workspace", "failed", 340.0)

	if got := testutil.CollectAndCount(m.WorkerDuration); got != 2 {
		t.Errorf("Expected 2 worker duration series, got %d", got)
	}
}

func TestConcurrentMetrics(t *testing.T) {
	m := newTestMetrics()

	done := make(chan bool)
	iterations := 100

	go func() {
		for i := 0; i < iterations; i++ {
			m.RecordJobClaim("claimed")
		}
		done <- true
	}()

	go func() {
		for i := 0; i < iterations; i++ {
			m.RecordJobClaim("empty")
		}
		done <- true
	}()

	<-done
	<-done

	if testutil.CollectAndCount(m.JobClaimCounter) != 2 {
		t.Error("Expected concurrent metric recording to produce both series")
	}
}
