// Package worker executes claimed jobs. Standard jobs run a bounded agent
// loop in-process with the worker tool allowlist; workspace jobs clone a
// repository and hand the task to an external coding agent. Either way the
// worker heartbeats its job row, writes its artifacts, and reports the
// outcome through the barrier coordinator.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/foremanlabs/foreman/internal/artifacts"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/engine"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/providers"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/internal/tools"
	"github.com/foremanlabs/foreman/internal/workspace"
	"github.com/foremanlabs/foreman/pkg/models"
)

const (
	// noResultPlaceholder lands in result.txt when neither the final
	// message nor the tool outputs yielded anything usable.
	noResultPlaceholder = "(No result generated)"

	// synthesisHeader opens a result synthesized from tool outputs after
	// the model produced no final summary.
	synthesisHeader = "[Worker completed task but produced no final summary. Tool outputs below:]"

	// synthesisOutputs and synthesisOutputCap bound how much tool output
	// the synthesized fallback carries.
	synthesisOutputs   = 3
	synthesisOutputCap = 2000
)

// RunnerConfig wires a Runner's collaborators.
type RunnerConfig struct {
	Store      storage.Store
	Caller     *engine.Caller
	Invoker    *tools.Invoker
	Registry   *tools.Registry
	Artifacts  *artifacts.Store
	Workspaces *workspace.Manager
	Executor   *workspace.Executor
	Workers    config.WorkersConfig
	LLM        config.LLMConfig
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// Runner executes one claimed job to completion. It owns the in-loop work
// only; row transitions and barrier notification stay with the Processor.
type Runner struct {
	store      storage.Store
	caller     *engine.Caller
	invoker    *tools.Invoker
	registry   *tools.Registry
	artifacts  *artifacts.Store
	workspaces *workspace.Manager
	executor   *workspace.Executor
	workers    config.WorkersConfig
	llm        config.LLMConfig
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewRunner builds a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	return &Runner{
		store:      cfg.Store,
		caller:     cfg.Caller,
		invoker:    cfg.Invoker,
		registry:   cfg.Registry,
		artifacts:  cfg.Artifacts,
		workspaces: cfg.Workspaces,
		executor:   cfg.Executor,
		workers:    cfg.Workers,
		llm:        cfg.LLM,
		logger:     logger.With("component", "worker"),
		metrics:    cfg.Metrics,
	}
}

// Outcome is what one job execution produced.
type Outcome struct {
	// Result is the text reported back to the supervisor.
	Result string

	// Artifact points at the stored result, when an artifact store is
	// configured.
	Artifact string

	// Iterations counts loop turns (standard mode only).
	Iterations int

	Usage models.Usage
}

// Execute runs the job in its declared mode. The returned error is already
// classified; the caller decides what it means for the job row.
func (r *Runner) Execute(ctx context.Context, job *models.WorkerJob, em *events.WorkerEmitter) (*Outcome, error) {
	switch job.Mode {
	case models.ModeWorkspace:
		return r.runWorkspace(ctx, job, em)
	default:
		return r.runStandard(ctx, job, em)
	}
}

// runStandard drives the bounded agent loop: call the model, execute any
// tool calls with the worker allowlist, feed results back, stop on a
// final answer or when the iteration budget runs out. The full exchange
// is appended to thread.jsonl as it happens; every LLM call is recorded
// in metrics.jsonl.
func (r *Runner) runStandard(ctx context.Context, job *models.WorkerJob, em *events.WorkerEmitter) (*Outcome, error) {
	run, err := r.store.GetRun(ctx, job.RunID)
	if err != nil {
		return nil, fault.Classify(models.KindInternal, "worker.run", err)
	}

	toolset := r.registry.ForRole(tools.RoleWorker)
	defs := engine.ToolDefs(toolset)
	system := engine.WorkerSystem(job)
	model := r.workerModel(job)
	out := &Outcome{}

	msgs := []models.Message{{Role: models.RoleUser, Content: job.Task, SentAt: time.Now().UTC()}}
	r.appendThread(ctx, job, msgs[0])

	// trail keeps every tool result in execution order for the fallback
	// synthesis at the end.
	var trail []*models.ToolResult

	maxIter := r.workers.MaxIterations
	if maxIter <= 0 {
		maxIter = 25
	}

	for out.Iterations < maxIter {
		if err := ctx.Err(); err != nil {
			return out, fault.E(models.KindCancelled, "worker.run", "job cancelled", err)
		}
		out.Iterations++

		req := &providers.Request{
			Model:           model,
			System:          system,
			Messages:        msgs,
			Tools:           defs,
			ReasoningEffort: job.ReasoningEffort,
		}
		start := time.Now()
		resp, err := r.caller.Complete(ctx, req, em, "worker_loop")
		if err != nil {
			return out, err
		}
		out.Usage.Add(resp.Usage)
		r.recordLLMCall(ctx, job, out.Iterations, model, resp.Usage, time.Since(start))

		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			SentAt:    time.Now().UTC(),
		}
		msgs = append(msgs, assistant)
		r.appendThread(ctx, job, assistant)

		if len(resp.ToolCalls) == 0 {
			break
		}

		batch := tools.Batch{Run: run, Role: tools.RoleWorker, WorkerID: job.WorkerID, Emitter: em}
		results := r.invoker.InvokeAll(ctx, batch, resp.ToolCalls)
		for _, res := range results {
			reply := models.Message{
				Role:       models.RoleTool,
				Content:    res.Content,
				ToolCallID: res.ToolCallID,
				SentAt:     time.Now().UTC(),
			}
			msgs = append(msgs, reply)
			trail = append(trail, res)
			r.appendToolReply(ctx, job, res, reply.SentAt)
		}
	}

	out.Result = extractResult(msgs)
	if out.Result == "" {
		out.Result = synthesizeFromTools(trail)
	}
	out.Artifact = r.saveResult(ctx, job, out.Result)
	if out.Result == "" {
		out.Result = noResultPlaceholder
	}
	r.saveMetadata(ctx, job, out, "standard", model)
	return out, nil
}

// runWorkspace clones the job's repository, runs the external agent on the
// work branch, and captures stdout plus the resulting diff as artifacts.
// Tool-level events do not exist in this mode: the agent is opaque.
func (r *Runner) runWorkspace(ctx context.Context, job *models.WorkerJob, em *events.WorkerEmitter) (*Outcome, error) {
	if r.workspaces == nil || r.executor == nil {
		return nil, fault.Errorf(models.KindInvalidInput, "worker.run",
			"workspace mode is not configured on this processor")
	}
	if job.GitRepo == "" {
		return nil, fault.Errorf(models.KindInvalidInput, "worker.run",
			"workspace job %d has no repository", job.ID)
	}

	co, err := r.workspaces.Setup(ctx, job.GitRepo, job.RunPublicID, job.BaseBranch)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cleanupErr := r.workspaces.Cleanup(context.WithoutCancel(ctx), co); cleanupErr != nil {
			r.logger.Warn(ctx, "checkout cleanup failed", "job_id", job.ID, "error", cleanupErr)
		}
	}()

	model := r.workerModel(job)
	out := &Outcome{}
	res, err := r.executor.Run(ctx, co, model, job.Task)
	if err != nil {
		return nil, err
	}

	// Capture what the agent produced before judging how it exited; a
	// failed run's partial diff is still worth keeping.
	if diff, diffErr := r.workspaces.CaptureDiff(context.WithoutCancel(ctx), co); diffErr != nil {
		r.logger.Warn(ctx, "diff capture failed", "job_id", job.ID, "error", diffErr)
	} else if diff != "" {
		r.putArtifact(ctx, job, artifacts.FileDiff, []byte(diff))
	}

	out.Result = strings.TrimSpace(res.Stdout)
	out.Artifact = r.saveResult(ctx, job, out.Result)
	if out.Result == "" {
		out.Result = noResultPlaceholder
	}
	r.saveMetadata(ctx, job, out, "workspace", model)

	switch {
	case res.TimedOut:
		return out, fault.Errorf(models.KindWorkerTimeout, "worker.run",
			"agent execution timed out after %s", res.Duration.Round(time.Second))
	case res.ExitCode != 0:
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit code: %d", res.ExitCode)
		}
		return out, fault.Errorf(models.KindToolExecutionError, "worker.run", "agent failed: %s", msg)
	}
	return out, nil
}

// workerModel resolves the model for a job: its own, then the configured
// worker default, then the supervisor default.
func (r *Runner) workerModel(job *models.WorkerJob) string {
	if job.Model != "" {
		return job.Model
	}
	if r.llm.WorkerModel != "" {
		return r.llm.WorkerModel
	}
	return r.llm.SupervisorModel
}

// extractResult returns the last assistant message with non-empty text.
func extractResult(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleAssistant {
			continue
		}
		if text := strings.TrimSpace(msgs[i].Content); text != "" {
			return text
		}
	}
	return ""
}

// synthesizeFromTools builds a fallback result from the most recent tool
// outputs when the model never wrote a final summary. Outputs appear in
// chronological order, each capped so one verbose tool cannot swamp the
// supervisor's context.
func synthesizeFromTools(trail []*models.ToolResult) string {
	var picked []*models.ToolResult
	for i := len(trail) - 1; i >= 0 && len(picked) < synthesisOutputs; i-- {
		if strings.TrimSpace(trail[i].Content) == "" {
			continue
		}
		picked = append(picked, trail[i])
	}
	if len(picked) == 0 {
		return ""
	}

	parts := []string{synthesisHeader}
	for i := len(picked) - 1; i >= 0; i-- {
		res := picked[i]
		content := truncateRunes(strings.TrimSpace(res.Content), synthesisOutputCap)
		name := res.Name
		if name == "" {
			name = "tool"
		}
		parts = append(parts, fmt.Sprintf("\n--- %s ---\n%s", name, content))
	}
	return strings.Join(parts, "\n")
}

// truncateRunes cuts s at max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// saveResult writes result.txt and returns its artifact key. Result
// persistence is best-effort: the text also travels on the job row.
func (r *Runner) saveResult(ctx context.Context, job *models.WorkerJob, result string) string {
	if r.artifacts == nil {
		return ""
	}
	body := result
	if body == "" {
		body = noResultPlaceholder
	}
	key := artifacts.WorkerKey(job.WorkerID, artifacts.FileResult)
	if _, err := r.artifacts.Put(ctx, key, []byte(body)); err != nil {
		r.logger.Warn(ctx, "result artifact write failed", "job_id", job.ID, "key", key, "error", err)
		return ""
	}
	return key
}

func (r *Runner) putArtifact(ctx context.Context, job *models.WorkerJob, name string, data []byte) {
	if r.artifacts == nil {
		return
	}
	key := artifacts.WorkerKey(job.WorkerID, name)
	if _, err := r.artifacts.Put(ctx, key, data); err != nil {
		r.logger.Warn(ctx, "artifact write failed", "job_id", job.ID, "key", key, "error", err)
	}
}

// threadEntry is one thread.jsonl row.
type threadEntry struct {
	Role       models.Role       `json:"role"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

func (r *Runner) appendThread(ctx context.Context, job *models.WorkerJob, msg models.Message) {
	entry := threadEntry{
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.SentAt,
	}
	if msg.Role == models.RoleAssistant {
		entry.ToolCalls = msg.ToolCalls
	}
	r.writeThreadEntry(ctx, job, entry)
}

// appendToolReply records a tool reply row. The tool name lives on the
// result, not the message, so this takes the richer source.
func (r *Runner) appendToolReply(ctx context.Context, job *models.WorkerJob, res *models.ToolResult, at time.Time) {
	r.writeThreadEntry(ctx, job, threadEntry{
		Role:       models.RoleTool,
		Content:    res.Content,
		Timestamp:  at,
		ToolCallID: res.ToolCallID,
		Name:       res.Name,
	})
}

func (r *Runner) writeThreadEntry(ctx context.Context, job *models.WorkerJob, entry threadEntry) {
	if r.artifacts == nil {
		return
	}
	key := artifacts.WorkerKey(job.WorkerID, artifacts.FileThread)
	if err := r.artifacts.AppendJSONL(ctx, key, entry); err != nil {
		r.logger.Warn(ctx, "thread append failed", "job_id", job.ID, "error", err)
	}
}

// llmCallRecord is one metrics.jsonl row.
type llmCallRecord struct {
	Phase            string    `json:"phase"`
	Iteration        int       `json:"iteration"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	DurationMS       int64     `json:"duration_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

func (r *Runner) recordLLMCall(ctx context.Context, job *models.WorkerJob, iteration int, model string, usage models.Usage, elapsed time.Duration) {
	if r.artifacts == nil {
		return
	}
	rec := llmCallRecord{
		Phase:            "worker_loop",
		Iteration:        iteration,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		DurationMS:       elapsed.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}
	key := artifacts.WorkerKey(job.WorkerID, artifacts.FileMetrics)
	if err := r.artifacts.AppendJSONL(ctx, key, rec); err != nil {
		r.logger.Warn(ctx, "metrics append failed", "job_id", job.ID, "error", err)
	}
}

// jobMetadata is metadata.json: the facts about one execution that do not
// belong in the conversation itself.
type jobMetadata struct {
	JobID       int64        `json:"job_id"`
	RunPublicID string       `json:"run_public_id"`
	WorkerID    string       `json:"worker_id"`
	Mode        string       `json:"mode"`
	Model       string       `json:"model"`
	Attempt     int          `json:"attempt"`
	Iterations  int          `json:"iterations,omitempty"`
	Usage       models.Usage `json:"usage"`
	FinishedAt  time.Time    `json:"finished_at"`
}

func (r *Runner) saveMetadata(ctx context.Context, job *models.WorkerJob, out *Outcome, mode, model string) {
	if r.artifacts == nil {
		return
	}
	meta := jobMetadata{
		JobID:       job.ID,
		RunPublicID: job.RunPublicID,
		WorkerID:    job.WorkerID,
		Mode:        mode,
		Model:       model,
		Attempt:     job.Attempts,
		Iterations:  out.Iterations,
		Usage:       out.Usage,
		FinishedAt:  time.Now().UTC(),
	}
	key := artifacts.WorkerKey(job.WorkerID, artifacts.FileMetadata)
	if _, err := r.artifacts.PutJSON(ctx, key, meta); err != nil {
		r.logger.Warn(ctx, "metadata write failed", "job_id", job.ID, "error", err)
	}
}
