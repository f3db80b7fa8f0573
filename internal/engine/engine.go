// Package engine runs the supervisor's ReAct loop: prompt the model with
// the thread so far, execute the tool calls it requests, feed the results
// back as tool messages, and repeat until the model answers without tools
// or delegates to workers.
//
// Spawn calls never execute in-loop. They are intercepted and turned into
// durable worker jobs in created status, and the loop returns a
// workers_pending interrupt so the orchestrator can admit the jobs behind
// a barrier and park the run. On resume the loop first synthesises one
// tool reply per worker result, then picks the conversation up where the
// interrupt left it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/providers"
	"github.com/foremanlabs/foreman/internal/queue"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/internal/tools"
	"github.com/foremanlabs/foreman/pkg/models"
)

// InterruptWorkersPending is the only interrupt kind: control left the
// loop because worker jobs were created and the run must wait for them.
const InterruptWorkersPending = "workers_pending"

// Heartbeat phase labels, one per reason the loop is waiting on the model.
const (
	phaseInitial       = "initial"
	phaseResume        = "resume"
	phaseToolIteration = "tool_iteration"
	phaseEmptyRetry    = "empty_retry"
)

// emptyResponseNudge is persisted as an internal system message when the
// model returns neither text nor tool calls, before the single retry.
const emptyResponseNudge = "Your previous response was empty. You MUST either:\n" +
	"1) Call the appropriate tool(s), OR\n" +
	"2) Provide a final answer.\n\n" +
	"Do not return an empty message."

// emptyTwiceResult closes the run when the retry comes back empty too.
const emptyTwiceResult = "Error: the model returned an empty response twice."

// CreatedJob pairs a worker job with the supervisor tool call that
// requested it, so the barrier can route the result back to the right
// reply slot on resume.
type CreatedJob struct {
	Job        *models.WorkerJob
	ToolCallID string
}

// Interrupt describes why the loop stopped short of completing the run.
type Interrupt struct {
	Kind        string
	CreatedJobs []CreatedJob
}

// Outcome is what one engine invocation produced. Interrupt nil means the
// run completed and Result holds the final answer. Usage and Iterations
// cover this invocation only; the orchestrator accumulates them onto the
// run record.
type Outcome struct {
	Result     string
	Interrupt  *Interrupt
	Usage      models.Usage
	Iterations int
}

// Config wires the engine's collaborators.
type Config struct {
	Providers *providers.Registry
	Tools     *tools.Registry
	Invoker   *tools.Invoker
	Store     storage.Store
	Queue     *queue.Queue
	Runs      config.RunsConfig
	LLM       config.LLMConfig
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

func (c *Config) sanitize() {
	if c.Runs.MaxIterations <= 0 {
		c.Runs.MaxIterations = 25
	}
	if c.Runs.MaxWorkersPerRun <= 0 {
		c.Runs.MaxWorkersPerRun = 20
	}
	if c.Runs.MaxSpawnRetries <= 0 {
		c.Runs.MaxSpawnRetries = 3
	}
	if c.Logger == nil {
		c.Logger = observability.Nop()
	}
}

// Engine drives supervisor runs. One Engine serves every run in the
// process; per-run state lives on the stack of Run.
type Engine struct {
	caller  *Caller
	tools   *tools.Registry
	invoker *tools.Invoker
	store   storage.Store
	queue   *queue.Queue
	runs    config.RunsConfig
	llm     config.LLMConfig
	logger  *observability.Logger
}

// New builds an engine.
func New(cfg Config) *Engine {
	cfg.sanitize()
	return &Engine{
		caller:  NewCaller(cfg.Providers, cfg.LLM, cfg.Runs.HeartbeatInterval, cfg.Logger, cfg.Metrics),
		tools:   cfg.Tools,
		invoker: cfg.Invoker,
		store:   cfg.Store,
		queue:   cfg.Queue,
		runs:    cfg.Runs,
		llm:     cfg.LLM,
		logger:  cfg.Logger,
	}
}

// Run executes the loop for one run until it completes, interrupts for
// workers, or fails. results carries the worker outcomes on resume and is
// nil on a fresh start. The returned error is always a classified fault;
// the orchestrator turns it into the run's terminal status. The Outcome is
// non-nil even on error so the usage and iterations spent before the
// failure still reach the run record.
func (e *Engine) Run(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, results []models.WorkerResult) (*Outcome, error) {
	out := &Outcome{}
	phase := phaseInitial

	history, err := e.store.ListMessages(ctx, run.ThreadID, true)
	if err != nil {
		return out, fault.Classify(models.KindInternal, "engine.run", err)
	}

	if len(results) > 0 {
		phase = phaseResume
		history, err = e.synthesizeWorkerReplies(ctx, run, history, results)
		if err != nil {
			return out, err
		}
	}

	history, created, err := e.recoverPendingCalls(ctx, run, emitter, history)
	if err != nil {
		return out, err
	}
	if len(created) > 0 {
		out.Interrupt = &Interrupt{Kind: InterruptWorkersPending, CreatedJobs: created}
		return out, nil
	}

	return e.loop(ctx, run, emitter, history, out, phase)
}

func (e *Engine) loop(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, history []*models.Message, out *Outcome, phase string) (*Outcome, error) {
	for {
		if err := e.checkCancelled(ctx, run); err != nil {
			return out, err
		}
		total := run.Iterations + out.Iterations
		if total >= e.runs.MaxIterations {
			return out, fault.Errorf(models.KindIterationLimit, "engine.run",
				"run stopped after %d iterations with work still pending", total)
		}
		out.Iterations++
		emitter.Iteration(ctx, total+1)

		resp, err := e.prompt(ctx, run, emitter, history, phase, out)
		if err != nil {
			return out, err
		}
		if isEmpty(resp) {
			resp, err = e.retryEmpty(ctx, run, emitter, &history, out)
			if err != nil {
				return out, err
			}
		}

		assistant := &models.Message{
			ThreadID:  run.ThreadID,
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			SentAt:    time.Now().UTC(),
		}
		if err := e.appendMessages(ctx, run.ThreadID, assistant); err != nil {
			return out, err
		}
		history = append(history, assistant)

		if len(resp.ToolCalls) == 0 {
			out.Result = resp.Content
			return out, nil
		}

		var created []CreatedJob
		history, created, err = e.dispatchCalls(ctx, run, emitter, history, resp.ToolCalls)
		if err != nil {
			return out, err
		}
		if len(created) > 0 {
			out.Interrupt = &Interrupt{Kind: InterruptWorkersPending, CreatedJobs: created}
			return out, nil
		}

		phase = phaseToolIteration
	}
}

// prompt performs one completion over the current history plus the fresh
// dynamic tail, and accumulates token usage onto the outcome.
func (e *Engine) prompt(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, history []*models.Message, phase string, out *Outcome) (*providers.Response, error) {
	model := run.Model
	if model == "" {
		model = e.llm.SupervisorModel
	}
	req := &providers.Request{
		Model:           model,
		System:          SupervisorSystem(run),
		Messages:        e.requestMessages(ctx, run, history),
		Tools:           ToolDefs(e.tools.ForRole(tools.RoleSupervisor)),
		ReasoningEffort: run.ReasoningEffort,
	}
	resp, err := e.caller.Complete(ctx, req, emitter, phase)
	if err != nil {
		return nil, err
	}
	out.Usage.Add(resp.Usage)
	return resp, nil
}

// requestMessages flattens the history and appends the ephemeral dynamic
// tail. A failure resolving fleet status degrades to an empty status line;
// the tail is advisory and must not kill the run.
func (e *Engine) requestMessages(ctx context.Context, run *models.Run, history []*models.Message) []models.Message {
	jobs, err := e.store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		e.logger.Warn(ctx, "worker status for prompt unavailable", "run", run.PublicID, "error", err)
		jobs = nil
	}
	msgs := make([]models.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, *m)
	}
	return append(msgs, dynamicTail(time.Now(), jobs, e.runs.MaxWorkersPerRun))
}

// retryEmpty handles a model reply with neither text nor tool calls: a
// corrective system message is persisted and the completion retried once.
// A second empty reply becomes a synthetic final answer instead of looping.
func (e *Engine) retryEmpty(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, history *[]*models.Message, out *Outcome) (*providers.Response, error) {
	e.logger.Warn(ctx, "empty model response, retrying once", "run", run.PublicID)
	nudge := &models.Message{
		ThreadID: run.ThreadID,
		Role:     models.RoleSystem,
		Content:  emptyResponseNudge,
		Internal: true,
		SentAt:   time.Now().UTC(),
	}
	if err := e.appendMessages(ctx, run.ThreadID, nudge); err != nil {
		return nil, err
	}
	*history = append(*history, nudge)

	resp, err := e.prompt(ctx, run, emitter, *history, phaseEmptyRetry, out)
	if err != nil {
		return nil, err
	}
	if isEmpty(resp) {
		e.logger.Warn(ctx, "model returned empty twice, giving up", "run", run.PublicID)
		return &providers.Response{Content: emptyTwiceResult}, nil
	}
	return resp, nil
}

// dispatchCalls executes one turn's tool calls: regular tools through the
// invoker, spawn calls through interception. Settled calls get their tool
// reply persisted now; created jobs get theirs on resume.
func (e *Engine) dispatchCalls(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, history []*models.Message, calls []models.ToolCall) ([]*models.Message, []CreatedJob, error) {
	spawnCalls, otherCalls := partitionCalls(calls)

	if len(otherCalls) > 0 {
		results := e.invoker.InvokeAll(ctx, tools.Batch{Run: run, Role: tools.RoleSupervisor, Emitter: emitter}, otherCalls)
		var err error
		history, err = e.appendToolReplies(ctx, run.ThreadID, history, results)
		if err != nil {
			return nil, nil, err
		}
	}

	if len(spawnCalls) == 0 {
		return history, nil, nil
	}
	if err := e.checkCancelled(ctx, run); err != nil {
		return nil, nil, err
	}

	created, results, err := e.interceptSpawns(ctx, run, emitter, spawnCalls)
	if err != nil {
		return nil, nil, err
	}
	history, err = e.appendToolReplies(ctx, run.ThreadID, history, results)
	if err != nil {
		return nil, nil, err
	}
	return history, created, nil
}

// interceptSpawns converts the turn's spawn calls into worker jobs,
// enforcing the per-run worker cap and the per-call retry budget. Calls
// that settle immediately (parse errors, cached completions, exhausted
// budgets) come back as tool results; the rest come back as created jobs.
func (e *Engine) interceptSpawns(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, calls []models.ToolCall) ([]CreatedJob, []*models.ToolResult, error) {
	jobs, err := e.store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		return nil, nil, fault.Classify(models.KindInternal, "engine.spawn", err)
	}
	spawned := len(jobs)

	var created []CreatedJob
	var results []*models.ToolResult
	for _, call := range calls {
		job, res, err := e.interceptSpawn(ctx, run, emitter, call, &spawned)
		if err != nil {
			return nil, nil, err
		}
		if job != nil {
			created = append(created, CreatedJob{Job: job, ToolCallID: call.ID})
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return created, results, nil
}

func (e *Engine) interceptSpawn(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, call models.ToolCall, spawned *int) (*models.WorkerJob, *models.ToolResult, error) {
	start := time.Now()
	emitter.ToolStarted(ctx, call.Name, call.ID, string(call.Args))

	args, err := tools.ParseSpawnArgs(call.Args)
	if err != nil {
		emitter.ToolFailed(ctx, call.Name, call.ID, err, time.Since(start))
		return nil, errorResult(call, err, start), nil
	}

	// The same tool call may already have a job: the loop can revisit a
	// call after a crash, a resume, or a worker failure.
	existing, err := e.store.GetJobByToolCall(ctx, run.ID, call.ID)
	switch {
	case err == nil:
		return e.reuseSpawn(ctx, run, emitter, call, existing, start)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, nil, fault.Classify(models.KindInternal, "engine.spawn", err)
	}

	if *spawned >= e.runs.MaxWorkersPerRun {
		err := fault.Errorf(models.KindInvalidInput, "engine.spawn",
			"worker limit reached: %d of %d workers already spawned this run; finish with the tools available",
			*spawned, e.runs.MaxWorkersPerRun)
		emitter.ToolFailed(ctx, call.Name, call.ID, err, time.Since(start))
		return nil, errorResult(call, err, start), nil
	}

	job := &models.WorkerJob{
		RunID:           run.ID,
		RunPublicID:     run.PublicID,
		OwnerID:         run.OwnerID,
		ToolCallID:      call.ID,
		Task:            args.Task,
		Mode:            args.ExecutionMode(),
		GitRepo:         args.GitRepo,
		BaseBranch:      args.BaseBranch,
		Model:           args.Model,
		ReasoningEffort: args.ReasoningEffort,
		TraceID:         run.TraceID,
	}
	if job.Model == "" {
		job.Model = run.Model
	}
	if job.ReasoningEffort == "" {
		job.ReasoningEffort = run.ReasoningEffort
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost a race with ourselves (duplicate call id in one turn);
			// fall back to the reuse path.
			existing, getErr := e.store.GetJobByToolCall(ctx, run.ID, call.ID)
			if getErr != nil {
				return nil, nil, fault.Classify(models.KindInternal, "engine.spawn", getErr)
			}
			return e.reuseSpawn(ctx, run, emitter, call, existing, start)
		}
		return nil, nil, fault.Classify(models.KindInternal, "engine.spawn", err)
	}
	*spawned++

	emitter.WorkerSpawned(ctx, job)
	emitter.ToolCompleted(ctx, call.Name, call.ID, fmt.Sprintf("Created worker job %d", job.ID), "", time.Since(start))
	e.logger.Info(ctx, "worker job created",
		"run", run.PublicID,
		"job_id", job.ID,
		"tool_call_id", call.ID,
		"mode", string(job.Mode))
	return job, nil, nil
}

// reuseSpawn resolves a spawn call whose tool_call_id already has a job.
func (e *Engine) reuseSpawn(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, call models.ToolCall, job *models.WorkerJob, start time.Time) (*models.WorkerJob, *models.ToolResult, error) {
	switch job.Status {
	case models.JobCompleted:
		// Already finished: hand back the cached result, spawn nothing.
		content := fmt.Sprintf("Worker job %d completed:\n\n%s", job.ID, job.ResultText)
		emitter.ToolCompleted(ctx, call.Name, call.ID, content, job.ResultArtifact, time.Since(start))
		return nil, &models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    content,
			Artifact:   job.ResultArtifact,
			DurationMS: time.Since(start).Milliseconds(),
		}, nil

	case models.JobCreated, models.JobQueued, models.JobRunning:
		// Still in flight from an earlier pass: adopt it into this wave
		// instead of double-spawning.
		emitter.ToolCompleted(ctx, call.Name, call.ID, fmt.Sprintf("Worker job %d already pending", job.ID), "", time.Since(start))
		return job, nil, nil

	default:
		// Terminal failure: respawn while the attempt budget allows,
		// otherwise settle the call with a final error result.
		if job.Attempts >= e.runs.MaxSpawnRetries {
			err := fault.Errorf(models.KindRetriesExhausted, "engine.spawn",
				"worker job %d failed %d times (last error: %s); not retrying", job.ID, job.Attempts, job.Error)
			emitter.ToolFailed(ctx, call.Name, call.ID, err, time.Since(start))
			return nil, errorResult(call, err, start), nil
		}
		if err := e.store.RespawnJob(ctx, job.ID); err != nil {
			return nil, nil, fault.Classify(models.KindInternal, "engine.spawn", err)
		}
		job.Status = models.JobCreated
		job.WorkerID = ""
		job.Error = ""
		job.ErrorKind = ""
		job.ResultText = ""
		job.ResultArtifact = ""
		job.StartedAt = nil
		job.FinishedAt = nil
		job.LastHeartbeat = nil
		emitter.ToolCompleted(ctx, call.Name, call.ID, fmt.Sprintf("Respawned worker job %d (attempt %d)", job.ID, job.Attempts+1), "", time.Since(start))
		e.logger.Info(ctx, "worker job respawned",
			"run", run.PublicID,
			"job_id", job.ID,
			"tool_call_id", call.ID,
			"attempts", job.Attempts)
		return job, nil, nil
	}
}

// synthesizeWorkerReplies turns the resume directive's worker results into
// one tool reply message per tuple, keyed by the spawn call id. Replies
// already in the thread are skipped, so a resume redelivered after a crash
// cannot double-append.
func (e *Engine) synthesizeWorkerReplies(ctx context.Context, run *models.Run, history []*models.Message, results []models.WorkerResult) ([]*models.Message, error) {
	replied := respondedCalls(history)
	now := time.Now().UTC()
	var msgs []*models.Message
	for _, r := range results {
		if r.ToolCallID == "" || replied[r.ToolCallID] {
			continue
		}
		msgs = append(msgs, &models.Message{
			ThreadID:   run.ThreadID,
			Role:       models.RoleTool,
			Content:    workerReply(r),
			ToolCallID: r.ToolCallID,
			SentAt:     now,
		})
		replied[r.ToolCallID] = true
	}
	if len(msgs) == 0 {
		return history, nil
	}
	if err := e.appendMessages(ctx, run.ThreadID, msgs...); err != nil {
		return nil, err
	}
	return append(history, msgs...), nil
}

// recoverPendingCalls re-dispatches tool calls of the newest assistant
// message that never received a reply. The gap appears after a crash
// between persisting the assistant turn and its tool results, or when a
// spawn call's job creation never committed. Providers reject assistant
// tool calls without replies, so the gap must close before the next
// completion.
func (e *Engine) recoverPendingCalls(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, history []*models.Message) ([]*models.Message, []CreatedJob, error) {
	last := lastAssistant(history)
	if last == nil || len(last.ToolCalls) == 0 {
		return history, nil, nil
	}
	replied := respondedCalls(history)
	var pending []models.ToolCall
	for _, call := range last.ToolCalls {
		if !replied[call.ID] {
			pending = append(pending, call)
		}
	}
	if len(pending) == 0 {
		return history, nil, nil
	}

	e.logger.Warn(ctx, "recovering unreplied tool calls",
		"run", run.PublicID,
		"count", len(pending))
	return e.dispatchCalls(ctx, run, emitter, history, pending)
}

// checkCancelled is the cooperative cancellation poll. Cancellation can
// arrive through the context or by another session flipping the run's
// status; both stop the loop before the next expensive step.
func (e *Engine) checkCancelled(ctx context.Context, run *models.Run) error {
	if err := ctx.Err(); err != nil {
		return fault.E(models.KindCancelled, "engine.run", err)
	}
	current, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return fault.Classify(models.KindInternal, "engine.run", err)
	}
	if current.Status == models.RunCancelled {
		return fault.Errorf(models.KindCancelled, "engine.run", "run %s was cancelled", run.PublicID)
	}
	return nil
}

func (e *Engine) appendMessages(ctx context.Context, threadID int64, msgs ...*models.Message) error {
	if err := e.store.AppendMessages(ctx, threadID, msgs); err != nil {
		return fault.Classify(models.KindInternal, "engine.run", err)
	}
	return nil
}

func (e *Engine) appendToolReplies(ctx context.Context, threadID int64, history []*models.Message, results []*models.ToolResult) ([]*models.Message, error) {
	if len(results) == 0 {
		return history, nil
	}
	msgs := toolMessages(threadID, results, time.Now().UTC())
	if err := e.appendMessages(ctx, threadID, msgs...); err != nil {
		return nil, err
	}
	return append(history, msgs...), nil
}

// workerReply renders one worker outcome as the tool reply content the
// model reads. The error kind is spelled out so the model can tell a
// respawnable timeout from a hard failure.
func workerReply(r models.WorkerResult) string {
	switch r.Status {
	case models.BarrierJobCompleted:
		return "Worker completed:\n\n" + r.Result
	case models.BarrierJobTimeout:
		reason := r.Error
		if reason == "" {
			reason = "the worker missed the barrier deadline"
		}
		kind := r.ErrorKind
		if kind == "" {
			kind = string(models.KindWorkerTimeout)
		}
		return withPartial("Worker timed out ("+kind+"):\n\nError: "+reason, r.Result)
	default:
		reason := r.Error
		if reason == "" {
			reason = "unknown error"
		}
		msg := "Worker failed"
		if r.ErrorKind != "" {
			msg += " (" + r.ErrorKind + ")"
		}
		return withPartial(msg+":\n\nError: "+reason, r.Result)
	}
}

func withPartial(msg, partial string) string {
	if partial == "" {
		return msg
	}
	return msg + "\n\nPartial result: " + partial
}

func toolMessages(threadID int64, results []*models.ToolResult, at time.Time) []*models.Message {
	msgs := make([]*models.Message, 0, len(results))
	for _, res := range results {
		msgs = append(msgs, &models.Message{
			ThreadID:   threadID,
			Role:       models.RoleTool,
			Content:    res.Content,
			ToolCallID: res.ToolCallID,
			SentAt:     at,
		})
	}
	return msgs
}

func errorResult(call models.ToolCall, err error, start time.Time) *models.ToolResult {
	return &models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    err.Error(),
		IsError:    true,
		Kind:       string(fault.KindOf(err)),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func partitionCalls(calls []models.ToolCall) (spawn, other []models.ToolCall) {
	for _, call := range calls {
		if call.Name == tools.SpawnToolName {
			spawn = append(spawn, call)
		} else {
			other = append(other, call)
		}
	}
	return spawn, other
}

func respondedCalls(history []*models.Message) map[string]bool {
	replied := make(map[string]bool)
	for _, m := range history {
		if m.Role == models.RoleTool && m.ToolCallID != "" {
			replied[m.ToolCallID] = true
		}
	}
	return replied
}

func lastAssistant(history []*models.Message) *models.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant {
			return history[i]
		}
	}
	return nil
}

func isEmpty(resp *providers.Response) bool {
	return strings.TrimSpace(resp.Content) == "" && len(resp.ToolCalls) == 0
}
