package events

import (
	"context"
	"time"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Preview caps keep event payloads bounded. Full outputs belong in
// artifacts; events carry just enough to render a timeline.
const (
	argsPreviewLimit   = 200
	resultPreviewLimit = 500
	errorPreviewLimit  = 500
)

// SupervisorEmitter writes supervisor-scoped events for one run. Identity is
// fixed at construction so no call site can emit under the wrong run, and
// emit failures are logged rather than raised: losing a timeline entry must
// never fail the operation that produced it.
type SupervisorEmitter struct {
	log    *Log
	logger *observability.Logger

	runID              int64
	runPublicID        string
	assistantMessageID string
	traceID            string
	model              string
}

// NewSupervisorEmitter binds an emitter to run.
func NewSupervisorEmitter(log *Log, logger *observability.Logger, run *models.Run) *SupervisorEmitter {
	if logger == nil {
		logger = observability.Nop()
	}
	return &SupervisorEmitter{
		log:                log,
		logger:             logger,
		runID:              run.ID,
		runPublicID:        run.PublicID,
		assistantMessageID: run.AssistantMessageID,
		traceID:            run.TraceID,
		model:              run.Model,
	}
}

func (e *SupervisorEmitter) meta() models.EventMeta {
	return models.EventMeta{
		Role:               "supervisor",
		AssistantMessageID: e.assistantMessageID,
		TraceID:            e.traceID,
	}
}

func (e *SupervisorEmitter) emit(ctx context.Context, typ models.EventType, payload any) {
	if _, err := e.log.Append(ctx, e.runID, e.runPublicID, typ, payload); err != nil {
		e.logger.Warn(ctx, "event emit failed",
			"event_type", string(typ),
			"error", err,
		)
	}
}

// Started marks the run entering the loop.
func (e *SupervisorEmitter) Started(ctx context.Context, task string) {
	e.emit(ctx, models.EventSupervisorStarted, models.SupervisorStartedPayload{
		EventMeta:   e.meta(),
		Model:       e.model,
		TaskPreview: truncate(task, argsPreviewLimit),
	})
}

// Iteration marks one loop turn. n is 1-based.
func (e *SupervisorEmitter) Iteration(ctx context.Context, n int) {
	e.emit(ctx, models.EventSupervisorIteration, models.IterationPayload{
		EventMeta: e.meta(),
		Iteration: n,
	})
}

// ToolStarted records one supervisor tool invocation beginning.
func (e *SupervisorEmitter) ToolStarted(ctx context.Context, tool, toolCallID, args string) {
	e.emit(ctx, models.EventSupervisorToolStarted, models.ToolStartedPayload{
		EventMeta:   e.meta(),
		Tool:        tool,
		ToolCallID:  toolCallID,
		ArgsPreview: truncate(args, argsPreviewLimit),
	})
}

// ToolCompleted records a successful tool invocation. artifact names the
// stored blob when the full output was spilled out of the event.
func (e *SupervisorEmitter) ToolCompleted(ctx context.Context, tool, toolCallID, result, artifact string, elapsed time.Duration) {
	e.emit(ctx, models.EventSupervisorToolCompleted, models.ToolCompletedPayload{
		EventMeta:     e.meta(),
		Tool:          tool,
		ToolCallID:    toolCallID,
		ResultPreview: truncate(result, resultPreviewLimit),
		Artifact:      artifact,
		DurationMS:    elapsed.Milliseconds(),
	})
}

// ToolFailed records a failed tool invocation.
func (e *SupervisorEmitter) ToolFailed(ctx context.Context, tool, toolCallID string, err error, elapsed time.Duration) {
	e.emit(ctx, models.EventSupervisorToolFailed, models.ToolFailedPayload{
		EventMeta:  e.meta(),
		Tool:       tool,
		ToolCallID: toolCallID,
		Error:      truncate(errText(err), errorPreviewLimit),
		ErrorKind:  string(fault.KindOf(err)),
		DurationMS: elapsed.Milliseconds(),
	})
}

// WorkerSpawned records one durable job created by a spawn call.
func (e *SupervisorEmitter) WorkerSpawned(ctx context.Context, job *models.WorkerJob) {
	e.emit(ctx, models.EventWorkerSpawned, models.WorkerSpawnedPayload{
		EventMeta:    e.meta(),
		SpawnedJobID: job.ID,
		ToolCallID:   job.ToolCallID,
		Mode:         string(job.Mode),
		TaskPreview:  truncate(job.Task, argsPreviewLimit),
	})
}

// Interrupted records the run parking on a freshly installed barrier.
func (e *SupervisorEmitter) Interrupted(ctx context.Context, barrier *models.Barrier, jobIDs []int64) {
	var deadline time.Time
	if barrier.Deadline != nil {
		deadline = *barrier.Deadline
	}
	e.emit(ctx, models.EventSupervisorInterrupted, models.InterruptedPayload{
		EventMeta:     e.meta(),
		BarrierID:     barrier.ID,
		ExpectedCount: barrier.ExpectedCount,
		JobIDs:        jobIDs,
		Deadline:      deadline,
	})
}

// Resumed records the run waking with worker results.
func (e *SupervisorEmitter) Resumed(ctx context.Context, barrierID int64, completed, timedOut int) {
	e.emit(ctx, models.EventSupervisorResumed, models.ResumedPayload{
		EventMeta: e.meta(),
		BarrierID: barrierID,
		Completed: completed,
		TimedOut:  timedOut,
	})
}

// Complete is the terminal success event.
func (e *SupervisorEmitter) Complete(ctx context.Context, result string, iterations int, usage models.Usage) {
	e.emit(ctx, models.EventSupervisorComplete, models.CompletePayload{
		EventMeta:  e.meta(),
		Result:     result,
		Iterations: iterations,
		Usage:      usage,
	})
}

// Failed is the terminal failure event.
func (e *SupervisorEmitter) Failed(ctx context.Context, err error, iterations int) {
	e.emit(ctx, models.EventSupervisorFailed, models.FailedPayload{
		EventMeta:  e.meta(),
		Error:      truncate(errText(err), errorPreviewLimit),
		ErrorKind:  string(fault.KindOf(err)),
		Iterations: iterations,
	})
}

// Heartbeat is a bus-only liveness signal for connected streams.
func (e *SupervisorEmitter) Heartbeat(ctx context.Context, phase string) {
	e.emit(ctx, models.EventHeartbeat, models.HeartbeatPayload{
		EventMeta: e.meta(),
		Phase:     phase,
	})
}

// Token is a bus-only streaming text delta.
func (e *SupervisorEmitter) Token(ctx context.Context, delta string) {
	e.emit(ctx, models.EventToken, models.TokenPayload{
		EventMeta: e.meta(),
		Delta:     delta,
	})
}

// WorkerEmitter writes worker-scoped events for one claimed job. Like the
// supervisor emitter it fixes identity at construction and never raises.
type WorkerEmitter struct {
	log    *Log
	logger *observability.Logger

	runID       int64
	runPublicID string
	workerID    string
	jobID       int64
	traceID     string

	mode    models.ExecutionMode
	task    string
	attempt int
}

// NewWorkerEmitter binds an emitter to a claimed job. The job must carry the
// worker id and attempt count stamped by the claim.
func NewWorkerEmitter(log *Log, logger *observability.Logger, job *models.WorkerJob) *WorkerEmitter {
	if logger == nil {
		logger = observability.Nop()
	}
	return &WorkerEmitter{
		log:         log,
		logger:      logger,
		runID:       job.RunID,
		runPublicID: job.RunPublicID,
		workerID:    job.WorkerID,
		jobID:       job.ID,
		traceID:     job.TraceID,
		mode:        job.Mode,
		task:        job.Task,
		attempt:     job.Attempts,
	}
}

func (e *WorkerEmitter) meta() models.EventMeta {
	return models.EventMeta{
		Role:     "worker",
		WorkerID: e.workerID,
		JobID:    e.jobID,
		TraceID:  e.traceID,
	}
}

func (e *WorkerEmitter) emit(ctx context.Context, typ models.EventType, payload any) {
	if _, err := e.log.Append(ctx, e.runID, e.runPublicID, typ, payload); err != nil {
		e.logger.Warn(ctx, "event emit failed",
			"event_type", string(typ),
			"error", err,
		)
	}
}

// Started marks the job beginning execution on this worker.
func (e *WorkerEmitter) Started(ctx context.Context) {
	e.emit(ctx, models.EventWorkerStarted, models.WorkerStartedPayload{
		EventMeta:   e.meta(),
		Attempt:     e.attempt,
		Mode:        string(e.mode),
		TaskPreview: truncate(e.task, argsPreviewLimit),
	})
}

// ToolStarted records one worker tool invocation beginning.
func (e *WorkerEmitter) ToolStarted(ctx context.Context, tool, toolCallID, args string) {
	e.emit(ctx, models.EventWorkerToolStarted, models.ToolStartedPayload{
		EventMeta:   e.meta(),
		Tool:        tool,
		ToolCallID:  toolCallID,
		ArgsPreview: truncate(args, argsPreviewLimit),
	})
}

// ToolCompleted records a successful worker tool invocation.
func (e *WorkerEmitter) ToolCompleted(ctx context.Context, tool, toolCallID, result, artifact string, elapsed time.Duration) {
	e.emit(ctx, models.EventWorkerToolCompleted, models.ToolCompletedPayload{
		EventMeta:     e.meta(),
		Tool:          tool,
		ToolCallID:    toolCallID,
		ResultPreview: truncate(result, resultPreviewLimit),
		Artifact:      artifact,
		DurationMS:    elapsed.Milliseconds(),
	})
}

// ToolFailed records a failed worker tool invocation.
func (e *WorkerEmitter) ToolFailed(ctx context.Context, tool, toolCallID string, err error, elapsed time.Duration) {
	e.emit(ctx, models.EventWorkerToolFailed, models.ToolFailedPayload{
		EventMeta:  e.meta(),
		Tool:       tool,
		ToolCallID: toolCallID,
		Error:      truncate(errText(err), errorPreviewLimit),
		ErrorKind:  string(fault.KindOf(err)),
		DurationMS: elapsed.Milliseconds(),
	})
}

// Complete is the worker's terminal success event.
func (e *WorkerEmitter) Complete(ctx context.Context, result, artifact string, elapsed time.Duration) {
	e.emit(ctx, models.EventWorkerComplete, models.WorkerCompletePayload{
		EventMeta:     e.meta(),
		ResultPreview: truncate(result, resultPreviewLimit),
		Artifact:      artifact,
		DurationMS:    elapsed.Milliseconds(),
	})
}

// Failed is the worker's terminal failure event.
func (e *WorkerEmitter) Failed(ctx context.Context, err error, elapsed time.Duration) {
	e.emit(ctx, models.EventWorkerFailed, models.WorkerFailedPayload{
		EventMeta:  e.meta(),
		Error:      truncate(errText(err), errorPreviewLimit),
		ErrorKind:  string(fault.KindOf(err)),
		DurationMS: elapsed.Milliseconds(),
	})
}

// Heartbeat is a bus-only liveness signal scoped to this worker.
func (e *WorkerEmitter) Heartbeat(ctx context.Context, phase string) {
	e.emit(ctx, models.EventHeartbeat, models.HeartbeatPayload{
		EventMeta: e.meta(),
		Phase:     phase,
	})
}

// truncate caps s at max runes, marking the cut. Splitting inside a rune
// would corrupt the JSON payload, so the cut is counted in runes even though
// max reads like bytes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
