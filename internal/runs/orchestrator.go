// Package runs drives the lifecycle of a supervisor run: create, start,
// park on a worker barrier, resume when the barrier releases, finalize
// exactly once.
//
// The orchestrator owns every run status transition. The ReAct engine only
// reports what happened (a result, an interrupt, an error); translating
// that into run state, barrier installs and terminal stamps happens here,
// so the state machine lives in one place.
package runs

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/foremanlabs/foreman/internal/barrier"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/engine"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/queue"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

// resumeStallAge is how long a run may sit in waiting with its barrier
// already resuming before the recovery sweep re-dispatches the directive.
// Only a crash between the barrier flip and the resume goroutine leaves a
// run in that state.
const resumeStallAge = time.Minute

// Config wires the orchestrator's collaborators.
type Config struct {
	Store       storage.Store
	Engine      *engine.Engine
	Coordinator *barrier.Coordinator
	Queue       *queue.Queue
	Log         *events.Log

	Runs config.RunsConfig
	LLM  config.LLMConfig

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Orchestrator runs the supervisor lifecycle state machine.
//
// Supervisor segments (start and resume) execute on goroutines owned by the
// orchestrator, detached from request contexts, so a client disconnect
// never kills a run. Shutdown drains them.
type Orchestrator struct {
	store   storage.Store
	engine  *engine.Engine
	coord   *barrier.Coordinator
	queue   *queue.Queue
	log     *events.Log
	cfg     config.RunsConfig
	llm     config.LLMConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the orchestrator and registers it as the coordinator's resume
// handler.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:   cfg.Store,
		engine:  cfg.Engine,
		coord:   cfg.Coordinator,
		queue:   cfg.Queue,
		log:     cfg.Log,
		cfg:     cfg.Runs,
		llm:     cfg.LLM,
		logger:  cfg.Logger.With("component", "orchestrator"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		base:    base,
		cancel:  cancel,
	}
	if o.coord != nil {
		o.coord.SetResumeHandler(o)
	}
	return o
}

// StartRequest describes a new run. ThreadID zero creates a fresh thread
// owned by OwnerID; otherwise the thread must exist and belong to the owner.
type StartRequest struct {
	OwnerID         int64
	ThreadID        int64
	Task            string
	Model           string
	ReasoningEffort string
}

// Create persists the user message and the run row in queued. It does not
// start the supervisor; call Launch (or Start directly) with the returned
// run.
func (o *Orchestrator) Create(ctx context.Context, req StartRequest) (*models.Run, error) {
	if req.Task == "" {
		return nil, fault.Errorf(models.KindInvalidInput, "runs.create", "task is empty")
	}
	if req.OwnerID <= 0 {
		return nil, fault.Errorf(models.KindInvalidInput, "runs.create", "owner id is required")
	}

	now := time.Now().UTC()
	threadID := req.ThreadID
	if threadID == 0 {
		thread := &models.Thread{
			OwnerID:   req.OwnerID,
			Title:     titlePreview(req.Task),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := o.store.CreateThread(ctx, thread); err != nil {
			return nil, fault.Classify(models.KindInternal, "runs.create", err)
		}
		threadID = thread.ID
	} else {
		thread, err := o.store.GetThread(ctx, threadID)
		if err != nil {
			return nil, fault.Classify(models.KindInvalidInput, "runs.create", err)
		}
		if thread.OwnerID != req.OwnerID {
			return nil, fault.Errorf(models.KindInvalidInput, "runs.create", "thread %d does not belong to owner", threadID)
		}
	}

	err := o.store.AppendMessages(ctx, threadID, []*models.Message{{
		ThreadID: threadID,
		Role:     models.RoleUser,
		Content:  req.Task,
		SentAt:   now,
	}})
	if err != nil {
		return nil, fault.Classify(models.KindInternal, "runs.create", err)
	}

	model := req.Model
	if model == "" {
		model = o.llm.SupervisorModel
	}
	traceID := observability.GetTraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}

	run := &models.Run{
		PublicID:           uuid.NewString(),
		OwnerID:            req.OwnerID,
		ThreadID:           threadID,
		Status:             models.RunQueued,
		Model:              model,
		ReasoningEffort:    req.ReasoningEffort,
		AssistantMessageID: uuid.NewString(),
		TraceID:            traceID,
		CreatedAt:          now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fault.Classify(models.KindInternal, "runs.create", err)
	}

	o.logger.Info(ctx, "run created",
		"run_id", run.PublicID,
		"owner_id", run.OwnerID,
		"thread_id", threadID,
		"model", run.Model,
	)
	return run, nil
}

// Launch starts the supervisor segment on an orchestrator-owned goroutine
// and returns immediately. The segment survives the caller's context.
func (o *Orchestrator) Launch(run *models.Run, task string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.recoverSegment(run)
		if err := o.Start(o.base, run, task); err != nil {
			o.logger.Error(o.base, "run segment failed", "run_id", run.PublicID, "error", err)
		}
	}()
}

// Start claims the queued run and drives the supervisor until it completes,
// fails or parks on a barrier. Claiming is a compare-and-swap on the run
// status, so concurrent starters collapse to one.
func (o *Orchestrator) Start(ctx context.Context, run *models.Run, task string) error {
	ctx = o.runContext(ctx, run)

	changed, err := o.store.TransitionRun(ctx, run.ID, models.RunQueued, models.RunRunning, time.Now().UTC())
	if err != nil {
		return fault.Classify(models.KindInternal, "runs.start", err)
	}
	if !changed {
		o.logger.Warn(ctx, "run not queued, start skipped", "run_id", run.PublicID)
		return nil
	}
	run.Status = models.RunRunning

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceRun(ctx, run.PublicID, run.OwnerID)
		defer span.End()
	}

	emitter := events.NewSupervisorEmitter(o.log, o.logger, run)
	emitter.Started(ctx, task)
	o.logger.Info(ctx, "run started", "run_id", run.PublicID, "model", run.Model)

	return o.segment(ctx, run, emitter, nil)
}

// HandleResume receives the barrier directive. It is called from the
// goroutine of whichever worker (or reaper) completed the barrier and must
// not block it, so the supervisor segment runs detached.
func (o *Orchestrator) HandleResume(ctx context.Context, d *barrier.Directive) error {
	if d == nil {
		return fault.Errorf(models.KindInvalidInput, "runs.resume", "nil directive")
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.recoverResume(d)
		o.resume(o.base, d)
	}()
	return nil
}

func (o *Orchestrator) resume(ctx context.Context, d *barrier.Directive) {
	run, err := o.store.GetRun(ctx, d.RunID)
	if err != nil {
		o.logger.Error(ctx, "resume: run lookup failed", "run_db_id", d.RunID, "error", err)
		return
	}
	ctx = o.runContext(ctx, run)

	// The idempotency gate. Exactly one resume can move the run out of
	// waiting; a duplicate directive, a cancel or a timeout sweep landing
	// first all leave nothing to do here.
	changed, err := o.store.TransitionRun(ctx, run.ID, models.RunWaiting, models.RunRunning, time.Now().UTC())
	if err != nil {
		o.logger.Error(ctx, "resume: transition failed", "run_id", run.PublicID, "error", err)
		return
	}
	if !changed {
		o.logger.Warn(ctx, "resume skipped, run no longer waiting",
			"run_id", run.PublicID,
			"status", run.Status,
			"barrier_id", d.BarrierID,
		)
		o.consumeBarrier(ctx, d.BarrierID)
		return
	}
	run.Status = models.RunRunning
	o.consumeBarrier(ctx, d.BarrierID)

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceRun(ctx, run.PublicID, run.OwnerID)
		defer span.End()
	}

	emitter := events.NewSupervisorEmitter(o.log, o.logger, run)
	emitter.Resumed(ctx, d.BarrierID, d.Completed, d.TimedOut)
	o.logger.Info(ctx, "run resumed",
		"run_id", run.PublicID,
		"barrier_id", d.BarrierID,
		"completed", d.Completed,
		"timed_out", d.TimedOut,
	)

	if err := o.segment(ctx, run, emitter, d.Results); err != nil {
		o.logger.Error(ctx, "resume segment failed", "run_id", run.PublicID, "error", err)
	}
}

// segment runs one engine invocation and settles its outcome: terminal
// success, terminal failure, or parked behind a fresh barrier.
func (o *Orchestrator) segment(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, results []models.WorkerResult) error {
	out, err := o.engine.Run(ctx, run, emitter, results)
	if out != nil {
		run.Usage.Add(out.Usage)
		run.Iterations += out.Iterations
		if out.Iterations > 0 || out.Usage.TotalTokens > 0 {
			if uerr := o.store.AddRunUsage(context.WithoutCancel(ctx), run.ID, out.Usage, out.Iterations); uerr != nil {
				o.logger.Warn(ctx, "usage accumulation failed", "run_id", run.PublicID, "error", uerr)
			}
		}
	}
	if err != nil {
		return o.fail(ctx, run, emitter, err)
	}
	if out.Interrupt != nil {
		return o.park(ctx, run, emitter, out.Interrupt)
	}
	return o.complete(ctx, run, emitter, out.Result)
}

// park installs the barrier for the interrupt's jobs, puts the interrupt
// event on the log and only then admits the jobs to claimants. The event
// id is therefore always below every worker event of the generation, which
// is the ordering streaming clients rely on.
func (o *Orchestrator) park(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, intr *engine.Interrupt) error {
	members := make([]storage.BarrierMember, 0, len(intr.CreatedJobs))
	jobIDs := make([]int64, 0, len(intr.CreatedJobs))
	for _, cj := range intr.CreatedJobs {
		members = append(members, storage.BarrierMember{JobID: cj.Job.ID, ToolCallID: cj.ToolCallID})
		jobIDs = append(jobIDs, cj.Job.ID)
	}

	b, err := o.coord.Install(ctx, run.ID, members)
	if err != nil {
		// Jobs stay in created and are invisible; the orphan sweep fails
		// them later.
		return o.fail(ctx, run, emitter, fault.Classify(models.KindInternal, "runs.park", err))
	}
	run.Status = models.RunWaiting

	emitter.Interrupted(ctx, b, jobIDs)

	if err := o.coord.Admit(ctx, b); err != nil {
		// The run is parked but its jobs are unclaimable. The barrier
		// deadline settles it with timeout results, so log loudly rather
		// than failing a recoverable run.
		o.logger.Error(ctx, "job admission failed, barrier deadline will settle the run",
			"run_id", run.PublicID,
			"barrier_id", b.ID,
			"error", err,
		)
		return err
	}

	o.logger.Info(ctx, "run waiting on workers",
		"run_id", run.PublicID,
		"barrier_id", b.ID,
		"expected", b.ExpectedCount,
		"deadline", b.Deadline.Format(time.RFC3339),
	)
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, result string) error {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	stamped, err := o.store.FinishRun(ctx, run.ID, models.RunSuccess, "", "", now, durationMS(run, now))
	if err != nil {
		return fault.Classify(models.KindInternal, "runs.finish", err)
	}
	if !stamped {
		o.logger.Warn(ctx, "run already finished, success stamp skipped", "run_id", run.PublicID)
		return nil
	}
	run.Status = models.RunSuccess

	emitter.Complete(ctx, result, run.Iterations, run.Usage)
	if o.metrics != nil {
		o.metrics.RecordRunFinished(string(models.RunSuccess), durationSeconds(run, now), run.Iterations)
	}
	o.logger.Info(ctx, "run complete",
		"run_id", run.PublicID,
		"iterations", run.Iterations,
		"total_tokens", run.Usage.TotalTokens,
	)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, run *models.Run, emitter *events.SupervisorEmitter, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	kind := fault.KindOf(runErr)
	status := models.RunFailed
	switch kind {
	case models.KindCancelled:
		status = models.RunCancelled
	case models.KindRunTimeout:
		status = models.RunTimeout
	}

	now := time.Now().UTC()
	stamped, err := o.store.FinishRun(ctx, run.ID, status, string(kind), runErr.Error(), now, durationMS(run, now))
	if err != nil {
		o.logger.Error(ctx, "failure stamp failed", "run_id", run.PublicID, "error", err)
		return runErr
	}
	if !stamped {
		// Cancel or the timeout sweep finished the run first; their stamp
		// and terminal event stand.
		o.logger.Debug(ctx, "run already finished, failure stamp skipped", "run_id", run.PublicID)
		return runErr
	}
	run.Status = status

	emitter.Failed(ctx, runErr, run.Iterations)
	if o.metrics != nil {
		o.metrics.RecordRunFinished(string(status), durationSeconds(run, now), run.Iterations)
	}
	o.logger.Error(ctx, "run failed",
		"run_id", run.PublicID,
		"error_kind", string(kind),
		"error", runErr,
		"iterations", run.Iterations,
	)
	return runErr
}

// Cancel finishes the run as cancelled, deactivates its barrier, drops
// pending jobs and stamps running jobs terminal so their workers observe
// the cancellation through the heartbeat lease. Idempotent: cancelling a
// terminal run returns it unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, publicID string, ownerID int64) (*models.Run, error) {
	run, err := o.lookup(ctx, publicID, ownerID, "runs.cancel")
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	ctx = o.runContext(ctx, run)

	now := time.Now().UTC()
	cancelErr := fault.Errorf(models.KindCancelled, "runs.cancel", "run cancelled by user")
	stamped, err := o.store.FinishRun(ctx, run.ID, models.RunCancelled, string(models.KindCancelled), cancelErr.Error(), now, durationMS(run, now))
	if err != nil {
		return nil, fault.Classify(models.KindInternal, "runs.cancel", err)
	}
	if !stamped {
		return o.store.GetRunByPublicID(ctx, publicID)
	}

	if err := o.coord.Deactivate(ctx, run.ID); err != nil {
		o.logger.Warn(ctx, "barrier deactivation failed", "run_id", run.PublicID, "error", err)
	}
	if _, err := o.queue.Cancel(ctx, run.ID); err != nil {
		o.logger.Warn(ctx, "pending job cancellation failed", "run_id", run.PublicID, "error", err)
	}
	o.terminateRunningJobs(ctx, run)

	run.Status = models.RunCancelled
	run.Error = cancelErr.Error()
	run.ErrorKind = string(models.KindCancelled)

	emitter := events.NewSupervisorEmitter(o.log, o.logger, run)
	emitter.Failed(ctx, cancelErr, run.Iterations)
	if o.metrics != nil {
		o.metrics.RecordRunFinished(string(models.RunCancelled), durationSeconds(run, now), run.Iterations)
	}
	o.logger.Info(ctx, "run cancelled", "run_id", run.PublicID)
	return run, nil
}

// Get returns the run for its public id, scoped to the owner.
func (o *Orchestrator) Get(ctx context.Context, publicID string, ownerID int64) (*models.Run, error) {
	return o.lookup(ctx, publicID, ownerID, "runs.get")
}

// Snapshot assembles the authoritative point-in-time view of a run: status,
// last assistant reply, the worker map and the event high-water mark. Late
// joiners render it, then replay events after LastEventID.
func (o *Orchestrator) Snapshot(ctx context.Context, publicID string, ownerID int64) (*models.Snapshot, error) {
	run, err := o.lookup(ctx, publicID, ownerID, "runs.snapshot")
	if err != nil {
		return nil, err
	}

	snap := &models.Snapshot{Run: run, LastEventID: run.LastEventID}

	if run.Status == models.RunSuccess {
		if msg, err := o.store.LastAssistantMessage(ctx, run.ThreadID); err == nil {
			snap.LastAssistant = msg.Content
		}
	}

	jobs, err := o.store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		return nil, fault.Classify(models.KindInternal, "runs.snapshot", err)
	}
	for _, job := range jobs {
		snap.Workers = append(snap.Workers, models.WorkerStatus{
			JobID:      job.ID,
			WorkerID:   job.WorkerID,
			ToolCallID: job.ToolCallID,
			Status:     job.Status,
			Task:       job.Task,
			StartedAt:  job.StartedAt,
		})
	}
	return snap, nil
}

// SweepTimeouts finishes runs that outlived the configured run budget and
// re-dispatches resume directives lost to a crash. Called on a schedule.
func (o *Orchestrator) SweepTimeouts(ctx context.Context) (int, error) {
	recovered, err := o.recoverStalledResumes(ctx)
	if err != nil {
		o.logger.Warn(ctx, "stalled resume recovery failed", "error", err)
	}
	if recovered > 0 {
		o.logger.Warn(ctx, "stalled resumes re-dispatched", "count", recovered)
	}

	if o.cfg.RunTimeout <= 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	expired, err := o.store.ListExpiredRuns(ctx, []models.RunStatus{models.RunRunning, models.RunWaiting}, now.Add(-o.cfg.RunTimeout))
	if err != nil {
		return 0, fault.Classify(models.KindInternal, "runs.sweep", err)
	}

	timedOut := 0
	for _, run := range expired {
		rctx := o.runContext(ctx, run)
		budgetErr := fault.Errorf(models.KindRunTimeout, "runs.sweep", "run exceeded its %s budget", o.cfg.RunTimeout)
		stamped, err := o.store.FinishRun(rctx, run.ID, models.RunTimeout, string(models.KindRunTimeout), budgetErr.Error(), now, durationMS(run, now))
		if err != nil {
			o.logger.Error(rctx, "timeout stamp failed", "run_id", run.PublicID, "error", err)
			continue
		}
		if !stamped {
			continue
		}
		timedOut++

		if err := o.coord.Deactivate(rctx, run.ID); err != nil {
			o.logger.Warn(rctx, "barrier deactivation failed", "run_id", run.PublicID, "error", err)
		}
		if _, err := o.queue.Cancel(rctx, run.ID); err != nil {
			o.logger.Warn(rctx, "pending job cancellation failed", "run_id", run.PublicID, "error", err)
		}
		o.terminateRunningJobs(rctx, run)

		run.Status = models.RunTimeout
		emitter := events.NewSupervisorEmitter(o.log, o.logger, run)
		emitter.Failed(rctx, budgetErr, run.Iterations)
		if o.metrics != nil {
			o.metrics.RecordRunFinished(string(models.RunTimeout), durationSeconds(run, now), run.Iterations)
		}
		o.logger.Warn(rctx, "run timed out", "run_id", run.PublicID, "budget", o.cfg.RunTimeout.String())
	}
	return timedOut, nil
}

// recoverStalledResumes finds runs whose barrier flipped to resuming but
// whose directive never reached a segment (crash between the flip and the
// resume goroutine). The rebuilt directive goes through the normal gate, so
// racing an in-flight resume is harmless.
func (o *Orchestrator) recoverStalledResumes(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	waiting, err := o.store.ListExpiredRuns(ctx, []models.RunStatus{models.RunWaiting}, now.Add(-resumeStallAge))
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, run := range waiting {
		b, err := o.store.GetBarrierByRun(ctx, run.ID)
		if err != nil {
			continue
		}
		if b.Status != models.BarrierResuming {
			continue
		}
		bjs, err := o.store.ListBarrierJobs(ctx, b.ID)
		if err != nil {
			o.logger.Warn(ctx, "stalled resume: member listing failed", "run_id", run.PublicID, "error", err)
			continue
		}

		d := &barrier.Directive{
			RunID:     run.ID,
			BarrierID: b.ID,
			Completed: b.CompletedCount,
		}
		for _, bj := range bjs {
			d.Results = append(d.Results, models.WorkerResult{
				ToolCallID: bj.ToolCallID,
				JobID:      bj.JobID,
				Status:     bj.Status,
				Result:     bj.Result,
				Error:      bj.Error,
			})
			if bj.Status == models.BarrierJobTimeout {
				d.TimedOut++
			}
		}
		if err := o.HandleResume(ctx, d); err != nil {
			o.logger.Warn(ctx, "stalled resume dispatch failed", "run_id", run.PublicID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Shutdown waits for in-flight supervisor segments to settle. When the
// context expires first, the base context is cancelled so remaining
// segments observe cancellation and stamp their runs.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(ctx context.Context, publicID string, ownerID int64, op string) (*models.Run, error) {
	run, err := o.store.GetRunByPublicID(ctx, publicID)
	if err != nil {
		return nil, fault.Classify(models.KindInvalidInput, op, err)
	}
	// Cross-owner lookups read as absence, not as denial.
	if ownerID != 0 && run.OwnerID != ownerID {
		return nil, fault.Classify(models.KindInvalidInput, op, storage.ErrNotFound)
	}
	return run, nil
}

// terminateRunningJobs stamps running jobs terminal. Their workers notice on
// the next heartbeat (the lease touch fails) and tear the job context down,
// which in workspace mode also kills the subprocess process group.
func (o *Orchestrator) terminateRunningJobs(ctx context.Context, run *models.Run) {
	jobs, err := o.store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		o.logger.Warn(ctx, "running job listing failed", "run_id", run.PublicID, "error", err)
		return
	}
	for _, job := range jobs {
		if job.Status != models.JobRunning {
			continue
		}
		if err := o.queue.Fail(ctx, job.ID, models.JobCancelled, models.KindCancelled, "run cancelled"); err != nil {
			o.logger.Warn(ctx, "running job cancellation failed",
				"run_id", run.PublicID,
				"job_id", job.ID,
				"error", err,
			)
		}
	}
}

// consumeBarrier marks the directive consumed. Failure is survivable: a
// barrier stuck in resuming is re-dispatched by the stall sweep and lands
// on the gate.
func (o *Orchestrator) consumeBarrier(ctx context.Context, barrierID int64) {
	if err := o.store.SetBarrierStatus(ctx, barrierID, models.BarrierCompleted); err != nil {
		o.logger.Warn(ctx, "barrier completion stamp failed", "barrier_id", barrierID, "error", err)
	}
}

func (o *Orchestrator) runContext(ctx context.Context, run *models.Run) context.Context {
	ctx = observability.WithRunID(ctx, run.PublicID)
	ctx = observability.WithOwnerID(ctx, run.OwnerID)
	if run.TraceID != "" {
		ctx = observability.WithTraceID(ctx, run.TraceID)
	}
	return ctx
}

func (o *Orchestrator) recoverSegment(run *models.Run) {
	if r := recover(); r != nil {
		o.logger.Error(o.base, "segment panic", "run_id", run.PublicID, "panic", fmt.Sprintf("%v", r))
		now := time.Now().UTC()
		panicErr := fault.Errorf(models.KindInternal, "runs.segment", "segment panic: %v", r)
		if stamped, err := o.store.FinishRun(context.WithoutCancel(o.base), run.ID, models.RunFailed, string(models.KindInternal), panicErr.Error(), now, durationMS(run, now)); err == nil && stamped {
			events.NewSupervisorEmitter(o.log, o.logger, run).Failed(context.WithoutCancel(o.base), panicErr, run.Iterations)
		}
	}
}

func (o *Orchestrator) recoverResume(d *barrier.Directive) {
	if r := recover(); r != nil {
		o.logger.Error(o.base, "resume panic", "run_db_id", d.RunID, "barrier_id", d.BarrierID, "panic", fmt.Sprintf("%v", r))
	}
}

func durationMS(run *models.Run, now time.Time) int64 {
	start := run.CreatedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	d := now.Sub(start)
	if d < 0 {
		d = 0
	}
	return d.Milliseconds()
}

func durationSeconds(run *models.Run, now time.Time) float64 {
	return float64(durationMS(run, now)) / 1000.0
}

func titlePreview(task string) string {
	const max = 80
	if utf8.RuneCountInString(task) <= max {
		return task
	}
	runes := []rune(task)
	return string(runes[:max-1]) + "…"
}
