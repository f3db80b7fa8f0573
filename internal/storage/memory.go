package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/foremanlabs/foreman/pkg/models"
)

// MemoryStore is an in-memory Store for tests and the zero-config dev path.
// One mutex guards everything, which makes the multi-row operations (event
// append, claim, barrier install and resolve) trivially atomic. All returns
// are clones; callers never share memory with the store.
type MemoryStore struct {
	mu sync.RWMutex

	nextThreadID     int64
	nextMessageID    int64
	nextRunID        int64
	nextJobID        int64
	nextBarrierID    int64
	nextBarrierJobID int64

	threads  map[int64]*models.Thread
	messages map[int64][]*models.Message
	runs     map[int64]*models.Run
	runIDs   map[string]int64 // public id -> id
	events   map[int64][]*models.RunEvent

	jobs        map[int64]*models.WorkerJob
	barriers    map[int64]*models.Barrier
	barrierIDs  map[int64]int64 // run id -> barrier id
	barrierJobs map[int64][]*models.BarrierJob
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		threads:     make(map[int64]*models.Thread),
		messages:    make(map[int64][]*models.Message),
		runs:        make(map[int64]*models.Run),
		runIDs:      make(map[string]int64),
		events:      make(map[int64][]*models.RunEvent),
		jobs:        make(map[int64]*models.WorkerJob),
		barriers:    make(map[int64]*models.Barrier),
		barrierIDs:  make(map[int64]int64),
		barrierJobs: make(map[int64][]*models.BarrierJob),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// OpenSession returns the store itself: there is no connection to pin.
func (s *MemoryStore) OpenSession(ctx context.Context) (Store, error) {
	return s, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRun(run *models.Run) *models.Run {
	out := *run
	out.StartedAt = cloneTime(run.StartedAt)
	out.FinishedAt = cloneTime(run.FinishedAt)
	return &out
}

func cloneThread(thread *models.Thread) *models.Thread {
	out := *thread
	return &out
}

func cloneMessage(msg *models.Message) *models.Message {
	out := *msg
	if len(msg.ToolCalls) > 0 {
		out.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			out.ToolCalls[i] = tc
			out.ToolCalls[i].Args = append(json.RawMessage(nil), tc.Args...)
		}
	}
	return &out
}

func cloneEvent(ev *models.RunEvent) *models.RunEvent {
	out := *ev
	out.Payload = append(json.RawMessage(nil), ev.Payload...)
	return &out
}

func cloneJob(job *models.WorkerJob) *models.WorkerJob {
	out := *job
	out.LastHeartbeat = cloneTime(job.LastHeartbeat)
	out.StartedAt = cloneTime(job.StartedAt)
	out.FinishedAt = cloneTime(job.FinishedAt)
	return &out
}

func cloneBarrier(barrier *models.Barrier) *models.Barrier {
	out := *barrier
	out.Deadline = cloneTime(barrier.Deadline)
	return &out
}

func cloneBarrierJob(bj *models.BarrierJob) *models.BarrierJob {
	out := *bj
	out.CompletedAt = cloneTime(bj.CompletedAt)
	return &out
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run == nil || run.PublicID == "" {
		return fmt.Errorf("run with public id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runIDs[run.PublicID]; exists {
		return ErrAlreadyExists
	}
	s.nextRunID++
	run.ID = s.nextRunID
	s.runs[run.ID] = cloneRun(run)
	s.runIDs[run.PublicID] = run.ID
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) GetRunByPublicID(ctx context.Context, publicID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.runIDs[publicID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(s.runs[id]), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, ownerID int64, limit int) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := []*models.Run{}
	for _, run := range s.runs {
		if run.OwnerID != ownerID {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) TransitionRun(ctx context.Context, runID int64, from, to models.RunStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != from {
		return false, nil
	}
	run.Status = to
	if to == models.RunRunning && run.StartedAt == nil {
		t := now.UTC()
		run.StartedAt = &t
	}
	return true, nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, runID int64, status models.RunStatus, errKind, errMsg string, now time.Time, durationMS int64) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish run: %q is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.FinishedAt != nil {
		return false, nil
	}
	t := now.UTC()
	run.Status = status
	run.Error = errMsg
	run.ErrorKind = errKind
	run.FinishedAt = &t
	run.DurationMS = durationMS
	return true, nil
}

func (s *MemoryStore) AddRunUsage(ctx context.Context, runID int64, usage models.Usage, iterations int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Usage.Add(usage)
	run.Iterations += iterations
	return nil
}

func (s *MemoryStore) ListExpiredRuns(ctx context.Context, statuses []models.RunStatus, olderThan time.Time) ([]*models.Run, error) {
	wanted := make(map[models.RunStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := []*models.Run{}
	for _, run := range s.runs {
		if !wanted[run.Status] || run.StartedAt == nil || !run.StartedAt.Before(olderThan) {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(*runs[j].StartedAt)
	})
	return runs, nil
}

// ---------------------------------------------------------------------------
// Threads and messages
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return fmt.Errorf("thread is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextThreadID++
	thread.ID = s.nextThreadID
	s.threads[thread.ID] = cloneThread(thread)
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id int64) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(thread), nil
}

func (s *MemoryStore) ListThreads(ctx context.Context, ownerID int64, limit int) ([]*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	threads := []*models.Thread{}
	for _, thread := range s.threads {
		if thread.OwnerID != ownerID {
			continue
		}
		threads = append(threads, cloneThread(thread))
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].ID > threads[j].ID
		}
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	if limit > 0 && len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

func (s *MemoryStore) AppendMessages(ctx context.Context, threadID int64, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	for _, msg := range msgs {
		s.nextMessageID++
		msg.ID = s.nextMessageID
		msg.ThreadID = threadID
		s.messages[threadID] = append(s.messages[threadID], cloneMessage(msg))
	}
	thread.UpdatedAt = msgs[len(msgs)-1].SentAt.UTC()
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, threadID int64, includeInternal bool) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrNotFound
	}
	msgs := []*models.Message{}
	for _, msg := range s.messages[threadID] {
		if msg.Internal && !includeInternal {
			continue
		}
		msgs = append(msgs, cloneMessage(msg))
	}
	return msgs, nil
}

func (s *MemoryStore) LastAssistantMessage(ctx context.Context, threadID int64) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && msgs[i].Content != "" {
			return cloneMessage(msgs[i]), nil
		}
	}
	return nil, ErrNotFound
}

// ---------------------------------------------------------------------------
// Run events
// ---------------------------------------------------------------------------

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *models.RunEvent) error {
	if ev == nil {
		return fmt.Errorf("event is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[ev.RunID]
	if !ok {
		return ErrNotFound
	}
	run.LastEventID++
	ev.EventID = run.LastEventID
	stored := cloneEvent(ev)
	if len(stored.Payload) == 0 {
		stored.Payload = json.RawMessage(`{}`)
	}
	s.events[ev.RunID] = append(s.events[ev.RunID], stored)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, runID int64, afterEventID int64, limit int) ([]*models.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := []*models.RunEvent{}
	for _, ev := range s.events[runID] {
		if ev.EventID <= afterEventID {
			continue
		}
		events = append(events, cloneEvent(ev))
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *MemoryStore) LatestEventID(ctx context.Context, runID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return 0, ErrNotFound
	}
	return run.LastEventID, nil
}

func (s *MemoryStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for runID, events := range s.events {
		run, ok := s.runs[runID]
		if !ok || !run.Status.Terminal() {
			continue
		}
		kept := events[:0]
		for _, ev := range events {
			drop := ev.Timestamp.Before(before) &&
				ev.Type != models.EventSupervisorComplete &&
				ev.Type != models.EventSupervisorFailed
			if drop {
				pruned++
				continue
			}
			kept = append(kept, ev)
		}
		s.events[runID] = kept
	}
	return pruned, nil
}

// ---------------------------------------------------------------------------
// Worker jobs
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.WorkerJob) error {
	if job == nil || job.ToolCallID == "" {
		return fmt.Errorf("job with tool call id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[job.RunID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range s.jobs {
		if existing.RunID == job.RunID && existing.ToolCallID == job.ToolCallID {
			return ErrAlreadyExists
		}
	}
	s.nextJobID++
	job.ID = s.nextJobID
	job.RunPublicID = run.PublicID
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id int64) (*models.WorkerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) GetJobByToolCall(ctx context.Context, runID int64, toolCallID string) (*models.WorkerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.RunID == runID && job.ToolCallID == toolCallID {
			return cloneJob(job), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListJobsByRun(ctx context.Context, runID int64) ([]*models.WorkerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := []*models.WorkerJob{}
	for _, job := range s.jobs {
		if job.RunID == runID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *MemoryStore) ClaimJob(ctx context.Context, workerID string, now time.Time) (*models.WorkerJob, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *models.WorkerJob
	for _, job := range s.jobs {
		if job.Status != models.JobQueued {
			continue
		}
		if oldest == nil ||
			job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && job.ID < oldest.ID) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	t := now.UTC()
	oldest.Status = models.JobRunning
	oldest.WorkerID = workerID
	oldest.Attempts++
	oldest.StartedAt = &t
	oldest.LastHeartbeat = &t
	return cloneJob(oldest), nil
}

func (s *MemoryStore) TouchJob(ctx context.Context, jobID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != models.JobRunning {
		return ErrNotFound
	}
	t := now.UTC()
	job.LastHeartbeat = &t
	return nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID int64, result, artifact string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return ErrNotFound
	}
	t := now.UTC()
	job.Status = models.JobCompleted
	job.ResultText = result
	job.ResultArtifact = artifact
	job.Error = ""
	job.ErrorKind = ""
	job.FinishedAt = &t
	return nil
}

func (s *MemoryStore) FailJob(ctx context.Context, jobID int64, status models.WorkerJobStatus, errKind, errMsg string, now time.Time) error {
	if !status.Terminal() || status == models.JobCompleted {
		return fmt.Errorf("fail job: %q is not a failure status", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return ErrNotFound
	}
	t := now.UTC()
	job.Status = status
	job.Error = errMsg
	job.ErrorKind = errKind
	job.FinishedAt = &t
	return nil
}

func (s *MemoryStore) RequeueJob(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != models.JobRunning {
		return ErrNotFound
	}
	job.Status = models.JobQueued
	job.WorkerID = ""
	job.StartedAt = nil
	job.LastHeartbeat = nil
	return nil
}

func (s *MemoryStore) RespawnJob(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || !job.Status.Terminal() || job.Status == models.JobCompleted {
		return ErrNotFound
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
	return nil
}

func (s *MemoryStore) CancelPendingJobs(ctx context.Context, runID int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := now.UTC()
	var cancelled int64
	for _, job := range s.jobs {
		if job.RunID != runID {
			continue
		}
		if job.Status != models.JobCreated && job.Status != models.JobQueued {
			continue
		}
		job.Status = models.JobCancelled
		job.Error = "run cancelled"
		job.ErrorKind = "cancelled"
		job.FinishedAt = &t
		cancelled++
	}
	return cancelled, nil
}

func (s *MemoryStore) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.WorkerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := []*models.WorkerJob{}
	for _, job := range s.jobs {
		if job.Status != models.JobRunning || job.LastHeartbeat == nil || !job.LastHeartbeat.Before(cutoff) {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].LastHeartbeat.Before(*jobs[j].LastHeartbeat)
	})
	return jobs, nil
}

func (s *MemoryStore) ListOrphanJobs(ctx context.Context, cutoff time.Time) ([]*models.WorkerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tracked := map[int64]bool{}
	for _, members := range s.barrierJobs {
		for _, bj := range members {
			tracked[bj.JobID] = true
		}
	}
	jobs := []*models.WorkerJob{}
	for _, job := range s.jobs {
		if job.Status != models.JobCreated || !job.CreatedAt.Before(cutoff) || tracked[job.ID] {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *MemoryStore) CountJobsByStatus(ctx context.Context) (map[models.WorkerJobStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[models.WorkerJobStatus]int64{}
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// ---------------------------------------------------------------------------
// Barriers
// ---------------------------------------------------------------------------

func (s *MemoryStore) InstallBarrier(ctx context.Context, runID int64, deadline time.Time, members []BarrierMember, now time.Time) (*models.Barrier, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("install barrier: at least one member is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Status != models.RunRunning {
		return nil, fmt.Errorf("park run %d: not running", runID)
	}

	dl := deadline.UTC()
	barrierID, exists := s.barrierIDs[runID]
	var barrier *models.Barrier
	if exists {
		barrier = s.barriers[barrierID]
		barrier.Status = models.BarrierWaiting
		barrier.ExpectedCount = len(members)
		barrier.CompletedCount = 0
		barrier.Deadline = &dl
		s.barrierJobs[barrierID] = nil
	} else {
		s.nextBarrierID++
		barrierID = s.nextBarrierID
		barrier = &models.Barrier{
			ID:            barrierID,
			RunID:         runID,
			Status:        models.BarrierWaiting,
			ExpectedCount: len(members),
			Deadline:      &dl,
			CreatedAt:     now.UTC(),
		}
		s.barriers[barrierID] = barrier
		s.barrierIDs[runID] = barrierID
	}

	for _, member := range members {
		s.nextBarrierJobID++
		s.barrierJobs[barrierID] = append(s.barrierJobs[barrierID], &models.BarrierJob{
			ID:         s.nextBarrierJobID,
			BarrierID:  barrierID,
			JobID:      member.JobID,
			ToolCallID: member.ToolCallID,
			Status:     models.BarrierJobQueued,
		})
	}

	run.Status = models.RunWaiting
	return cloneBarrier(barrier), nil
}

func (s *MemoryStore) AdmitBarrierJobs(ctx context.Context, barrierID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.barriers[barrierID]; !ok {
		return 0, ErrNotFound
	}
	var admitted int64
	for _, bj := range s.barrierJobs[barrierID] {
		if job, ok := s.jobs[bj.JobID]; ok && job.Status == models.JobCreated {
			job.Status = models.JobQueued
			admitted++
		}
	}
	return admitted, nil
}

func (s *MemoryStore) GetBarrierByRun(ctx context.Context, runID int64) (*models.Barrier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	barrierID, ok := s.barrierIDs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBarrier(s.barriers[barrierID]), nil
}

func (s *MemoryStore) ListBarrierJobs(ctx context.Context, barrierID int64) ([]*models.BarrierJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := []*models.BarrierJob{}
	for _, bj := range s.barrierJobs[barrierID] {
		list = append(list, cloneBarrierJob(bj))
	}
	return list, nil
}

func (s *MemoryStore) barrierResults(barrierID int64) []models.WorkerResult {
	results := []models.WorkerResult{}
	for _, bj := range s.barrierJobs[barrierID] {
		r := models.WorkerResult{
			ToolCallID: bj.ToolCallID,
			JobID:      bj.JobID,
			Status:     bj.Status,
			Result:     bj.Result,
			Error:      bj.Error,
		}
		if job, ok := s.jobs[bj.JobID]; ok {
			r.WorkerID = job.WorkerID
			r.ErrorKind = job.ErrorKind
		}
		results = append(results, r)
	}
	return results
}

func (s *MemoryStore) ResolveBarrierJob(ctx context.Context, runID, jobID int64, status models.BarrierJobStatus, result, errMsg string, now time.Time) (*BarrierResolution, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("resolve barrier job: %q is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	barrierID, ok := s.barrierIDs[runID]
	if !ok {
		return &BarrierResolution{Outcome: BarrierSkipped, Reason: "no barrier for run"}, nil
	}
	barrier := s.barriers[barrierID]
	resolution := &BarrierResolution{
		BarrierID: barrierID,
		Expected:  barrier.ExpectedCount,
		Completed: barrier.CompletedCount,
	}
	if barrier.Status != models.BarrierWaiting {
		resolution.Outcome = BarrierSkipped
		resolution.Reason = fmt.Sprintf("barrier is %s, not waiting", barrier.Status)
		return resolution, nil
	}

	var member *models.BarrierJob
	for _, bj := range s.barrierJobs[barrierID] {
		if bj.JobID == jobID {
			member = bj
			break
		}
	}
	if member == nil {
		resolution.Outcome = BarrierSkipped
		resolution.Reason = "job not admitted to barrier"
		return resolution, nil
	}
	if member.Status.Terminal() {
		resolution.Outcome = BarrierSkipped
		resolution.Reason = fmt.Sprintf("barrier job already %s", member.Status)
		return resolution, nil
	}

	t := now.UTC()
	member.Status = status
	member.Result = result
	member.Error = errMsg
	member.CompletedAt = &t

	barrier.CompletedCount++
	resolution.Completed = barrier.CompletedCount
	if barrier.CompletedCount < barrier.ExpectedCount {
		resolution.Outcome = BarrierWaiting
		return resolution, nil
	}

	barrier.Status = models.BarrierResuming
	resolution.Outcome = BarrierResume
	resolution.Results = s.barrierResults(barrierID)
	return resolution, nil
}

func (s *MemoryStore) SetBarrierStatus(ctx context.Context, barrierID int64, status models.BarrierStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	barrier, ok := s.barriers[barrierID]
	if !ok {
		return ErrNotFound
	}
	barrier.Status = status
	return nil
}

func (s *MemoryStore) ExpireBarriers(ctx context.Context, now time.Time) ([]*ExpiredBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := []*models.Barrier{}
	for _, barrier := range s.barriers {
		if barrier.Status == models.BarrierWaiting && barrier.Deadline != nil && barrier.Deadline.Before(now) {
			candidates = append(candidates, barrier)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Deadline.Before(*candidates[j].Deadline)
	})

	t := now.UTC()
	expired := []*ExpiredBarrier{}
	for _, barrier := range candidates {
		barrier.Status = models.BarrierResuming
		timedOut := 0
		for _, bj := range s.barrierJobs[barrier.ID] {
			if bj.Status.Terminal() {
				continue
			}
			bj.Status = models.BarrierJobTimeout
			bj.Error = "worker timed out (barrier deadline exceeded)"
			bj.CompletedAt = &t
			timedOut++
		}
		expired = append(expired, &ExpiredBarrier{
			Barrier:  cloneBarrier(barrier),
			RunID:    barrier.RunID,
			TimedOut: timedOut,
			Results:  s.barrierResults(barrier.ID),
		})
	}
	return expired, nil
}
