package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/providers"
	"github.com/foremanlabs/foreman/internal/queue"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/internal/tools"
	"github.com/foremanlabs/foreman/pkg/models"
)

// fakeProvider scripts completion responses and records every request it
// saw, so tests can assert on prompt assembly.
type fakeProvider struct {
	mu        sync.Mutex
	reasoning bool
	replies   []fakeReply
	requests  []*providers.Request
}

type fakeReply struct {
	resp *providers.Response
	err  error
}

func (p *fakeProvider) Name() string            { return "fake" }
func (p *fakeProvider) SupportsReasoning() bool { return p.reasoning }

func (p *fakeProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := *req
	snapshot.Messages = append([]models.Message(nil), req.Messages...)
	p.requests = append(p.requests, &snapshot)
	if len(p.replies) == 0 {
		return nil, &providers.Error{Provider: "fake", Status: 400, Cause: errors.New("script exhausted")}
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	if next.err != nil {
		return nil, next.err
	}
	resp := *next.resp
	return &resp, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) request(t *testing.T, i int) *providers.Request {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		t.Fatalf("request %d not made (only %d requests)", i, len(p.requests))
	}
	return p.requests[i]
}

func textReply(content string) fakeReply {
	return fakeReply{resp: &providers.Response{
		Content: content,
		Usage:   models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

func toolsReply(content string, calls ...models.ToolCall) fakeReply {
	return fakeReply{resp: &providers.Response{
		Content:   content,
		ToolCalls: calls,
		Usage:     models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

func spawnCall(id, task string) models.ToolCall {
	args, _ := json.Marshal(map[string]string{"task": task})
	return models.ToolCall{ID: id, Name: tools.SpawnToolName, Args: args}
}

func echoCall(id, text string) models.ToolCall {
	args, _ := json.Marshal(map[string]string{"text": text})
	return models.ToolCall{ID: id, Name: "echo", Args: args}
}

// echoTool is the minimal regular tool for loop tests.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the given text back." }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"],"additionalProperties":false}`)
}
func (echoTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(inv.Call.Args, &args); err != nil {
		return nil, err
	}
	return &tools.Result{Content: "echo: " + args.Text}, nil
}

type harness struct {
	engine   *Engine
	store    *storage.MemoryStore
	queue    *queue.Queue
	log      *events.Log
	provider *fakeProvider
	run      *models.Run
	emitter  *events.SupervisorEmitter
}

func newHarness(t *testing.T, runs config.RunsConfig, replies ...fakeReply) *harness {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory()
	provider := &fakeProvider{replies: replies, reasoning: true}

	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewSpawnWorker(), tools.RoleSupervisor); err != nil {
		t.Fatalf("register spawn_worker: %v", err)
	}
	if err := registry.Register(echoTool{}, tools.RoleSupervisor, tools.RoleWorker); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	invoker := tools.NewInvoker(registry, nil, nil, config.ToolsConfig{
		DefaultTimeout:       5 * time.Second,
		MaxConcurrency:       2,
		MaxInlineOutputBytes: 1 << 14,
	}, nil, nil)
	q := queue.New(store, config.WorkersConfig{}, nil, nil)

	eng := New(Config{
		Providers: providers.NewRegistryWith(provider),
		Tools:     registry,
		Invoker:   invoker,
		Store:     store,
		Queue:     q,
		Runs:      runs,
		LLM: config.LLMConfig{
			SupervisorModel: "fake-large",
			RequestTimeout:  5 * time.Second,
			Retry:           config.RetryConfig{MaxAttempts: 1},
		},
	})

	thread := &models.Thread{OwnerID: 1, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	run := &models.Run{
		PublicID:  "run-engine",
		OwnerID:   1,
		ThreadID:  thread.ID,
		Status:    models.RunRunning,
		Model:     "fake-large",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.AppendMessages(ctx, thread.ID, []*models.Message{{
		ThreadID: thread.ID,
		Role:     models.RoleUser,
		Content:  "do the task",
		SentAt:   time.Now().UTC(),
	}}); err != nil {
		t.Fatalf("seed task message: %v", err)
	}

	log := events.NewLog(store, nil, nil, nil)
	return &harness{
		engine:   eng,
		store:    store,
		queue:    q,
		log:      log,
		provider: provider,
		run:      run,
		emitter:  events.NewSupervisorEmitter(log, nil, run),
	}
}

func (h *harness) messages(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), h.run.ThreadID, true)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func (h *harness) eventTypes(t *testing.T) []models.EventType {
	t.Helper()
	evs, err := h.log.List(context.Background(), h.run.ID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]models.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func countEvents(types []models.EventType, want models.EventType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

func TestEngineCompletesWithoutTools(t *testing.T) {
	h := newHarness(t, config.RunsConfig{}, textReply("final answer"))

	out, err := h.engine.Run(context.Background(), h.run, h.emitter, nil)
	if err != nil {
		t.Fatalf("engine run: %v", err)
	}
	if out.Result != "final answer" {
		t.Errorf("result = %q, want final answer", out.Result)
	}
	if out.Interrupt != nil {
		t.Errorf("unexpected interrupt: %+v", out.Interrupt)
	}
	if out.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", out.Iterations)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("usage total = %d, want 15", out.Usage.TotalTokens)
	}

	msgs := h.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("thread has %d messages, want user + assistant", len(msgs))
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "final answer" {
		t.Errorf("assistant message not persisted: %+v", msgs[1])
	}

	if n := countEvents(h.eventTypes(t), models.EventSupervisorIteration); n != 1 {
		t.Errorf("supervisor_iteration events = %d, want 1", n)
	}
}

func TestEnginePromptAssembly(t *testing.T) {
	h := newHarness(t, config.RunsConfig{}, textReply("ok"))

	if _, err := h.engine.Run(context.Background(), h.run, h.emitter, nil); err != nil {
		t.Fatalf("engine run: %v", err)
	}

	req := h.provider.request(t, 0)
	if !strings.HasPrefix(req.System, supervisorPreamble) {
		t.Error("system prompt must start with the static preamble")
	}
	if !strings.Contains(req.System, h.run.PublicID) {
		t.Error("system prompt must carry the run context")
	}
	if len(req.Tools) == 0 {
		t.Error("supervisor tools missing from request")
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != models.RoleSystem || !strings.Contains(last.Content, "Current Status") {
		t.Fatalf("last request message should be the dynamic tail, got %+v", last)
	}
	// The tail is rebuilt per call, never stored.
	for _, m := range h.messages(t) {
		if strings.Contains(m.Content, "Current Status") {
			t.Error("dynamic tail leaked into the persisted thread")
		}
	}
}

func TestEngineToolRoundTrip(t *testing.T) {
	h := newHarness(t, config.RunsConfig{},
		toolsReply("let me check", echoCall("call-1", "hi")),
		textReply("done"),
	)

	out, err := h.engine.Run(context.Background(), h.run, h.emitter, nil)
	if err != nil {
		t.Fatalf("engine run: %v", err)
	}
	if out.Result != "done" || out.Iterations != 2 {
		t.Fatalf("out = %+v, want done after 2 iterations", out)
	}

	msgs := h.messages(t)
	// user, assistant(tool call), tool reply, assistant(final)
	if len(msgs) != 4 {
		t.Fatalf("thread has %d messages, want 4", len(msgs))
	}
	reply := msgs[2]
	if reply.Role != models.RoleTool || reply.ToolCallID != "call-1" || reply.Content != "echo: hi" {
		t.Errorf("tool reply = %+v", reply)
	}

	// Second completion sees the tool reply ahead of the dynamic tail.
	req := h.provider.request(t, 1)
	sawReply := false
	for _, m := range req.Messages {
		if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
			sawReply = true
		}
	}
	if !sawReply {
		t.Error("second request missing the tool reply message")
	}

	types := h.eventTypes(t)
	if n := countEvents(types, models.EventSupervisorToolStarted); n != 1 {
		t.Errorf("supervisor_tool_started events = %d, want 1", n)
	}
	if n := countEvents(types, models.EventSupervisorToolCompleted); n != 1 {
		t.Errorf("supervisor_tool_completed events = %d, want 1", n)
	}
}

func TestEngineSpawnInterrupt(t *testing.T) {
	h := newHarness(t, config.RunsConfig{},
		toolsReply("delegating", spawnCall("call-1", "research topic")),
	)

	out, err := h.engine.Run(context.Background(), h.run, h.emitter, nil)
	if err != nil {
		t.Fatalf("engine run: %v", err)
	}
	if out.Interrupt == nil || out.Interrupt.Kind != InterruptWorkersPending {
		t.Fatalf("interrupt = %+v, want workers_pending", out.Interrupt)
	}
	if len(out.Interrupt.CreatedJobs) != 1 {
		t.Fatalf("created jobs = %d, want 1", len(out.Interrupt.CreatedJobs))
	}

	created := out.Interrupt.CreatedJobs[0]
	if created.ToolCallID != "call-1" {
		t.Errorf("tool_call_id = %q", created.ToolCallID)
	}
	job, err := h.store.GetJobByToolCall(context.Background(), h.run.ID, "call-1")
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Status != models.JobCreated {
		t.Errorf("job status = %s, want created (two-phase spawn)", job.Status)
	}
	if job.Task != "research topic" || job.Mode != models.ModeStandard {
		t.Errorf("job = %+v", job)
	}
	if job.Model != "fake-large" {
		t.Errorf("job model = %q, want inherited fake-large", job.Model)
	}

	// The spawn call's reply arrives on resume; nothing is persisted now.
	for _, m := range h.messages(t) {
		if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
			t.Error("spawn call must not get a tool reply before resume")
		}
	}

	types := h.eventTypes(t)
	if n := countEvents(types, models.EventWorkerSpawned); n != 1 {
		t.Errorf("worker_spawned events = %d, want 1", n)
	}
}

func TestEngineResumeSynthesis(t *testing.T) {
	h := newHarness(t, config.RunsConfig{},
		toolsReply("delegating", spawnCall("call-1", "research topic")),
		textReply("combined answer"),
	)
	ctx := context.Background()

	out, err := h.engine.Run(ctx, h.run, h.emitter, nil)
	if err != nil {
		t.Fatalf("first leg: %v", err)
	}
	if out.Interrupt == nil {
		t.Fatal("expected interrupt on first leg")
	}
	h.run.Iterations += out.Iterations

	results := []models.WorkerResult{{
		ToolCallID: "call-1",
		JobID:      out.Interrupt.CreatedJobs[0].Job.ID,
		Status:     models.BarrierJobCompleted,
		Result:     "worker says hi",
	}}
	out, err = h.engine.Run(ctx, h.run, h.emitter, results)
	if err != nil {
		t.Fatalf("resume leg: %v", err)
	}
	if out.Result != "combined answer" || out.Interrupt != nil {
		t.Fatalf("resume out = %+v", out)
	}

	var replies []*models.Message
	for _, m := range h.messages(t) {
		if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
			replies = append(replies, m)
		}
	}
	if len(replies) != 1 {
		t.Fatalf("worker replies = %d, want exactly 1", len(replies))
	}
	if want := "Worker completed:\n\nworker says hi"; replies[0].Content != want {
		t.Errorf("reply content = %q, want %q", replies[0].Content, want)
	}

	t.Run("redelivered results do not duplicate", func(t *testing.T) {
		h.provider.mu.Lock()
		h.provider.replies = append(h.provider.replies, textReply("again"))
		h.provider.mu.Unlock()

		if _, err := h.engine.Run(ctx, h.run, h.emitter, results); err != nil {
			t.Fatalf("redelivery leg: %v", err)
		}
		n := 0
		for _, m := range h.messages(t) {
			if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
				n++
			}
		}
		if n != 1 {
			t.Errorf("worker replies after redelivery = %d, want still 1", n)
		}
	})
}

func TestEngineWorkerFailureReply(t *testing.T) {
	h := newHarness(t, config.RunsConfig{},
		toolsReply("delegating", spawnCall("call-1", "doomed task")),
		textReply("noted the failure"),
	)
	ctx := context.Background()

	out, err := h.engine.Run(ctx, h.run, h.emitter, nil)
	if err != nil {
		t.Fatalf("first leg: %v", err)
	}
	job := out.Interrupt.CreatedJobs[0].Job
	h.run.Iterations += out.Iterations

	if err := h.store.FailJob(ctx, job.ID, models.JobFailed, "worker_crashed", "boom", time.Now().UTC()); err != nil {
		t.Fatalf("fail: %v", err)
	}

	results := []models.WorkerResult{{
		ToolCallID: "call-1",
		JobID:      job.ID,
		Status:     models.BarrierJobFailed,
		Error:      "boom",
		ErrorKind:  "worker_crashed",
		Result:     "partial notes",
	}}
	out, err = h.engine.Run(ctx, h.run, h.emitter, results)
	if err != nil {
		t.Fatalf("resume leg: %v", err)
	}

	var reply *models.Message
	for _, m := range h.messages(t) {
		if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
			reply = m
		}
	}
	if reply == nil {
		t.Fatal("failure reply missing")
	}
	if !strings.Contains(reply.Content, "Worker failed (worker_crashed):") ||
		!strings.Contains(reply.Content, "boom") ||
		!strings.Contains(reply.Content, "Partial result: partial notes") {
		t.Errorf("failure reply = %q", reply.Content)
	}
	if out.Result != "noted the failure" {
		t.Errorf("result = %q", out.Result)
	}
}

func TestEngineIterationLimit(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxIterations: 2},
		toolsReply("", echoCall("call-1", "a")),
		toolsReply("", echoCall("call-2", "b")),
	)

	out, err := h.engine.Run(context.Background(), h.run, h.emitter, nil)
	if fault.KindOf(err) != models.KindIterationLimit {
		t.Fatalf("expected iteration_limit, got %v", err)
	}
	if out == nil || out.Iterations != 2 {
		t.Fatalf("outcome must carry the spent iterations, got %+v", out)
	}
	if out.Usage.TotalTokens != 30 {
		t.Errorf("usage total = %d, want 30 from 2 calls", out.Usage.TotalTokens)
	}
}

func TestEngineCumulativeIterationBound(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxIterations: 3}, textReply("unreachable"))
	h.run.Iterations = 3 // already spent across earlier legs

	_, err := h.engine.Run(context.Background(), h.run, h.emitter, nil)
	if fault.KindOf(err) != models.KindIterationLimit {
		t.Fatalf("expected iteration_limit, got %v", err)
	}
	if h.provider.calls() != 0 {
		t.Error("no completion should happen past the bound")
	}
}

func TestEngineWorkerCap(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxWorkersPerRun: 1},
		toolsReply("delegating", spawnCall("call-2", "second task")),
		textReply("done without the worker"),
	)
	ctx := context.Background()

	// The run already spent its single worker slot.
	if err := h.queue.Enqueue(ctx, &models.WorkerJob{
		RunID:      h.run.ID,
		OwnerID:    h.run.OwnerID,
		ToolCallID: "call-1",
		Task:       "first task",
		Mode:       models.ModeStandard,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	out, err := h.engine.Run(ctx, h.run, h.emitter, nil)
	if err != nil {
		t.Fatalf("engine run: %v", err)
	}
	if out.Interrupt != nil {
		t.Fatalf("cap-exceeded spawn must not interrupt, got %+v", out.Interrupt)
	}
	if out.Result != "done without the worker" {
		t.Errorf("result = %q", out.Result)
	}

	if _, err := h.store.GetJobByToolCall(ctx, h.run.ID, "call-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("no job may be created past the worker cap")
	}
	var reply *models.Message
	for _, m := range h.messages(t) {
		if m.Role == models.RoleTool && m.ToolCallID == "call-2" {
			reply = m
		}
	}
	if reply == nil || !strings.Contains(reply.Content, "worker limit reached") {
		t.Errorf("synthetic cap error reply = %+v", reply)
	}
}

func TestEngineSpawnRetryBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("budget left respawns the job", func(t *testing.T) {
		h := newHarness(t, config.RunsConfig{MaxSpawnRetries: 3},
			toolsReply("retrying worker", spawnCall("call-1", "flaky task")),
		)
		job := &models.WorkerJob{
			RunID:      h.run.ID,
			OwnerID:    h.run.OwnerID,
			ToolCallID: "call-1",
			Task:       "flaky task",
			Status:     models.JobFailed,
			Mode:       models.ModeStandard,
			Attempts:   1,
			Error:      "boom",
			ErrorKind:  "worker_crashed",
			CreatedAt:  time.Now().UTC(),
		}
		if err := h.store.CreateJob(ctx, job); err != nil {
			t.Fatalf("seed failed job: %v", err)
		}

		out, err := h.engine.Run(ctx, h.run, h.emitter, nil)
		if err != nil {
			t.Fatalf("engine run: %v", err)
		}
		if out.Interrupt == nil || len(out.Interrupt.CreatedJobs) != 1 {
			t.Fatalf("expected respawn interrupt, got %+v", out)
		}
		got, err := h.store.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status != models.JobCreated || got.Error != "" {
			t.Errorf("respawned job = %+v, want clean created", got)
		}
		if got.Attempts != 1 {
			t.Errorf("attempts = %d, want preserved 1", got.Attempts)
		}
	})

	t.Run("exhausted budget settles with an error", func(t *testing.T) {
		h := newHarness(t, config.RunsConfig{MaxSpawnRetries: 2},
			toolsReply("retrying worker", spawnCall("call-1", "flaky task")),
			textReply("giving up on the worker"),
		)
		job := &models.WorkerJob{
			RunID:      h.run.ID,
			OwnerID:    h.run.OwnerID,
			ToolCallID: "call-1",
			Task:       "flaky task",
			Status:     models.JobFailed,
			Mode:       models.ModeStandard,
			Attempts:   2,
			Error:      "boom",
			ErrorKind:  "worker_crashed",
			CreatedAt:  time.Now().UTC(),
		}
		if err := h.store.CreateJob(ctx, job); err != nil {
			t.Fatalf("seed failed job: %v", err)
		}

		out, err := h.engine.Run(ctx, h.run, h.emitter, nil)
		if err != nil {
			t.Fatalf("engine run: %v", err)
		}
		if out.Interrupt != nil {
			t.Fatalf("exhausted spawn must not interrupt, got %+v", out.Interrupt)
		}
		got, _ := h.store.GetJob(ctx, job.ID)
		if got.Status != models.JobFailed {
			t.Errorf("job status = %s, want still failed", got.Status)
		}
		var reply *models.Message
		for _, m := range h.messages(t) {
			if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
				reply = m
			}
		}
		if reply == nil || !strings.Contains(reply.Content, "not retrying") {
			t.Errorf("retry-budget reply = %+v", reply)
		}
	})
}

func TestEngineCachedSpawnResult(t *testing.T) {
	h := newHarness(t, config.RunsConfig{},
		toolsReply("delegating", spawnCall("call-1", "already done task")),
		textReply("used the cached result"),
	)
	ctx := context.Background()

	job := &models.WorkerJob{
		RunID:      h.run.ID,
		OwnerID:    h.run.OwnerID,
		ToolCallID: "call-1",
		Task:       "already done task",
		Status:     models.JobCompleted,
		Mode:       models.ModeStandard,
		ResultText: "cached result",
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("seed completed job: %v", err)
	}

	out, err := h.engine.Run(ctx, h.run, h.emitter, nil)
	if err != nil {
		t.Fatalf("engine run: %v", err)
	}
	if out.Interrupt != nil {
		t.Fatalf("cached spawn must not interrupt, got %+v", out.Interrupt)
	}
	if out.Result != "used the cached result" {
		t.Errorf("result = %q", out.Result)
	}

	var reply *models.Message
	for _, m := range h.messages(t) {
		if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
			reply = m
		}
	}
	if reply == nil || !strings.Contains(reply.Content, "cached result") {
		t.Errorf("cached reply = %+v", reply)
	}
}

func TestEngineInvalidSpawnArgs(t *testing.T) {
	call := models.ToolCall{ID: "call-1", Name: tools.SpawnToolName, Args: json.RawMessage(`{"task":""}`)}
	h := newHarness(t, config.RunsConfig{},
		toolsReply("delegating", call),
		textReply("recovered"),
	)

	out, err := h.engine.Run(context.Background(), h.run, h.emitter, nil)
	if err != nil {
		t.Fatalf("engine run: %v", err)
	}
	if out.Interrupt != nil {
		t.Fatal("invalid spawn args must not interrupt")
	}
	var reply *models.Message
	for _, m := range h.messages(t) {
		if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
			reply = m
		}
	}
	if reply == nil || !strings.Contains(reply.Content, "task is required") {
		t.Errorf("spawn args error reply = %+v", reply)
	}
	if n := countEvents(h.eventTypes(t), models.EventSupervisorToolFailed); n != 1 {
		t.Errorf("supervisor_tool_failed events = %d, want 1", n)
	}
}

func TestEngineEmptyResponseRetry(t *testing.T) {
	t.Run("retry recovers", func(t *testing.T) {
		h := newHarness(t, config.RunsConfig{},
			textReply(""),
			textReply("recovered"),
		)

		out, err := h.engine.Run(context.Background(), h.run, h.emitter, nil)
		if err != nil {
			t.Fatalf("engine run: %v", err)
		}
		if out.Result != "recovered" {
			t.Errorf("result = %q, want recovered", out.Result)
		}
		if h.provider.calls() != 2 {
			t.Fatalf("llm calls = %d, want 2", h.provider.calls())
		}

		var nudge *models.Message
		for _, m := range h.messages(t) {
			if m.Role == models.RoleSystem && m.Internal {
				nudge = m
			}
		}
		if nudge == nil || !strings.Contains(nudge.Content, "previous response was empty") {
			t.Errorf("corrective nudge = %+v", nudge)
		}

		req := h.provider.request(t, 1)
		sawNudge := false
		for _, m := range req.Messages {
			if m.Role == models.RoleSystem && strings.Contains(m.Content, "previous response was empty") {
				sawNudge = true
			}
		}
		if !sawNudge {
			t.Error("retry request missing the corrective message")
		}
	})

	t.Run("empty twice settles the run", func(t *testing.T) {
		h := newHarness(t, config.RunsConfig{},
			textReply(""),
			textReply(""),
		)

		out, err := h.engine.Run(context.Background(), h.run, h.emitter, nil)
		if err != nil {
			t.Fatalf("engine run: %v", err)
		}
		if out.Result != emptyTwiceResult {
			t.Errorf("result = %q, want the double-empty error text", out.Result)
		}
		if h.provider.calls() != 2 {
			t.Errorf("llm calls = %d, want exactly 2", h.provider.calls())
		}
	})
}

func TestEngineCancelledRun(t *testing.T) {
	h := newHarness(t, config.RunsConfig{}, textReply("unreachable"))
	ctx := context.Background()

	ok, err := h.store.TransitionRun(ctx, h.run.ID, models.RunRunning, models.RunCancelled, time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("cancel run: ok=%v err=%v", ok, err)
	}

	_, err = h.engine.Run(ctx, h.run, h.emitter, nil)
	if fault.KindOf(err) != models.KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if h.provider.calls() != 0 {
		t.Error("cancelled run must not reach the model")
	}
}

func TestEngineRecoverPendingCalls(t *testing.T) {
	ctx := context.Background()

	t.Run("unreplied regular call is re-executed", func(t *testing.T) {
		h := newHarness(t, config.RunsConfig{}, textReply("after recovery"))

		// Simulate a crash after persisting the assistant turn but before
		// its tool results.
		if err := h.store.AppendMessages(ctx, h.run.ThreadID, []*models.Message{{
			ThreadID:  h.run.ThreadID,
			Role:      models.RoleAssistant,
			Content:   "checking",
			ToolCalls: []models.ToolCall{echoCall("call-9", "lost")},
			SentAt:    time.Now().UTC(),
		}}); err != nil {
			t.Fatalf("seed assistant: %v", err)
		}

		out, err := h.engine.Run(ctx, h.run, h.emitter, nil)
		if err != nil {
			t.Fatalf("engine run: %v", err)
		}
		if out.Result != "after recovery" {
			t.Errorf("result = %q", out.Result)
		}
		found := false
		for _, m := range h.messages(t) {
			if m.Role == models.RoleTool && m.ToolCallID == "call-9" && m.Content == "echo: lost" {
				found = true
			}
		}
		if !found {
			t.Error("recovered tool reply missing")
		}
	})

	t.Run("unreplied spawn call re-interrupts without prompting", func(t *testing.T) {
		h := newHarness(t, config.RunsConfig{}, textReply("unreachable"))

		if err := h.store.AppendMessages(ctx, h.run.ThreadID, []*models.Message{{
			ThreadID:  h.run.ThreadID,
			Role:      models.RoleAssistant,
			Content:   "delegating",
			ToolCalls: []models.ToolCall{spawnCall("call-5", "orphaned task")},
			SentAt:    time.Now().UTC(),
		}}); err != nil {
			t.Fatalf("seed assistant: %v", err)
		}

		out, err := h.engine.Run(ctx, h.run, h.emitter, nil)
		if err != nil {
			t.Fatalf("engine run: %v", err)
		}
		if out.Interrupt == nil || len(out.Interrupt.CreatedJobs) != 1 {
			t.Fatalf("expected recovery interrupt, got %+v", out)
		}
		if h.provider.calls() != 0 {
			t.Error("recovery must not prompt the model before re-interrupting")
		}
		if _, err := h.store.GetJobByToolCall(ctx, h.run.ID, "call-5"); err != nil {
			t.Errorf("recovered spawn job missing: %v", err)
		}
	})
}

func TestEngineMixedSpawnAndToolCalls(t *testing.T) {
	h := newHarness(t, config.RunsConfig{},
		toolsReply("fanning out",
			echoCall("call-1", "inline"),
			spawnCall("call-2", "background task"),
		),
	)

	out, err := h.engine.Run(context.Background(), h.run, h.emitter, nil)
	if err != nil {
		t.Fatalf("engine run: %v", err)
	}
	if out.Interrupt == nil || len(out.Interrupt.CreatedJobs) != 1 {
		t.Fatalf("expected interrupt with 1 job, got %+v", out)
	}

	// The regular call settled before the interrupt; the spawn call did not.
	replied := map[string]bool{}
	for _, m := range h.messages(t) {
		if m.Role == models.RoleTool {
			replied[m.ToolCallID] = true
		}
	}
	if !replied["call-1"] {
		t.Error("regular tool reply missing")
	}
	if replied["call-2"] {
		t.Error("spawn call must stay unreplied until resume")
	}
}
