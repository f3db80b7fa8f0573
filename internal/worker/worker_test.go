package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foremanlabs/foreman/internal/artifacts"
	"github.com/foremanlabs/foreman/internal/barrier"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/engine"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/providers"
	"github.com/foremanlabs/foreman/internal/queue"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/internal/tools"
	"github.com/foremanlabs/foreman/pkg/models"
)

// fakeProvider scripts completion responses the way the engine tests do.
type fakeProvider struct {
	mu      sync.Mutex
	replies []fakeReply
	calls   int
}

type fakeReply struct {
	resp *providers.Response
	err  error
}

func (p *fakeProvider) Name() string            { return "fake" }
func (p *fakeProvider) SupportsReasoning() bool { return false }

func (p *fakeProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
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

func echoCall(id, text string) models.ToolCall {
	args, _ := json.Marshal(map[string]string{"text": text})
	return models.ToolCall{ID: id, Name: "echo", Args: args}
}

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

// workerRig assembles a runner, a processor and their collaborators around
// the in-memory store and a temp-dir artifact store.
type workerRig struct {
	store     *storage.MemoryStore
	queue     *queue.Queue
	coord     *barrier.Coordinator
	log       *events.Log
	blobs     *artifacts.Store
	runner    *Runner
	processor *Processor
	provider  *fakeProvider
	run       *models.Run
}

func newWorkerRig(t *testing.T, workers config.WorkersConfig, replies ...fakeReply) *workerRig {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory()
	run := &models.Run{
		PublicID: "run-worker-test",
		OwnerID:  1,
		Status:   models.RunRunning,
		Model:    "fake-large",
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	local, err := artifacts.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	blobs := artifacts.NewStore(local, nil)

	registry := tools.NewRegistry()
	if err := registry.Register(echoTool{}, tools.RoleWorker); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	invoker := tools.NewInvoker(registry, store, blobs, config.ToolsConfig{
		DefaultTimeout:       5 * time.Second,
		MaxConcurrency:       2,
		MaxInlineOutputBytes: 1 << 14,
	}, nil, nil)

	provider := &fakeProvider{replies: replies}
	caller := engine.NewCaller(providers.NewRegistryWith(provider), config.LLMConfig{
		SupervisorModel: "fake-large",
		RequestTimeout:  5 * time.Second,
		Retry:           config.RetryConfig{MaxAttempts: 1},
	}, 0, nil, nil)

	q := queue.New(store, workers, nil, nil)
	coord := barrier.New(store, config.BarrierConfig{Deadline: time.Minute}, nil, nil)
	log := events.NewLog(store, events.NewBus(32, nil), nil, nil)

	runner := NewRunner(RunnerConfig{
		Store:     store,
		Caller:    caller,
		Invoker:   invoker,
		Registry:  registry,
		Artifacts: blobs,
		Workers:   workers,
		LLM:       config.LLMConfig{SupervisorModel: "fake-large"},
	})
	processor := NewProcessor(q, runner, coord, log, workers, nil, nil, nil)

	return &workerRig{
		store:     store,
		queue:     q,
		coord:     coord,
		log:       log,
		blobs:     blobs,
		runner:    runner,
		processor: processor,
		provider:  provider,
		run:       run,
	}
}

// seedClaimedJob installs a one-job barrier, admits the job and claims it,
// exactly the path a job travels before a runner sees it.
func (r *workerRig) seedClaimedJob(t *testing.T, toolCallID string) *models.WorkerJob {
	t.Helper()
	ctx := context.Background()

	job := &models.WorkerJob{
		RunID:      r.run.ID,
		ToolCallID: toolCallID,
		Task:       "investigate " + toolCallID,
		Mode:       models.ModeStandard,
		Status:     models.JobCreated,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	b, err := r.coord.Install(ctx, r.run.ID, []storage.BarrierMember{{JobID: job.ID, ToolCallID: toolCallID}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := r.coord.Admit(ctx, b); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	claimed, err := r.queue.Claim(ctx, "worker-test")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return claimed
}

func (r *workerRig) readArtifact(t *testing.T, key string) string {
	t.Helper()
	rc, err := r.blobs.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data)
}

func (r *workerRig) eventTypes(t *testing.T) []models.EventType {
	t.Helper()
	evs, err := r.log.List(context.Background(), r.run.ID, 0, 0)
	if err != nil {
		t.Fatalf("List events: %v", err)
	}
	types := make([]models.EventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func TestRunnerStandardLoop(t *testing.T) {
	r := newWorkerRig(t, config.WorkersConfig{},
		toolsReply("", echoCall("wtc-1", "disk usage")),
		textReply("Disk usage is at 40%."),
	)
	job := r.seedClaimedJob(t, "tc-1")
	em := events.NewWorkerEmitter(r.log, nil, job)

	out, err := r.runner.Execute(context.Background(), job, em)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != "Disk usage is at 40%." {
		t.Errorf("result = %q", out.Result)
	}
	if out.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", out.Iterations)
	}
	if out.Usage.TotalTokens != 30 {
		t.Errorf("usage = %d tokens, want both calls accumulated", out.Usage.TotalTokens)
	}

	// thread.jsonl carries the full exchange: user task, assistant tool
	// turn, tool reply, final assistant message.
	thread := r.readArtifact(t, artifacts.WorkerKey(job.WorkerID, artifacts.FileThread))
	var roles []string
	scanner := bufio.NewScanner(strings.NewReader(thread))
	for scanner.Scan() {
		var entry struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("thread.jsonl line: %v", err)
		}
		roles = append(roles, entry.Role)
	}
	want := []string{"user", "assistant", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("thread entries = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("thread[%d] role = %q, want %q", i, roles[i], want[i])
		}
	}

	if got := r.readArtifact(t, artifacts.WorkerKey(job.WorkerID, artifacts.FileResult)); got != out.Result {
		t.Errorf("result.txt = %q, want %q", got, out.Result)
	}
	if out.Artifact == "" {
		t.Error("outcome has no artifact pointer")
	}

	meta := r.readArtifact(t, artifacts.WorkerKey(job.WorkerID, artifacts.FileMetadata))
	var parsed struct {
		Mode       string `json:"mode"`
		Iterations int    `json:"iterations"`
	}
	if err := json.Unmarshal([]byte(meta), &parsed); err != nil {
		t.Fatalf("metadata.json: %v", err)
	}
	if parsed.Mode != "standard" || parsed.Iterations != 2 {
		t.Errorf("metadata = %+v", parsed)
	}
}

func TestRunnerSynthesizesResultFromTools(t *testing.T) {
	r := newWorkerRig(t, config.WorkersConfig{},
		toolsReply("", echoCall("wtc-1", "partial finding")),
		textReply(""),
	)
	job := r.seedClaimedJob(t, "tc-1")
	em := events.NewWorkerEmitter(r.log, nil, job)

	out, err := r.runner.Execute(context.Background(), job, em)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.Result, "no final summary") {
		t.Errorf("result should carry the synthesis header, got %q", out.Result)
	}
	if !strings.Contains(out.Result, "echo: partial finding") {
		t.Errorf("result should carry the tool output, got %q", out.Result)
	}
}

func TestRunnerIterationBudget(t *testing.T) {
	// Every reply asks for another tool call; the loop must stop at the
	// configured bound rather than burning the script dry.
	r := newWorkerRig(t, config.WorkersConfig{MaxIterations: 2},
		toolsReply("", echoCall("wtc-1", "one")),
		toolsReply("", echoCall("wtc-2", "two")),
		toolsReply("", echoCall("wtc-3", "three")),
	)
	job := r.seedClaimedJob(t, "tc-1")
	em := events.NewWorkerEmitter(r.log, nil, job)

	out, err := r.runner.Execute(context.Background(), job, em)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Iterations != 2 {
		t.Errorf("iterations = %d, want the budget of 2", out.Iterations)
	}
	if r.provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", r.provider.calls)
	}
	if !strings.Contains(out.Result, "echo: two") {
		t.Errorf("result should synthesize from the last tool output, got %q", out.Result)
	}
}

func TestRunnerWorkspaceUnconfigured(t *testing.T) {
	r := newWorkerRig(t, config.WorkersConfig{})
	job := r.seedClaimedJob(t, "tc-1")
	job.Mode = models.ModeWorkspace
	job.GitRepo = "https://example.com/repo.git"
	em := events.NewWorkerEmitter(r.log, nil, job)

	_, err := r.runner.Execute(context.Background(), job, em)
	if fault.KindOf(err) != models.KindInvalidInput {
		t.Errorf("error kind = %v, want invalid_input", fault.KindOf(err))
	}
}

func TestProcessorCompletionSettlesBarrier(t *testing.T) {
	r := newWorkerRig(t, config.WorkersConfig{},
		textReply("done: nothing to report"),
	)
	job := r.seedClaimedJob(t, "tc-1")

	r.processor.execute(context.Background(), job)

	stored, err := r.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != models.JobCompleted {
		t.Errorf("job status = %q, want completed", stored.Status)
	}
	if stored.ResultText != "done: nothing to report" {
		t.Errorf("result = %q", stored.ResultText)
	}

	// The one-job barrier must have resolved on this completion.
	b, err := r.store.GetBarrierByRun(context.Background(), r.run.ID)
	if err != nil {
		t.Fatalf("GetBarrierByRun: %v", err)
	}
	if b.CompletedCount != 1 {
		t.Errorf("barrier completed = %d, want 1", b.CompletedCount)
	}

	types := r.eventTypes(t)
	var started, complete bool
	for _, typ := range types {
		switch typ {
		case models.EventWorkerStarted:
			started = true
		case models.EventWorkerComplete:
			complete = true
		}
	}
	if !started || !complete {
		t.Errorf("events = %v, want worker_started and worker_complete", types)
	}
}

func TestProcessorFailureSettlesBarrier(t *testing.T) {
	// No scripted replies: the first LLM call fails permanently.
	r := newWorkerRig(t, config.WorkersConfig{})
	job := r.seedClaimedJob(t, "tc-1")

	r.processor.execute(context.Background(), job)

	stored, err := r.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != models.JobFailed {
		t.Errorf("job status = %q, want failed", stored.Status)
	}
	if stored.Error == "" {
		t.Error("job row has no error text")
	}

	types := r.eventTypes(t)
	var failed bool
	for _, typ := range types {
		if typ == models.EventWorkerFailed {
			failed = true
		}
	}
	if !failed {
		t.Errorf("events = %v, want worker_failed", types)
	}
}

func TestProcessorJobTimeout(t *testing.T) {
	// A hanging provider forces the job deadline to fire; the row must be
	// stamped timeout, not failed.
	r := newWorkerRig(t, config.WorkersConfig{JobTimeout: 50 * time.Millisecond})
	r.provider.replies = nil
	slow := &slowProvider{delay: 5 * time.Second}
	r.runner.caller = engine.NewCaller(providers.NewRegistryWith(slow), config.LLMConfig{
		SupervisorModel: "fake-large",
		RequestTimeout:  10 * time.Second,
		Retry:           config.RetryConfig{MaxAttempts: 1},
	}, 0, nil, nil)

	job := r.seedClaimedJob(t, "tc-1")
	r.processor.execute(context.Background(), job)

	stored, err := r.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != models.JobTimeout {
		t.Errorf("job status = %q, want timeout", stored.Status)
	}
	if stored.ErrorKind != string(models.KindWorkerTimeout) {
		t.Errorf("error kind = %q, want worker_timeout", stored.ErrorKind)
	}
}

// slowProvider blocks until the context dies.
type slowProvider struct {
	delay time.Duration
}

func (p *slowProvider) Name() string            { return "fake" }
func (p *slowProvider) SupportsReasoning() bool { return false }

func (p *slowProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.delay):
		return &providers.Response{Content: "late"}, nil
	}
}
