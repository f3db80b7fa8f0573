package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/foremanlabs/foreman/internal/artifacts"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

// oversizePreviewBytes bounds the inline preview kept in front of the
// artifact marker when a tool result exceeds the inline budget.
const oversizePreviewBytes = 2 * 1024

// Emitter receives tool lifecycle events. Both the supervisor and worker
// event emitters satisfy it.
type Emitter interface {
	ToolStarted(ctx context.Context, tool, toolCallID, args string)
	ToolCompleted(ctx context.Context, tool, toolCallID, result, artifact string, elapsed time.Duration)
	ToolFailed(ctx context.Context, tool, toolCallID string, err error, elapsed time.Duration)
}

// Batch identifies whose tool calls are being executed: the run they belong
// to, the role allowlist to enforce, and the emitter receiving lifecycle
// events.
type Batch struct {
	Run      *models.Run
	Role     Role
	WorkerID string
	Emitter  Emitter
}

// Invoker executes tool calls against a registry. Failures never surface as
// Go errors to the agent loop: every call yields a ToolResult, errored ones
// carrying the error kind so the model can react to what went wrong.
type Invoker struct {
	registry  *Registry
	sessions  storage.SessionFactory
	artifacts *artifacts.Store
	cfg       config.ToolsConfig
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewInvoker builds an invoker. sessions and store may be nil: without a
// session factory tools get no database session, without an artifact store
// results are kept inline only.
func NewInvoker(registry *Registry, sessions storage.SessionFactory, store *artifacts.Store, cfg config.ToolsConfig, logger *observability.Logger, metrics *observability.Metrics) *Invoker {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Invoker{
		registry:  registry,
		sessions:  sessions,
		artifacts: store,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// InvokeAll executes a turn's tool calls in parallel, bounded by the
// configured concurrency, and returns results in call order.
func (inv *Invoker) InvokeAll(ctx context.Context, b Batch, calls []models.ToolCall) []*models.ToolResult {
	results := make([]*models.ToolResult, len(calls))
	limit := inv.cfg.MaxConcurrency
	if limit <= 0 {
		limit = 4
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = &models.ToolResult{
					ToolCallID: call.ID,
					Name:       call.Name,
					Content:    "tool execution cancelled",
					IsError:    true,
					Kind:       string(models.KindCancelled),
				}
				return
			}
			results[idx] = inv.Invoke(ctx, b, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Invoke executes a single tool call through the full pipeline: lifecycle
// event, registry lookup, role check, schema validation, timed execution
// and artifact capture.
func (inv *Invoker) Invoke(ctx context.Context, b Batch, call models.ToolCall) *models.ToolResult {
	start := time.Now()
	if b.Emitter != nil {
		b.Emitter.ToolStarted(ctx, call.Name, call.ID, string(call.Args))
	}

	content, artifactHash, err := inv.execute(ctx, b, call)
	elapsed := time.Since(start)

	res := &models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		kind := fault.KindOf(err)
		res.IsError = true
		res.Kind = string(kind)
		res.Content = err.Error()
		if b.Emitter != nil {
			b.Emitter.ToolFailed(ctx, call.Name, call.ID, err, elapsed)
		}
		inv.record(call.Name, b.Role, string(kind), elapsed)
		inv.logger.Warn(ctx, "tool call failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"role", string(b.Role),
			"kind", string(kind),
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err)
		return res
	}

	res.Content = content
	res.Artifact = artifactHash
	if b.Emitter != nil {
		b.Emitter.ToolCompleted(ctx, call.Name, call.ID, content, artifactHash, elapsed)
	}
	inv.record(call.Name, b.Role, "success", elapsed)
	inv.logger.Debug(ctx, "tool call completed",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"role", string(b.Role),
		"elapsed_ms", elapsed.Milliseconds())
	return res
}

func (inv *Invoker) execute(ctx context.Context, b Batch, call models.ToolCall) (content, artifactHash string, err error) {
	tool, ok := inv.registry.Get(call.Name)
	if !ok {
		return "", "", fault.Errorf(models.KindToolNotFound, "tools.invoke", "unknown tool %q", call.Name)
	}
	if !inv.registry.Allowed(b.Role, call.Name) {
		return "", "", fault.Errorf(models.KindToolPermissionDenied, "tools.invoke", "tool %q is not allowed for role %s", call.Name, b.Role)
	}
	if err := inv.registry.ValidateArgs(call.Name, call.Args); err != nil {
		return "", "", err
	}

	timeout := inv.cfg.DefaultTimeout
	if t, ok := tool.(interface{ Timeout() time.Duration }); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}

	invc := &Invocation{Call: call, Role: b.Role, Run: b.Run, WorkerID: b.WorkerID}
	if inv.sessions != nil {
		session, err := inv.sessions.OpenSession(ctx)
		if err != nil {
			return "", "", fault.E(models.KindInternal, "tools.invoke", "open store session", err)
		}
		defer session.Close()
		invc.Store = session
	}

	result, err := inv.runWithTimeout(ctx, timeout, tool, invc)
	if err != nil {
		return "", "", err
	}

	content = result.Content
	artifactHash = inv.persist(ctx, b, call, content)
	if inv.cfg.MaxInlineOutputBytes > 0 && len(content) > inv.cfg.MaxInlineOutputBytes {
		preview := oversizePreviewBytes
		if inv.cfg.MaxInlineOutputBytes < preview {
			preview = inv.cfg.MaxInlineOutputBytes
		}
		if artifactHash != "" {
			content = fmt.Sprintf("[TOOL_OUTPUT:artifact=%s] %s", artifactHash, clip(content, preview))
		} else {
			content = clip(content, inv.cfg.MaxInlineOutputBytes)
		}
	}
	return content, artifactHash, nil
}

// runWithTimeout executes the tool on its own goroutine so a stuck tool
// cannot wedge the agent loop. The result channel is buffered and written
// with a non-blocking send: if the deadline already fired, the late result
// is discarded and the goroutine exits instead of leaking.
func (inv *Invoker) runWithTimeout(ctx context.Context, timeout time.Duration, tool Tool, invc *Invocation) (*Result, error) {
	type outcome struct {
		result *Result
		err    error
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out := outcome{err: fault.Errorf(models.KindToolExecutionError, "tools.invoke", "tool %q panicked: %v", invc.Call.Name, r)}
				select {
				case ch <- out:
				default:
				}
			}
		}()
		result, err := tool.Execute(toolCtx, invc)
		select {
		case ch <- outcome{result: result, err: err}:
		default:
			inv.logger.Debug(toolCtx, "tool result discarded after deadline", "tool", invc.Call.Name, "tool_call_id", invc.Call.ID)
		}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return nil, fault.Errorf(models.KindToolTimeout, "tools.invoke", "tool %q timed out after %s", invc.Call.Name, timeout)
		}
		return nil, fault.E(models.KindCancelled, "tools.invoke", "tool call cancelled", toolCtx.Err())
	case out := <-ch:
		if out.err != nil {
			// A tool that surfaces the context error itself gets the
			// same classification as the deadline branch above, so the
			// reported kind does not depend on which select case won.
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, fault.Errorf(models.KindToolTimeout, "tools.invoke", "tool %q timed out after %s", invc.Call.Name, timeout)
			}
			if errors.Is(out.err, context.Canceled) {
				return nil, fault.E(models.KindCancelled, "tools.invoke", "tool call cancelled", out.err)
			}
			return nil, fault.Classify(models.KindToolExecutionError, "tools.invoke", out.err)
		}
		if out.result == nil {
			out.result = &Result{}
		}
		return out.result, nil
	}
}

// persist writes the raw tool result under the caller's key tree and
// returns its content hash. Best effort: a failed write keeps the call
// successful with inline content only.
func (inv *Invoker) persist(ctx context.Context, b Batch, call models.ToolCall, content string) string {
	if inv.artifacts == nil || content == "" {
		return ""
	}

	var key string
	switch {
	case b.Role == RoleWorker && b.WorkerID != "":
		key = artifacts.WorkerToolCallKey(b.WorkerID, call.ID)
	case b.Run != nil:
		key = artifacts.RunToolCallKey(b.Run.PublicID, call.ID)
	default:
		return ""
	}

	artifact, err := inv.artifacts.PutJSON(ctx, key, map[string]any{
		"tool":         call.Name,
		"tool_call_id": call.ID,
		"content":      content,
	})
	if err != nil {
		inv.logger.Warn(ctx, "tool result artifact write failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"key", key,
			"error", err)
		return ""
	}
	return artifact.Hash
}

func (inv *Invoker) record(tool string, role Role, status string, elapsed time.Duration) {
	if inv.metrics == nil {
		return
	}
	inv.metrics.RecordToolExecution(tool, string(role), status, elapsed.Seconds())
}

// clip shortens s to at most max bytes, cutting on a rune boundary.
func clip(s string, max int) string {
	if len(s) <= max || max <= 0 {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "... [truncated]"
}
