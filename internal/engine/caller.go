package engine

import (
	"context"
	"time"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/providers"
	"github.com/foremanlabs/foreman/internal/retry"
	"github.com/foremanlabs/foreman/internal/tools"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Heartbeater publishes liveness while a slow operation is in flight. Both
// event emitters satisfy it.
type Heartbeater interface {
	Heartbeat(ctx context.Context, phase string)
}

// Caller performs LLM completions for agent loops: it routes the model to
// its provider, bounds each attempt with the request timeout, retries
// transient transport failures, and keeps heartbeats flowing for the whole
// attempt sequence, backoff included. The supervisor and worker loops share
// one Caller so their transport behavior cannot drift apart.
type Caller struct {
	registry  *providers.Registry
	llm       config.LLMConfig
	heartbeat time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewCaller builds a caller. heartbeat <= 0 disables liveness ticks.
func NewCaller(registry *providers.Registry, llm config.LLMConfig, heartbeat time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Caller {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Caller{
		registry:  registry,
		llm:       llm,
		heartbeat: heartbeat,
		logger:    logger,
		metrics:   metrics,
	}
}

// Complete performs one completion through the routed provider. The
// reasoning effort hint is dropped when the provider does not support it.
// Errors come back as llm_transport_error faults unless the provider
// already classified them (malformed replies stay llm_invalid_response).
func (c *Caller) Complete(ctx context.Context, req *providers.Request, hb Heartbeater, phase string) (*providers.Response, error) {
	provider, err := c.registry.RouteModel(req.Model)
	if err != nil {
		return nil, err
	}
	if req.ReasoningEffort != "" && !provider.SupportsReasoning() {
		req.ReasoningEffort = ""
	}

	stop := c.startHeartbeats(ctx, hb, phase)
	defer stop()

	start := time.Now()
	var resp *providers.Response
	result := retry.Do(ctx, retry.Config{
		MaxAttempts:  c.llm.Retry.MaxAttempts,
		InitialDelay: c.llm.Retry.InitialDelay,
		MaxDelay:     c.llm.Retry.MaxDelay,
		Factor:       c.llm.Retry.Factor,
		Jitter:       c.llm.Retry.Jitter,
		RetryIf:      providers.IsTransient,
	}, func() error {
		callCtx := ctx
		if c.llm.RequestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.llm.RequestTimeout)
			defer cancel()
		}
		var callErr error
		resp, callErr = provider.Complete(callCtx, req)
		return callErr
	})
	elapsed := time.Since(start)

	if result.Err != nil {
		failure := fault.Classify(models.KindLLMTransportError, "engine.llm_call", result.Err)
		c.record(provider.Name(), req.Model, string(fault.KindOf(failure)), elapsed, models.Usage{})
		c.logger.Warn(ctx, "llm call failed",
			"provider", provider.Name(),
			"model", req.Model,
			"phase", phase,
			"attempts", result.Attempts,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", result.Err)
		return nil, failure
	}

	c.record(provider.Name(), req.Model, "success", elapsed, resp.Usage)
	c.logger.Debug(ctx, "llm call completed",
		"provider", provider.Name(),
		"model", req.Model,
		"phase", phase,
		"attempts", result.Attempts,
		"elapsed_ms", elapsed.Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"stop_reason", resp.StopReason)
	return resp, nil
}

// startHeartbeats ticks liveness events until the returned stop function is
// called. One ticker spans every retry attempt and the backoff between
// them, so watchers see a live run even while the caller is waiting to try
// again.
func (c *Caller) startHeartbeats(ctx context.Context, hb Heartbeater, phase string) func() {
	if hb == nil || c.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				hb.Heartbeat(ctx, phase)
			}
		}
	}()
	return func() { close(done) }
}

func (c *Caller) record(provider, model, status string, elapsed time.Duration, usage models.Usage) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordLLMRequest(provider, model, status, elapsed.Seconds(),
		int(usage.PromptTokens), int(usage.CompletionTokens))
}

// ToolDefs converts registry tools into the provider wire shape.
func ToolDefs(ts []tools.Tool) []providers.ToolDef {
	defs := make([]providers.ToolDef, 0, len(ts))
	for _, t := range ts {
		defs = append(defs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}
