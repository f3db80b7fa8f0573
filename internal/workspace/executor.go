package workspace

import (
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/foremanlabs/foreman/internal/config"
	safeexec "github.com/foremanlabs/foreman/internal/exec"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/pkg/models"
)

// maxCaptureBytes bounds captured agent output on each stream. The full
// result travels as an artifact, not through the database.
const maxCaptureBytes = 256 * 1024

// ExecResult captures one agent invocation.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Executor launches the external coding agent inside a checkout. The
// agent runs in its own process group so a timeout kills everything it
// forked, not just the leader.
type Executor struct {
	cfg    config.WorkspaceConfig
	logger *observability.Logger
}

// NewExecutor builds an agent executor.
func NewExecutor(cfg config.WorkspaceConfig, logger *observability.Logger) *Executor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Executor{cfg: cfg, logger: logger.With("component", "workspace.executor")}
}

// Run executes the configured agent command with the task as its final
// argument and the checkout as working directory. A non-zero exit or a
// timeout is reported in the result, not as an error; errors mean the
// agent could not be launched at all.
func (e *Executor) Run(ctx context.Context, co *Checkout, model, task string) (*ExecResult, error) {
	bin, err := safeexec.SanitizeExecutableValue(e.cfg.AgentCommand)
	if err != nil {
		return nil, fault.Errorf(models.KindInvalidInput, "workspace.executor", "agent command: %v", err)
	}
	extra, err := safeexec.SanitizeArguments(e.cfg.AgentArgs)
	if err != nil {
		return nil, fault.Errorf(models.KindInvalidInput, "workspace.executor", "agent args: %v", err)
	}
	path, err := osexec.LookPath(bin)
	if err != nil {
		return nil, fault.Errorf(models.KindInternal, "workspace.executor",
			"agent executable not found: %s", bin)
	}

	// The task is a single argv entry, never shell-interpreted.
	args := append(append([]string{}, extra...), "-m", model, task)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	cmd := osexec.CommandContext(runCtx, path, args...)
	cmd.Dir = co.Path
	cmd.Env = append(os.Environ(),
		"FOREMAN_RUN_ID="+co.RunID,
		"FOREMAN_BRANCH="+co.Branch,
		"GIT_TERMINAL_PROMPT=0",
	)
	stdout := newLimitedBuffer(maxCaptureBytes)
	stderr := newLimitedBuffer(maxCaptureBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid addresses the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	e.logger.Info(ctx, "launching agent", "command", path, "run_id", co.RunID, "model", model)
	start := time.Now()
	err = cmd.Run()

	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(err),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if err != nil {
		var exitErr *osexec.ExitError
		if !res.TimedOut && !errors.As(err, &exitErr) {
			return nil, fault.Classify(models.KindInternal, "workspace.executor", err)
		}
	}
	e.logger.Info(ctx, "agent finished",
		"run_id", co.RunID, "exit_code", res.ExitCode,
		"timed_out", res.TimedOut, "duration", res.Duration)
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps the first max bytes written and silently discards
// the rest, so a chatty agent cannot balloon memory.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= b.max {
		return len(p), nil
	}
	if remaining := b.max - len(b.buf); len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
