package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/observability"
)

// Checkout is one prepared working copy: a clone of the repository under
// the workspace root with the per-run work branch checked out.
type Checkout struct {
	RunID      string
	RepoURL    string
	Path       string
	Branch     string
	BaseBranch string
	CreatedAt  time.Time
}

// Manager owns the checkout lifecycle. One checkout per run id lives under
// cfg.Root; a second setup for the same run id reuses the directory after
// fetching and resetting to origin.
type Manager struct {
	cfg    config.WorkspaceConfig
	logger *observability.Logger
}

// NewManager builds a checkout manager.
func NewManager(cfg config.WorkspaceConfig, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Manager{cfg: cfg, logger: logger.With("component", "workspace")}
}

// Path returns the checkout directory for a run id without touching disk.
func (m *Manager) Path(runID string) string {
	return filepath.Join(m.cfg.Root, runID)
}

// Setup prepares a checkout: validate inputs, clone the repository (or
// fetch and hard-reset an existing checkout), then create and switch to
// the work branch. A partially built checkout is removed on failure.
func (m *Manager) Setup(ctx context.Context, repoURL, runID, baseBranch string) (*Checkout, error) {
	if err := ValidateRepoURL(repoURL); err != nil {
		return nil, err
	}
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	if err := ValidateBranch(baseBranch); err != nil {
		return nil, err
	}
	branch := m.cfg.BranchPrefix + runID
	if err := ValidateBranch(branch); err != nil {
		return nil, err
	}

	dir := m.Path(runID)
	if err := os.MkdirAll(m.cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CloneTimeout)
	defer cancel()

	fresh := false
	if _, err := os.Stat(dir); err == nil {
		m.logger.Debug(ctx, "reusing existing checkout", "run_id", runID, "path", dir)
		if _, err := m.git(ctx, dir, "fetch", "origin"); err != nil {
			return nil, m.failSetup(ctx, dir, false, err)
		}
	} else {
		fresh = true
		if err := m.clone(ctx, repoURL, dir); err != nil {
			return nil, m.failSetup(ctx, dir, true, err)
		}
	}

	// "main" is the caller's default, not necessarily the repository's.
	if baseBranch == "main" {
		baseBranch = m.detectDefaultBranch(ctx, dir)
	}

	if _, err := m.git(ctx, dir, "switch", baseBranch); err != nil {
		return nil, m.failSetup(ctx, dir, fresh, err)
	}
	if !fresh {
		if _, err := m.git(ctx, dir, "reset", "--hard", "origin/"+baseBranch); err != nil {
			return nil, m.failSetup(ctx, dir, false, err)
		}
	}
	if err := m.createBranch(ctx, dir, branch); err != nil {
		return nil, m.failSetup(ctx, dir, fresh, err)
	}

	m.logger.Info(ctx, "checkout ready", "run_id", runID, "path", dir, "branch", branch)
	return &Checkout{
		RunID:      runID,
		RepoURL:    repoURL,
		Path:       dir,
		Branch:     branch,
		BaseBranch: baseBranch,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// CaptureDiff stages everything and returns the staged diff, empty when
// the agent changed nothing.
func (m *Manager) CaptureDiff(ctx context.Context, co *Checkout) (string, error) {
	if _, err := m.git(ctx, co.Path, "add", "-A"); err != nil {
		return "", err
	}
	diff, err := m.git(ctx, co.Path, "diff", "--staged")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(diff) == "" {
		m.logger.Debug(ctx, "checkout has no changes", "run_id", co.RunID)
		return "", nil
	}
	return diff, nil
}

// Cleanup removes the checkout directory unless keep_checkouts is set.
func (m *Manager) Cleanup(ctx context.Context, co *Checkout) error {
	if m.cfg.KeepCheckouts {
		m.logger.Debug(ctx, "keeping checkout", "run_id", co.RunID, "path", co.Path)
		return nil
	}
	if err := os.RemoveAll(co.Path); err != nil {
		m.logger.Warn(ctx, "checkout cleanup failed", "run_id", co.RunID, "error", err)
		return err
	}
	return nil
}

// clone performs a shallow clone, then tries to unshallow so branch
// operations are unrestricted. The "--" terminator keeps a hostile URL
// from being read as a flag; ssh-level injection is handled by
// ValidateRepoURL.
func (m *Manager) clone(ctx context.Context, repoURL, dir string) error {
	if _, err := m.git(ctx, "", "clone", "--depth=1", "--", repoURL, dir); err != nil {
		return err
	}
	if _, err := m.git(ctx, dir, "fetch", "--unshallow"); err != nil {
		m.logger.Debug(ctx, "unshallow fetch skipped", "path", dir, "error", err)
	}
	return nil
}

// detectDefaultBranch resolves the remote's default branch, preferring the
// origin/HEAD symbolic ref and falling back to main then master.
func (m *Manager) detectDefaultBranch(ctx context.Context, dir string) string {
	out, err := m.git(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		if ref := strings.TrimSpace(out); ref != "" {
			return strings.TrimPrefix(ref, "refs/remotes/origin/")
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := m.git(ctx, dir, "rev-parse", "--verify", "origin/"+candidate); err == nil {
			return candidate
		}
	}
	return "main"
}

// createBranch switches to the work branch, creating it when absent. git
// switch avoids checkout's branch-versus-path ambiguity.
func (m *Manager) createBranch(ctx context.Context, dir, branch string) error {
	if _, err := m.git(ctx, dir, "rev-parse", "--verify", branch); err == nil {
		_, err = m.git(ctx, dir, "switch", branch)
		return err
	}
	_, err := m.git(ctx, dir, "switch", "-c", branch)
	return err
}

func (m *Manager) failSetup(ctx context.Context, dir string, remove bool, err error) error {
	if remove {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			m.logger.Warn(ctx, "partial checkout cleanup failed", "path", dir, "error", rmErr)
		}
	}
	return fmt.Errorf("workspace setup: %w", err)
}

// git runs one git command with prompts disabled and returns stdout.
// Stderr is folded into the error so failures carry git's own message.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}
