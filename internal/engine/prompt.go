package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/foremanlabs/foreman/pkg/models"
)

// supervisorPreamble is the static protocol text shared by every
// supervisor run. It leads the system prompt and never varies, so
// provider-side prompt caches can match on it; everything run-specific
// or time-sensitive comes after it or rides in the dynamic tail.
const supervisorPreamble = `# Your Role

You are a supervisor agent. You own a task end to end: you plan, use your
tools, delegate self-contained subtasks to parallel workers, and deliver the
final answer yourself.

## Delegating to Workers

Use the spawn_worker tool when a subtask is self-contained and can run
without further input from you. Each spawned worker runs in isolation with
its own tools and reports back a single result.

- Spawn workers for independent subtasks that can run in parallel.
- Give each worker one complete, specific task. Workers cannot ask you
  questions and cannot see this conversation.
- Use workspace mode with a git_repo only when the task needs a repository
  checkout; otherwise use standard mode.
- After you spawn workers, the run pauses. Their results arrive together in
  your next turn; plan so a single wave of workers covers what you need.
- Workers cannot spawn further workers. Do not delegate coordination.

## Guidelines

- Prefer doing small things yourself over spawning a worker for them.
- When a worker fails, decide whether to retry it, work around it, or
  report the failure; do not retry the same task indefinitely.
- Keep intermediate notes short. Your final message is the deliverable and
  should stand on its own.

## Response Style

Answer directly and concretely. When you have everything you need, give the
final answer without calling further tools.`

// workerPreamble is the static system prompt for spawned workers. Workers
// are goal runners, not conversationalists: one task in, one result out.
const workerPreamble = `# Your Role

You are a worker agent executing one delegated task. You cannot ask
questions and nobody reads your intermediate output; only your final message
is reported back.

## Guidelines

- Work in the fewest steps that complete the task. Use your tools when they
  get you facts or effects you cannot produce yourself.
- If the task cannot be completed, say exactly what blocked you and what you
  finished before that.

## Response Style

End with a concise summary of what you did and the outcome. Lead with the
answer, not the journey.`

// SupervisorSystem builds the authoritative system prompt for a run: the
// static preamble followed by per-run context that stays stable across
// iterations of the same run.
func SupervisorSystem(run *models.Run) string {
	var b strings.Builder
	b.WriteString(supervisorPreamble)
	b.WriteString("\n\n---\n\n## Run Context\n\n")
	fmt.Fprintf(&b, "- Run: %s\n", run.PublicID)
	if run.Model != "" {
		fmt.Fprintf(&b, "- Model: %s\n", run.Model)
	}
	return b.String()
}

// WorkerSystem builds the system prompt for one worker job.
func WorkerSystem(job *models.WorkerJob) string {
	var b strings.Builder
	b.WriteString(workerPreamble)
	b.WriteString("\n\n---\n\n## Job Context\n\n")
	fmt.Fprintf(&b, "- Job: %d (run %s)\n", job.ID, job.RunPublicID)
	fmt.Fprintf(&b, "- Mode: %s\n", job.Mode)
	if job.GitRepo != "" {
		fmt.Fprintf(&b, "- Repository: %s\n", job.GitRepo)
	}
	return b.String()
}

// dynamicTail builds the ephemeral trailing system message carrying the
// current time and worker fleet status. It is rebuilt from scratch for
// every completion call and never persisted, so stale copies cannot
// accumulate in the thread.
func dynamicTail(now time.Time, jobs []*models.WorkerJob, maxWorkers int) models.Message {
	var b strings.Builder
	b.WriteString("## Current Status\n\n")
	fmt.Fprintf(&b, "Time: %s\n", now.UTC().Format(time.RFC3339))
	b.WriteString("Workers: ")
	b.WriteString(workerStatusLine(jobs, maxWorkers))
	return models.Message{
		Role:    models.RoleSystem,
		Content: b.String(),
		SentAt:  now.UTC(),
	}
}

// workerStatusLine summarises the run's jobs by status, e.g.
// "1 running, 2 completed (3 of 20 spawned)".
func workerStatusLine(jobs []*models.WorkerJob, maxWorkers int) string {
	if len(jobs) == 0 {
		return fmt.Sprintf("none spawned (0 of %d)", maxWorkers)
	}
	counts := make(map[models.WorkerJobStatus]int)
	for _, job := range jobs {
		counts[job.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[models.WorkerJobStatus(status)], status))
	}
	return fmt.Sprintf("%s (%d of %d spawned)", strings.Join(parts, ", "), len(jobs), maxWorkers)
}
