// Package jobs tracks node initialization jobs and the per-repository locks
// that serialize their git mutations.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhubert/canopy/internal/progress"
)

// Outcome is the terminal result of a job as seen by a waiter.
type Outcome string

const (
	// OutcomeNone means no job is registered for the node.
	OutcomeNone      Outcome = "none"
	OutcomeReady     Outcome = "ready"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeUnknown means the wait timed out before the job finished.
	OutcomeUnknown Outcome = "unknown"
)

// Job is the registry entry for one node's initialization. Only the
// orchestrator running the job mutates its step and flags.
type Job struct {
	NodeID       string
	RepositoryID string
	StartedAt    time.Time

	cancelRequested atomic.Bool
	cancelCtx       context.Context
	cancel          context.CancelFunc
	worktreeCreated atomic.Bool
	branchCreated   atomic.Bool

	mu      sync.Mutex
	step    progress.Step
	outcome Outcome
	detail  string

	done chan struct{}
	once sync.Once
}

func newJob(nodeID, repositoryID string) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		NodeID:       nodeID,
		RepositoryID: repositoryID,
		StartedAt:    time.Now(),
		cancelCtx:    ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Step returns the current step.
func (j *Job) Step() progress.Step {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.step
}

// SetStep records the step the job is executing.
func (j *Job) SetStep(s progress.Step) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.step = s
}

// RequestCancel flags the job for cancellation. The flag is never cleared.
func (j *Job) RequestCancel() {
	j.cancelRequested.Store(true)
	j.cancel()
}

// CancelContext is done once cancellation is requested or the job finished.
// Waits that may be abandoned, such as queueing for the repository lock, use it.
func (j *Job) CancelContext() context.Context {
	return j.cancelCtx
}

// CancelRequested reports whether cancellation was requested.
func (j *Job) CancelRequested() bool {
	return j.cancelRequested.Load()
}

// MarkWorktreeCreated records that the worktree now exists on disk.
func (j *Job) MarkWorktreeCreated() {
	j.worktreeCreated.Store(true)
}

// WorktreeCreated reports whether this job created the worktree.
func (j *Job) WorktreeCreated() bool {
	return j.worktreeCreated.Load()
}

// MarkBranchCreated records that this job created the node's branch.
func (j *Job) MarkBranchCreated() {
	j.branchCreated.Store(true)
}

// BranchCreated reports whether this job created the node's branch.
func (j *Job) BranchCreated() bool {
	return j.branchCreated.Load()
}

// Finish sets the terminal outcome and releases waiters. Only the first call
// has an effect.
func (j *Job) Finish(outcome Outcome, detail string) {
	j.once.Do(func() {
		j.mu.Lock()
		j.outcome = outcome
		j.detail = detail
		j.mu.Unlock()
		j.cancel()
		close(j.done)
	})
}

// Done is closed when the job reaches a terminal outcome.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Finished reports whether the job has reached a terminal outcome.
func (j *Job) Finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Outcome returns the terminal outcome and its detail. It is meaningful only
// after Done is closed.
func (j *Job) Outcome() (Outcome, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome, j.detail
}
