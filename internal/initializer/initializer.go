// Package initializer creates node worktrees in the background. The
// Orchestrator runs one job through the initialization steps while holding
// its repository's lock; the Engine owns the job registry and progress bus
// and is what callers talk to.
package initializer

import (
	"time"

	"github.com/zhubert/canopy/internal/config"
	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/git"
	"github.com/zhubert/canopy/internal/jobs"
	"github.com/zhubert/canopy/internal/progress"
)

// Analytics event names.
const (
	EventNodeInitialized = "node_initialized"
	EventNodeFailed      = "node_init_failed"
)

const (
	// DefaultMaxWorktreeAttempts bounds retries of worktree creation when the
	// repository is locked by another git process.
	DefaultMaxWorktreeAttempts = 3
	// DefaultRetryBackoff is multiplied by the attempt number between retries.
	DefaultRetryBackoff = 500 * time.Millisecond
)

// ErrNoJob is returned by Run when no registry entry exists for the node.
var ErrNoJob = errors.E(errors.Op("initializer.Run"), errors.KindNotFound, "no initialization job registered for node")

// RecordStore is the persistence the orchestrator reports into.
type RecordStore interface {
	GetRepository(id string) (*config.Repository, error)
	UpdateRepositoryDefaultBranch(id, branch string) error
	UpdateNodeBaseBranch(nodeID, branch string) error
	UpdateNodeWorktreeStatus(nodeID string, status config.WorktreeStatus, detail string) error
	UpdateWorktreeGitStatus(nodeID string, status *git.Status) error
	UpdateNodeScripts(nodeID string, setup, teardown []string) error
}

// Analytics receives fire-and-forget usage events.
type Analytics interface {
	Record(event string, props map[string]string)
}

// Observer is notified about job lifecycle and step timing.
type Observer interface {
	JobStarted(nodeID string)
	JobFinished(nodeID string, outcome jobs.Outcome)
	StepCompleted(step progress.Step, d time.Duration)
}

// Request describes the worktree to create for a node.
type Request struct {
	NodeID       string
	NodeName     string
	RepositoryID string
	RepoPath     string
	// Branch is the node's own branch, created by the job unless
	// ExistingBranch is set.
	Branch       string
	WorktreePath string
	// BaseBranch is the branch the node should start from.
	BaseBranch         string
	BaseBranchExplicit bool
	// ExistingBranch checks out Branch as-is instead of creating it from a
	// resolved base.
	ExistingBranch bool
}

type noopAnalytics struct{}

func (noopAnalytics) Record(string, map[string]string) {}

type noopObserver struct{}

func (noopObserver) JobStarted(string)                          {}
func (noopObserver) JobFinished(string, jobs.Outcome)           {}
func (noopObserver) StepCompleted(progress.Step, time.Duration) {}

type options struct {
	analytics    Analytics
	observer     Observer
	lockObserver jobs.LockObserver
	maxAttempts  int
	backoff      time.Duration
	stepHook     func(nodeID string, step progress.Step)
}

// Option configures an Engine or Orchestrator.
type Option func(*options)

// WithAnalytics sets the analytics sink.
func WithAnalytics(a Analytics) Option {
	return func(o *options) { o.analytics = a }
}

// WithObserver sets the job observer. If it also implements
// jobs.LockObserver it observes the repository locks too.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
		if lo, ok := obs.(jobs.LockObserver); ok {
			o.lockObserver = lo
		}
	}
}

// WithMaxAttempts sets how many times worktree creation is tried on lock
// contention.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the base delay between worktree creation attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) { o.backoff = d }
}

// WithStepHook registers fn to run each time a job enters a step, after the
// step's event is published and while the repository lock is held.
func WithStepHook(fn func(nodeID string, step progress.Step)) Option {
	return func(o *options) { o.stepHook = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		analytics:   noopAnalytics{},
		observer:    noopObserver{},
		maxAttempts: DefaultMaxWorktreeAttempts,
		backoff:     DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
