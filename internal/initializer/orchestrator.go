package initializer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/zhubert/canopy/internal/config"
	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/git"
	"github.com/zhubert/canopy/internal/jobs"
	"github.com/zhubert/canopy/internal/logger"
	"github.com/zhubert/canopy/internal/progress"
	"github.com/zhubert/canopy/internal/repoconfig"
)

// Orchestrator runs initialization jobs registered in a jobs.Registry.
type Orchestrator struct {
	git      *git.GitService
	resolver *git.Resolver
	registry *jobs.Registry
	bus      *progress.Bus
	store    RecordStore
	opts     options
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(gitSvc *git.GitService, registry *jobs.Registry, bus *progress.Bus, store RecordStore, opts ...Option) *Orchestrator {
	return &Orchestrator{
		git:      gitSvc,
		resolver: git.NewResolver(gitSvc),
		registry: registry,
		bus:      bus,
		store:    store,
		opts:     buildOptions(opts),
	}
}

// Run initializes the worktree for req: sync, resolve and fetch the base
// branch, create the worktree, copy repository config and record the result.
// The job must have been registered with StartJob. Failures are published as
// a failed event and recorded on the job; Run returns an error only when
// there is no job to run.
func (o *Orchestrator) Run(ctx context.Context, req Request) error {
	job, ok := o.registry.Get(req.NodeID)
	if !ok || job.Finished() {
		return ErrNoJob
	}
	o.execute(ctx, job, req, false)
	return nil
}

// RunExistingBranch initializes a worktree that checks out req.Branch as it
// already exists locally. Syncing and branch resolution are skipped.
func (o *Orchestrator) RunExistingBranch(ctx context.Context, req Request) error {
	job, ok := o.registry.Get(req.NodeID)
	if !ok || job.Finished() {
		return ErrNoJob
	}
	o.execute(ctx, job, req, true)
	return nil
}

// execution is the state of one run.
type execution struct {
	o   *Orchestrator
	ctx context.Context
	job *jobs.Job
	req Request
	log *slog.Logger

	step      progress.Step
	stepStart time.Time

	outcome jobs.Outcome
	detail  string
}

func (o *Orchestrator) execute(ctx context.Context, job *jobs.Job, req Request, existing bool) {
	x := &execution{
		o: o,
		// Cancellation is cooperative: git calls already running are never
		// interrupted, only lock waits are.
		ctx:     context.WithoutCancel(ctx),
		job:     job,
		req:     req,
		log:     logger.WithNode(req.NodeID).With("component", "initializer", "repository", req.RepositoryID),
		outcome: jobs.OutcomeFailed,
	}
	o.opts.observer.JobStarted(req.NodeID)
	x.log.Info("initialization started", "branch", req.Branch, "base", req.BaseBranch, "explicit", req.BaseBranchExplicit, "existing_branch", existing)

	var release func()
	defer func() {
		if r := recover(); r != nil {
			x.log.Error("initialization panicked", "panic", r, "stack", string(debug.Stack()))
			x.recoverFailure(git.Sanitize(fmt.Sprintf("internal error: %v", r)))
		}
		if release != nil {
			release()
		}
		x.finishStep()
		o.opts.observer.JobFinished(req.NodeID, x.outcome)
		job.Finish(x.outcome, x.detail)
		x.log.Info("initialization finished", "outcome", x.outcome, "elapsed", time.Since(job.StartedAt))
	}()

	x.persistStatus(config.WorktreeCreating, "")

	if x.cancelled() {
		return
	}
	r, err := x.acquire(ctx)
	if err != nil {
		x.outcome = jobs.OutcomeCancelled
		if job.CancelRequested() {
			x.log.Info("initialization cancelled while waiting for repository lock")
		} else {
			x.log.Warn("gave up waiting for repository lock", "error", err)
		}
		return
	}
	release = r

	err = x.steps(existing)
	switch {
	case err == nil:
		x.outcome = jobs.OutcomeReady
	case errors.Is(err, errors.KindCancelled):
		x.cleanup()
		x.outcome = jobs.OutcomeCancelled
		x.log.Info("initialization cancelled", "step", x.step)
	default:
		x.cleanup()
		x.fail(git.Describe(err))
	}
}

// steps runs the state machine. The returned error is a KindCancelled error
// or the failure to report.
func (x *execution) steps(existing bool) error {
	var res git.Resolution
	if !existing {
		if err := x.checkpoint(); err != nil {
			return err
		}
		x.enter(progress.StepSyncing, "Syncing with remote")
		hasRemote := x.o.git.HasRemoteOrigin(x.ctx, x.req.RepoPath)
		if hasRemote {
			x.syncDefaultBranch()
		}
		if err := x.checkpoint(); err != nil {
			return err
		}

		x.enter(progress.StepVerifying, fmt.Sprintf("Resolving base branch %s", x.req.BaseBranch))
		var err error
		res, err = x.o.resolver.Resolve(x.ctx, git.ResolveRequest{
			RepoPath:      x.req.RepoPath,
			DesiredBranch: x.req.BaseBranch,
			WasExplicit:   x.req.BaseBranchExplicit,
			HasRemote:     hasRemote,
			OnFetch: func(branch string) {
				x.enter(progress.StepFetching, fmt.Sprintf("Fetching %s from origin", branch))
			},
		})
		if err != nil {
			return err
		}
		if x.step != progress.StepFetching {
			x.enter(progress.StepFetching, fmt.Sprintf("Using %s", res.Ref))
		}
		if res.FallbackBranch != "" {
			x.log.Info("base branch fell back", "desired", x.req.BaseBranch, "fallback", res.FallbackBranch)
			if err := x.o.store.UpdateNodeBaseBranch(x.req.NodeID, res.FallbackBranch); err != nil {
				x.log.Warn("failed to record fallback base branch", "error", err)
			}
		}
		if err := x.checkpoint(); err != nil {
			return err
		}
	}

	if err := x.createWorktree(existing, res.Ref); err != nil {
		return err
	}
	if err := x.checkpoint(); err != nil {
		return err
	}

	x.enter(progress.StepCopyingConfig, "Copying repository config")
	scripts := x.copyConfig()
	if err := x.checkpoint(); err != nil {
		return err
	}

	x.enter(progress.StepFinalizing, "Reading worktree status")
	if st, err := x.o.git.WorktreeStatus(x.ctx, x.req.WorktreePath); err != nil {
		x.log.Warn("failed to read worktree status", "error", err)
	} else if err := x.o.store.UpdateWorktreeGitStatus(x.req.NodeID, st); err != nil {
		x.log.Warn("failed to record worktree status", "error", err)
	}
	if err := x.checkpoint(); err != nil {
		return err
	}

	if err := x.o.store.UpdateNodeWorktreeStatus(x.req.NodeID, config.WorktreeReady, ""); err != nil {
		return errors.E(errors.Op("initializer.Run"), errors.GetKindOr(err, errors.KindIO), "failed to record ready status", err)
	}
	x.enter(progress.StepReady, readyMessage(scripts))
	x.o.opts.analytics.Record(EventNodeInitialized, x.props())
	return nil
}

// checkpoint returns a KindCancelled error if cancellation was requested.
func (x *execution) checkpoint() error {
	if x.job.CancelRequested() {
		return errors.Cancelled(x.req.NodeID)
	}
	return nil
}

// acquire takes the repository lock. A job queued behind another stops
// waiting as soon as it is cancelled or ctx is done.
func (x *execution) acquire(ctx context.Context) (func(), error) {
	locks := x.o.registry.Locks()
	if release, ok := locks.TryAcquire(x.req.RepositoryID); ok {
		return release, nil
	}
	x.log.Info("waiting for repository lock")

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(x.job.CancelContext(), cancel)
	defer stop()
	return locks.Acquire(waitCtx, x.req.RepositoryID)
}

// cancelled is checkpoint for use before the lock is held.
func (x *execution) cancelled() bool {
	if x.job.CancelRequested() {
		x.outcome = jobs.OutcomeCancelled
		x.log.Info("initialization cancelled before start")
		return true
	}
	return false
}

// enter moves the job to step and publishes its event.
func (x *execution) enter(step progress.Step, message string) {
	x.publish(progress.NewEvent(x.req.NodeID, step, message))
}

func (x *execution) publish(e progress.Event) {
	if e.Step != x.step {
		x.finishStep()
		x.step = e.Step
		x.stepStart = time.Now()
		x.job.SetStep(e.Step)
	}
	x.log.Debug("step", "step", e.Step, "message", e.Message, "attempt", e.Attempt)
	x.o.bus.Publish(e)
	if x.o.opts.stepHook != nil {
		x.o.opts.stepHook(x.req.NodeID, e.Step)
	}
}

func (x *execution) finishStep() {
	if x.step != "" && !x.step.Terminal() {
		x.o.opts.observer.StepCompleted(x.step, time.Since(x.stepStart))
	}
}

func (x *execution) syncDefaultBranch() {
	remote, err := x.o.git.RemoteDefaultBranch(x.ctx, x.req.RepoPath)
	if err != nil {
		x.log.Info("could not read remote default branch", "error", git.Describe(err))
		return
	}
	repo, err := x.o.store.GetRepository(x.req.RepositoryID)
	if err != nil {
		x.log.Warn("failed to load repository record", "error", err)
		return
	}
	if repo.DefaultBranch == remote {
		return
	}
	if err := x.o.store.UpdateRepositoryDefaultBranch(x.req.RepositoryID, remote); err != nil {
		x.log.Warn("failed to record remote default branch", "error", err)
		return
	}
	x.log.Info("remote default branch changed", "old", repo.DefaultBranch, "new", remote)
}

func (x *execution) createWorktree(existing bool, ref string) error {
	x.enter(progress.StepCreatingWorktree, fmt.Sprintf("Creating worktree at %s", x.req.WorktreePath))

	// Anything already at the path belongs to someone else and is never
	// touched, even an empty directory.
	if _, err := os.Lstat(x.req.WorktreePath); err == nil {
		return errors.WorktreeExists(x.req.WorktreePath)
	} else if !os.IsNotExist(err) {
		return errors.E(errors.Op("initializer.createWorktree"), errors.KindIO, "failed to inspect worktree path", err)
	}
	if err := os.MkdirAll(filepath.Dir(x.req.WorktreePath), 0o755); err != nil {
		return errors.E(errors.Op("initializer.createWorktree"), errors.KindIO, "failed to create worktrees directory", err)
	}

	maxAttempts := x.o.opts.maxAttempts
	for attempt := 1; ; attempt++ {
		var err error
		if existing {
			err = x.o.git.CreateWorktreeFromBranch(x.ctx, x.req.RepoPath, x.req.WorktreePath, x.req.Branch)
		} else {
			err = x.o.git.CreateWorktreeFromRef(x.ctx, x.req.RepoPath, x.req.WorktreePath, x.req.Branch, ref)
		}
		if err == nil {
			x.job.MarkWorktreeCreated()
			if !existing {
				x.job.MarkBranchCreated()
			}
			return nil
		}

		// The path did not exist before this attempt, so anything there now
		// is a partial worktree left by the failed add.
		if _, statErr := os.Stat(x.req.WorktreePath); statErr == nil {
			if rmErr := x.o.git.RemoveWorktree(x.ctx, x.req.RepoPath, x.req.WorktreePath); rmErr != nil {
				x.log.Warn("failed to remove partial worktree", "error", rmErr)
			}
		}

		if !errors.Is(err, errors.KindLocked) || attempt >= maxAttempts {
			return err
		}

		delay := x.o.opts.backoff * time.Duration(attempt)
		x.log.Warn("repository busy, retrying worktree creation", "attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", git.Describe(err))
		e := progress.NewEvent(x.req.NodeID, progress.StepCreatingWorktree,
			fmt.Sprintf("Repository busy, retrying (attempt %d/%d)", attempt+1, maxAttempts))
		e.Attempt = attempt + 1
		e.MaxAttempts = maxAttempts
		x.publish(e)

		time.Sleep(delay)
	}
}

func (x *execution) copyConfig() *repoconfig.Scripts {
	copied, err := repoconfig.CopyConfigDir(x.req.RepoPath, x.req.WorktreePath)
	if err != nil {
		x.log.Warn("failed to copy repository config", "error", err)
	} else if copied {
		x.log.Debug("copied repository config into worktree")
	}

	scripts, err := repoconfig.Load(x.req.WorktreePath)
	if err != nil {
		x.log.Warn("failed to load scripts", "error", err)
		return nil
	}
	if scripts == nil {
		return nil
	}
	if err := x.o.store.UpdateNodeScripts(x.req.NodeID, scripts.Setup, scripts.Teardown); err != nil {
		x.log.Warn("failed to record scripts", "error", err)
	}
	return scripts
}

// cleanup removes what this job created. Called on failure and cancellation.
func (x *execution) cleanup() {
	if x.job.WorktreeCreated() {
		if err := x.o.git.RemoveWorktree(x.ctx, x.req.RepoPath, x.req.WorktreePath); err != nil {
			x.log.Error("failed to remove worktree", "path", x.req.WorktreePath, "error", err)
		} else {
			x.log.Info("removed worktree", "path", x.req.WorktreePath)
		}
	}
	if x.job.BranchCreated() {
		if err := x.o.git.DeleteBranch(x.ctx, x.req.RepoPath, x.req.Branch); err != nil {
			x.log.Warn("failed to delete branch", "branch", x.req.Branch, "error", err)
		}
	}
}

// recoverFailure cleans up and reports a failure after a panic. A second
// panic, from a subscriber or hook, is logged and the job still finishes as
// failed.
func (x *execution) recoverFailure(detail string) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Error("failure report panicked", "panic", r)
			x.outcome = jobs.OutcomeFailed
			x.detail = detail
		}
	}()
	x.cleanup()
	x.fail(detail)
}

// fail records and publishes a failure. detail must already be sanitized.
func (x *execution) fail(detail string) {
	x.outcome = jobs.OutcomeFailed
	x.detail = detail
	x.log.Error("initialization failed", "step", x.step, "detail", detail)
	x.persistStatus(config.WorktreeFailed, detail)
	x.publish(progress.Failed(x.req.NodeID, detail))

	props := x.props()
	props["step"] = string(x.step)
	x.o.opts.analytics.Record(EventNodeFailed, props)
}

func (x *execution) persistStatus(status config.WorktreeStatus, detail string) {
	if err := x.o.store.UpdateNodeWorktreeStatus(x.req.NodeID, status, detail); err != nil {
		x.log.Warn("failed to record worktree status", "status", status, "error", err)
	}
}

func (x *execution) props() map[string]string {
	return map[string]string{
		"node_id":       x.req.NodeID,
		"node_name":     x.req.NodeName,
		"repository_id": x.req.RepositoryID,
		"duration_ms":   fmt.Sprint(time.Since(x.job.StartedAt).Milliseconds()),
	}
}

func readyMessage(s *repoconfig.Scripts) string {
	if s == nil || len(s.Setup) == 0 {
		return "Worktree ready"
	}
	return "Worktree ready. Setup scripts: " + strings.Join(s.Setup, "; ")
}
