package initializer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/git"
	"github.com/zhubert/canopy/internal/jobs"
	"github.com/zhubert/canopy/internal/logger"
	"github.com/zhubert/canopy/internal/progress"
)

// Engine is the entry point for node initialization. It owns the job
// registry, the repository locks and the progress bus for the process.
type Engine struct {
	registry *jobs.Registry
	bus      *progress.Bus
	orch     *Orchestrator

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed and orders wg.Add before Shutdown's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine creates an Engine that runs git through gitSvc and records
// results in store.
func NewEngine(gitSvc *git.GitService, store RecordStore, opts ...Option) *Engine {
	o := buildOptions(opts)
	registry := jobs.NewRegistry(o.lockObserver)
	bus := progress.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry: registry,
		bus:      bus,
		orch:     NewOrchestrator(gitSvc, registry, bus, store, opts...),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the job registry.
func (e *Engine) Registry() *jobs.Registry {
	return e.registry
}

// Bus returns the progress bus.
func (e *Engine) Bus() *progress.Bus {
	return e.bus
}

// Orchestrator returns the orchestrator jobs run on.
func (e *Engine) Orchestrator() *Orchestrator {
	return e.orch
}

// StartJob registers a job for a node without running it.
func (e *Engine) StartJob(nodeID, repositoryID string) (*jobs.Job, error) {
	return e.registry.StartJob(nodeID, repositoryID)
}

// Launch registers a job for req and runs it in the background. It fails
// once Shutdown has been called.
func (e *Engine) Launch(req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.E(errors.Op("initializer.Launch"), errors.KindCancelled,
			"engine is shutting down, node "+req.NodeID+" was not started")
	}
	if _, err := e.registry.StartJob(req.NodeID, req.RepositoryID); err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		var err error
		if req.ExistingBranch {
			err = e.orch.RunExistingBranch(e.ctx, req)
		} else {
			err = e.orch.Run(e.ctx, req)
		}
		if err != nil {
			logger.WithNode(req.NodeID).Error("job did not run", "error", err)
		}
	}()
	return nil
}

// Retry re-runs initialization for an existing node. The base branch in req
// is treated as explicit so a retry never falls back to a different branch.
func (e *Engine) Retry(req Request) error {
	req.BaseBranchExplicit = true
	logger.WithNode(req.NodeID).Info("retrying initialization", "base", req.BaseBranch)
	return e.Launch(req)
}

// Cancel requests cancellation of a node's job and reports whether a running
// job was flagged.
func (e *Engine) Cancel(nodeID string) bool {
	return e.registry.Cancel(nodeID)
}

// ClearJob removes a finished job and its progress snapshot.
func (e *Engine) ClearJob(nodeID string) error {
	if err := e.registry.ClearJob(nodeID); err != nil {
		return err
	}
	e.bus.Forget(nodeID)
	return nil
}

// IsInitializing reports whether a node's job is still running.
func (e *Engine) IsInitializing(nodeID string) bool {
	return e.registry.IsInitializing(nodeID)
}

// WaitForInit blocks until the node's job finishes or timeout elapses.
func (e *Engine) WaitForInit(nodeID string, timeout time.Duration) jobs.Outcome {
	return e.registry.WaitForInit(nodeID, timeout)
}

// SubscribeProgress registers fn for progress events, replaying the latest
// event of every tracked node first.
func (e *Engine) SubscribeProgress(fn progress.Subscriber) (unsubscribe func()) {
	return e.bus.Subscribe(fn)
}

// GetProgress returns the latest event for a node.
func (e *Engine) GetProgress(nodeID string) (progress.Event, bool) {
	return e.bus.Latest(nodeID)
}

// Shutdown cancels every running job and waits until all of them finish or
// ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	log := logger.WithComponent("initializer")
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	active := e.registry.Active()
	log.Info("shutting down", "active_jobs", len(active))

	for _, job := range active {
		e.registry.Cancel(job.NodeID)
	}
	// Jobs still queued on a repository lock stop waiting.
	e.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range active {
		g.Go(func() error {
			select {
			case <-job.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("shutdown timed out waiting for jobs", "error", err)
		return err
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info("shutdown complete")
	return nil
}
