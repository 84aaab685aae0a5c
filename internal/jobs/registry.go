package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/logger"
)

// Registry holds at most one initialization job per node.
type Registry struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	locks *RepoLocks
}

// NewRegistry creates a Registry with its own lock table.
func NewRegistry(observer LockObserver) *Registry {
	return &Registry{
		jobs:  make(map[string]*Job),
		locks: NewRepoLocks(observer),
	}
}

// Locks returns the repository lock table shared by all jobs.
func (r *Registry) Locks() *RepoLocks {
	return r.locks
}

// StartJob registers a job for nodeID. A finished job for the same node is
// replaced; a running one is an error.
func (r *Registry) StartJob(nodeID, repositoryID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[nodeID]; ok && !existing.Finished() {
		return nil, errors.JobExists(nodeID)
	}
	job := newJob(nodeID, repositoryID)
	r.jobs[nodeID] = job
	logger.WithComponent("jobs").Debug("job registered", "node", nodeID, "repository", repositoryID)
	return job, nil
}

// Get returns the job for nodeID.
func (r *Registry) Get(nodeID string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[nodeID]
	return job, ok
}

// Cancel requests cancellation of nodeID's job and reports whether a running
// job was flagged.
func (r *Registry) Cancel(nodeID string) bool {
	job, ok := r.Get(nodeID)
	if !ok || job.Finished() {
		return false
	}
	job.RequestCancel()
	logger.WithComponent("jobs").Info("cancellation requested", "node", nodeID, "step", job.Step())
	return true
}

// ClearJob removes nodeID's job. It refuses while the job is still running;
// callers wait for completion first.
func (r *Registry) ClearJob(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[nodeID]
	if !ok {
		return nil
	}
	if !job.Finished() {
		return errors.JobRunning(nodeID)
	}
	delete(r.jobs, nodeID)
	return nil
}

// IsInitializing reports whether nodeID has a job that has not finished.
func (r *Registry) IsInitializing(nodeID string) bool {
	job, ok := r.Get(nodeID)
	return ok && !job.Finished()
}

// WaitForInit blocks until nodeID's job finishes or timeout elapses. It never
// cancels the job. A non-positive timeout waits without limit.
func (r *Registry) WaitForInit(nodeID string, timeout time.Duration) Outcome {
	job, ok := r.Get(nodeID)
	if !ok {
		return OutcomeNone
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-job.Done():
		case <-timer.C:
			return OutcomeUnknown
		}
	} else {
		<-job.Done()
	}

	outcome, _ := job.Outcome()
	return outcome
}

// Active returns the jobs that have not finished, ordered by node ID.
func (r *Registry) Active() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []*Job
	for _, job := range r.jobs {
		if !job.Finished() {
			active = append(active, job)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].NodeID < active[j].NodeID })
	return active
}
