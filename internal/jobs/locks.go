package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zhubert/canopy/internal/errors"
)

// LockObserver is notified about repository lock activity.
type LockObserver interface {
	LockAcquired(repositoryID string, waited time.Duration)
	LockReleased(repositoryID string, held time.Duration)
}

// RepoLocks holds one exclusive lock per repository ID, created on first use.
// Waiters are served in arrival order.
type RepoLocks struct {
	mu       sync.Mutex
	locks    map[string]*semaphore.Weighted
	observer LockObserver
}

// NewRepoLocks creates an empty lock table. observer may be nil.
func NewRepoLocks(observer LockObserver) *RepoLocks {
	return &RepoLocks{
		locks:    make(map[string]*semaphore.Weighted),
		observer: observer,
	}
}

func (l *RepoLocks) get(repositoryID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[repositoryID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[repositoryID] = sem
	}
	return sem
}

// Acquire blocks until the repository's lock is held or ctx is done. The
// returned release function is safe to call more than once.
func (l *RepoLocks) Acquire(ctx context.Context, repositoryID string) (release func(), err error) {
	sem := l.get(repositoryID)
	start := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errors.E(errors.Op("jobs.RepoLocks.Acquire"), errors.KindCancelled,
			"gave up waiting for repository "+repositoryID, err)
	}
	return l.held(sem, repositoryID, time.Since(start)), nil
}

// TryAcquire takes the lock only if it is free.
func (l *RepoLocks) TryAcquire(repositoryID string) (release func(), ok bool) {
	sem := l.get(repositoryID)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return l.held(sem, repositoryID, 0), true
}

func (l *RepoLocks) held(sem *semaphore.Weighted, repositoryID string, waited time.Duration) func() {
	if l.observer != nil {
		l.observer.LockAcquired(repositoryID, waited)
	}
	acquired := time.Now()
	var once sync.Once
	return func() {
		once.Do(func() {
			if l.observer != nil {
				l.observer.LockReleased(repositoryID, time.Since(acquired))
			}
			sem.Release(1)
		})
	}
}
