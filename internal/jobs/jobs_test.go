package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/progress"
)

func TestStartJob_RejectsRunningDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.StartJob("n1", "repo"); err != nil {
		t.Fatalf("StartJob error: %v", err)
	}
	_, err := r.StartJob("n1", "repo")
	if !errors.Is(err, errors.KindConflict) {
		t.Errorf("second StartJob = %v, want KindConflict", err)
	}
}

func TestStartJob_ReplacesFinishedJob(t *testing.T) {
	r := NewRegistry(nil)
	first, _ := r.StartJob("n1", "repo")
	first.RequestCancel()
	first.Finish(OutcomeFailed, "boom")

	second, err := r.StartJob("n1", "repo")
	if err != nil {
		t.Fatalf("StartJob after finish: %v", err)
	}
	if second == first {
		t.Fatal("expected a fresh job")
	}
	if second.CancelRequested() || second.WorktreeCreated() {
		t.Error("fresh job should not inherit flags")
	}
	if !r.IsInitializing("n1") {
		t.Error("node should be initializing")
	}
}

func TestCancel(t *testing.T) {
	r := NewRegistry(nil)
	if r.Cancel("missing") {
		t.Error("Cancel of missing job should return false")
	}

	job, _ := r.StartJob("n1", "repo")
	if !r.Cancel("n1") || !job.CancelRequested() {
		t.Error("Cancel should flag a running job")
	}
	job.Finish(OutcomeCancelled, "")
	if r.Cancel("n1") {
		t.Error("Cancel of finished job should return false")
	}
	if !job.CancelRequested() {
		t.Error("cancel flag must stay set")
	}
}

func TestClearJob(t *testing.T) {
	r := NewRegistry(nil)
	job, _ := r.StartJob("n1", "repo")

	if err := r.ClearJob("n1"); !errors.Is(err, errors.KindConflict) {
		t.Errorf("ClearJob while running = %v, want KindConflict", err)
	}
	job.Finish(OutcomeReady, "")
	if err := r.ClearJob("n1"); err != nil {
		t.Errorf("ClearJob after finish = %v", err)
	}
	if _, ok := r.Get("n1"); ok {
		t.Error("job should be gone")
	}
	if err := r.ClearJob("n1"); err != nil {
		t.Errorf("ClearJob of missing job = %v", err)
	}
}

func TestFinish_OnlyFirstCallCounts(t *testing.T) {
	r := NewRegistry(nil)
	job, _ := r.StartJob("n1", "repo")
	job.Finish(OutcomeFailed, "first")
	job.Finish(OutcomeReady, "second")

	outcome, detail := job.Outcome()
	if outcome != OutcomeFailed || detail != "first" {
		t.Errorf("Outcome = %s %q, want failed first", outcome, detail)
	}
}

func TestWaitForInit_NoJob(t *testing.T) {
	r := NewRegistry(nil)
	if got := r.WaitForInit("nope", time.Second); got != OutcomeNone {
		t.Errorf("WaitForInit = %s, want none", got)
	}
}

func TestWaitForInit_TimeoutDoesNotCancel(t *testing.T) {
	r := NewRegistry(nil)
	job, _ := r.StartJob("n1", "repo")

	if got := r.WaitForInit("n1", 10*time.Millisecond); got != OutcomeUnknown {
		t.Errorf("WaitForInit = %s, want unknown", got)
	}
	if job.CancelRequested() {
		t.Error("a wait timeout must not cancel the job")
	}
	if !r.IsInitializing("n1") {
		t.Error("job should still be running")
	}
}

func TestWaitForInit_SameOutcomeBeforeDuringAfter(t *testing.T) {
	r := NewRegistry(nil)
	job, _ := r.StartJob("n1", "repo")

	results := make(chan Outcome, 2)
	// Waiter registered before the job starts running.
	go func() { results <- r.WaitForInit("n1", 5*time.Second) }()

	job.SetStep(progress.StepCreatingWorktree)
	// Waiter registered while the job is mid-flight.
	go func() { results <- r.WaitForInit("n1", 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	job.Finish(OutcomeReady, "")

	for i := 0; i < 2; i++ {
		if got := <-results; got != OutcomeReady {
			t.Errorf("waiter %d got %s, want ready", i, got)
		}
	}
	// Waiter after completion.
	if got := r.WaitForInit("n1", time.Second); got != OutcomeReady {
		t.Errorf("late waiter got %s, want ready", got)
	}
}

func TestActive(t *testing.T) {
	r := NewRegistry(nil)
	r.StartJob("b", "repo")
	r.StartJob("a", "repo")
	done, _ := r.StartJob("c", "repo")
	done.Finish(OutcomeReady, "")

	active := r.Active()
	if len(active) != 2 || active[0].NodeID != "a" || active[1].NodeID != "b" {
		t.Errorf("Active = %v", active)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	acquired []string
	released []string
}

func (o *recordingObserver) LockAcquired(repo string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acquired = append(o.acquired, repo)
}

func (o *recordingObserver) LockReleased(repo string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released = append(o.released, repo)
}

func TestRepoLocks_Exclusive(t *testing.T) {
	locks := NewRepoLocks(nil)
	var holders, maxHolders int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "repo")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer release()
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
		}()
	}
	wg.Wait()

	if maxHolders != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxHolders)
	}
}

func TestRepoLocks_IndependentRepositories(t *testing.T) {
	locks := NewRepoLocks(nil)
	releaseA, err := locks.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire(a): %v", err)
	}
	defer releaseA()

	releaseB, ok := locks.TryAcquire("b")
	if !ok {
		t.Fatal("lock for b should be free while a is held")
	}
	releaseB()

	if _, ok := locks.TryAcquire("a"); ok {
		t.Error("lock for a should be held")
	}
}

func TestRepoLocks_AcquireHonorsContext(t *testing.T) {
	locks := NewRepoLocks(nil)
	release, _ := locks.Acquire(context.Background(), "repo")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := locks.Acquire(ctx, "repo")
	if !errors.Is(err, errors.KindCancelled) {
		t.Errorf("Acquire with expired ctx = %v, want KindCancelled", err)
	}
}

func TestRepoLocks_ReleaseIdempotentAndObserved(t *testing.T) {
	obs := &recordingObserver{}
	locks := NewRepoLocks(obs)

	release, err := locks.Acquire(context.Background(), "repo")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release()

	if _, ok := locks.TryAcquire("repo"); !ok {
		t.Error("lock should be free after release")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.acquired) != 2 || len(obs.released) != 1 {
		t.Errorf("observer saw acquired=%v released=%v", obs.acquired, obs.released)
	}
}
