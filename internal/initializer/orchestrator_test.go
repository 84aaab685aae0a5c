package initializer

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/canopy/internal/config"
	pexec "github.com/zhubert/canopy/internal/exec"
	"github.com/zhubert/canopy/internal/git"
	"github.com/zhubert/canopy/internal/jobs"
	"github.com/zhubert/canopy/internal/progress"
)

var allSteps = []progress.Step{
	progress.StepSyncing,
	progress.StepVerifying,
	progress.StepFetching,
	progress.StepCreatingWorktree,
	progress.StepCopyingConfig,
	progress.StepFinalizing,
	progress.StepReady,
}

func TestRun_NoJob(t *testing.T) {
	f := newFixture(t, createTestRepo(t))
	rec := &eventRecorder{}
	f.engine.SubscribeProgress(rec.record)

	err := f.engine.Orchestrator().Run(context.Background(), f.request("n1", "main", false))
	if err != ErrNoJob {
		t.Fatalf("Run without a job = %v, want ErrNoJob", err)
	}
	if len(rec.steps("n1")) != 0 {
		t.Errorf("no events expected, got %v", rec.steps("n1"))
	}
}

func TestRun_ReadyWithRemote(t *testing.T) {
	repo := createTestRepoWithRemote(t)
	analytics := &analyticsRecorder{}
	f := newFixture(t, repo, WithAnalytics(analytics))
	rec := &eventRecorder{}
	f.engine.SubscribeProgress(rec.record)

	req := f.request("n1", "main", false)
	if err := f.engine.Launch(req); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeReady {
		t.Fatalf("outcome = %v, want ready", got)
	}

	if steps := rec.steps("n1"); !reflect.DeepEqual(steps, allSteps) {
		t.Errorf("steps = %v, want %v", steps, allSteps)
	}
	events := rec.all("n1")
	if last := events[len(events)-1]; last.Percent != 100 {
		t.Errorf("ready percent = %d, want 100", last.Percent)
	}
	if events[2].Message != "Fetching main from origin" {
		t.Errorf("fetching message = %q", events[2].Message)
	}

	if !git.WorktreeExists(req.WorktreePath) {
		t.Fatal("worktree should exist")
	}
	if branch := runGit(t, req.WorktreePath, "rev-parse", "--abbrev-ref", "HEAD"); branch != "canopy/n1" {
		t.Errorf("worktree branch = %q", branch)
	}

	node, _ := f.store.GetNode("n1")
	if node.WorktreeStatus != config.WorktreeReady {
		t.Errorf("worktree status = %q, want ready", node.WorktreeStatus)
	}
	if node.GitStatus == nil || node.GitStatus.Branch != "canopy/n1" || !node.GitStatus.Clean {
		t.Errorf("git status = %+v", node.GitStatus)
	}
	if got := analytics.list(); len(got) != 1 || got[0] != "node_initialized:n1" {
		t.Errorf("analytics = %v", got)
	}
	if f.engine.IsInitializing("n1") {
		t.Error("job should no longer be initializing")
	}
}

func TestRun_NoRemoteUsesLocalBranch(t *testing.T) {
	f := newFixture(t, createTestRepo(t))
	rec := &eventRecorder{}
	f.engine.SubscribeProgress(rec.record)

	f.engine.Launch(f.request("n1", "main", false))
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeReady {
		t.Fatalf("outcome = %v, want ready", got)
	}
	if steps := rec.steps("n1"); !reflect.DeepEqual(steps, allSteps) {
		t.Errorf("steps = %v, want %v", steps, allSteps)
	}
	if ev := rec.all("n1")[2]; ev.Message != "Using main" {
		t.Errorf("fetching message = %q", ev.Message)
	}
}

func TestRun_SyncsRemoteDefaultBranch(t *testing.T) {
	repo := createTestRepoWithRemote(t)
	f := newFixture(t, repo)
	f.store.UpdateRepositoryDefaultBranch("repo-1", "stale")

	f.engine.Launch(f.request("n1", "main", false))
	f.engine.WaitForInit("n1", 30*time.Second)

	r, _ := f.store.GetRepository("repo-1")
	if r.DefaultBranch != "main" {
		t.Errorf("default branch = %q, want main", r.DefaultBranch)
	}
}

// Jobs for one repository never run git steps at the same time.
func TestRun_SerializedPerRepository(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0
	hook := func(_ string, step progress.Step) {
		mu.Lock()
		defer mu.Unlock()
		switch step {
		case progress.StepSyncing:
			active++
			if active > maxActive {
				maxActive = active
			}
			time.Sleep(5 * time.Millisecond)
		case progress.StepReady, progress.StepFailed:
			active--
		}
	}
	f := newFixture(t, createTestRepo(t), WithStepHook(hook))

	ids := []string{"n1", "n2", "n3", "n4"}
	for _, id := range ids {
		if err := f.engine.Launch(f.request(id, "main", false)); err != nil {
			t.Fatalf("Launch(%s) failed: %v", id, err)
		}
	}
	for _, id := range ids {
		if got := f.engine.WaitForInit(id, 60*time.Second); got != jobs.OutcomeReady {
			t.Errorf("%s outcome = %v, want ready", id, got)
		}
	}
	if maxActive != 1 {
		t.Errorf("max concurrent jobs on one repository = %d, want 1", maxActive)
	}
}

// Two concurrent jobs on one repository both finish and their worktree
// creation never overlaps.
func TestRun_ConcurrentCreationDoesNotOverlap(t *testing.T) {
	var mu sync.Mutex
	creating, overlaps := 0, 0
	hook := func(_ string, step progress.Step) {
		mu.Lock()
		defer mu.Unlock()
		switch step {
		case progress.StepCreatingWorktree:
			creating++
			if creating > 1 {
				overlaps++
			}
		case progress.StepCopyingConfig, progress.StepFailed:
			if creating > 0 {
				creating--
			}
		}
	}
	f := newFixture(t, createTestRepoWithRemote(t), WithStepHook(hook))

	var wg sync.WaitGroup
	outcomes := make([]jobs.Outcome, 2)
	for i, id := range []string{"a", "b"} {
		req := f.request(id, "main", false)
		if err := f.engine.Launch(req); err != nil {
			t.Fatalf("Launch failed: %v", err)
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			outcomes[i] = f.engine.WaitForInit(id, 60*time.Second)
		}(i, id)
	}
	wg.Wait()

	for i, o := range outcomes {
		if o != jobs.OutcomeReady {
			t.Errorf("job %d outcome = %v, want ready", i, o)
		}
	}
	if overlaps != 0 {
		t.Errorf("creating_worktree overlapped %d times", overlaps)
	}
}

// Cancelling after the worktree exists removes it before completion.
func TestRun_CancelAfterWorktreeCreated(t *testing.T) {
	var f *fixture
	hook := func(nodeID string, step progress.Step) {
		if step == progress.StepCopyingConfig {
			f.engine.Cancel(nodeID)
		}
	}
	f = newFixture(t, createTestRepo(t), WithStepHook(hook))
	rec := &eventRecorder{}
	f.engine.SubscribeProgress(rec.record)

	req := f.request("n1", "main", false)
	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", got)
	}

	if _, err := os.Stat(req.WorktreePath); !os.IsNotExist(err) {
		t.Errorf("worktree directory should be removed, stat err = %v", err)
	}
	if out := runGit(t, f.repo, "branch", "--list", "canopy/n1"); out != "" {
		t.Errorf("branch should be deleted, got %q", out)
	}
	for _, s := range rec.steps("n1") {
		if s == progress.StepFailed || s == progress.StepReady {
			t.Errorf("cancelled job published %s", s)
		}
	}
	if worktrees := runGit(t, f.repo, "worktree", "list"); strings.Contains(worktrees, "canopy-n1") {
		t.Errorf("git still lists the worktree:\n%s", worktrees)
	}
}

func TestRun_CancelBeforeStart(t *testing.T) {
	f := newFixture(t, createTestRepo(t))
	rec := &eventRecorder{}
	f.engine.SubscribeProgress(rec.record)

	req := f.request("n1", "main", false)
	if _, err := f.engine.StartJob("n1", "repo-1"); err != nil {
		t.Fatal(err)
	}
	f.engine.Cancel("n1")
	if err := f.engine.Orchestrator().Run(context.Background(), req); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := f.engine.WaitForInit("n1", time.Second); got != jobs.OutcomeCancelled {
		t.Errorf("outcome = %v, want cancelled", got)
	}
	if len(rec.steps("n1")) != 0 {
		t.Errorf("no steps expected, got %v", rec.steps("n1"))
	}
}

// A retry treats the previously resolved base branch as explicit.
func TestRetry_FallbackBranchBecomesExplicit(t *testing.T) {
	f := newFixture(t, createTestRepo(t))

	f.engine.Launch(f.request("n1", "develop", false))
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeReady {
		t.Fatalf("first run outcome = %v, want ready", got)
	}
	node, _ := f.store.GetNode("n1")
	if node.BaseBranch != "main" {
		t.Fatalf("base branch after fallback = %q, want main", node.BaseBranch)
	}

	// Without explicitness a retry would now fall back to master.
	runGit(t, f.repo, "branch", "-m", "main", "master")

	retry := Request{
		NodeID:       "n1",
		NodeName:     "n1",
		RepositoryID: "repo-1",
		RepoPath:     f.repo,
		Branch:       "canopy/n1-retry",
		WorktreePath: filepath.Join(f.repo, ".canopy", "worktrees", "canopy-n1-retry"),
		BaseBranch:   node.BaseBranch,
	}
	if err := f.engine.Retry(retry); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeFailed {
		t.Fatalf("retry outcome = %v, want failed", got)
	}
	ev, _ := f.engine.GetProgress("n1")
	if !strings.Contains(ev.ErrorDetail, `"main"`) {
		t.Errorf("error detail should name main, got %q", ev.ErrorDetail)
	}
	if _, err := os.Stat(retry.WorktreePath); !os.IsNotExist(err) {
		t.Error("retry should not create a worktree")
	}
}

// WaitForInit before, during and after the run all observe the same outcome.
func TestWaitForInit_ConsistentOutcome(t *testing.T) {
	var f *fixture
	during := make(chan jobs.Outcome, 1)
	hook := func(nodeID string, step progress.Step) {
		if step == progress.StepCreatingWorktree {
			go func() { during <- f.engine.WaitForInit(nodeID, 0) }()
		}
	}
	f = newFixture(t, createTestRepo(t), WithStepHook(hook))
	req := f.request("n1", "main", false)

	if _, err := f.engine.StartJob("n1", "repo-1"); err != nil {
		t.Fatal(err)
	}
	before := make(chan jobs.Outcome, 1)
	go func() { before <- f.engine.WaitForInit("n1", 0) }()

	if err := f.engine.Orchestrator().Run(context.Background(), req); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	after := f.engine.WaitForInit("n1", time.Second)

	b, d := <-before, <-during
	if b != jobs.OutcomeReady || d != jobs.OutcomeReady || after != jobs.OutcomeReady {
		t.Errorf("outcomes before/during/after = %v/%v/%v, want ready", b, d, after)
	}
}

func TestWaitForInit_Timeout(t *testing.T) {
	release := make(chan struct{})
	hook := func(_ string, step progress.Step) {
		if step == progress.StepSyncing {
			<-release
		}
	}
	f := newFixture(t, createTestRepo(t), WithStepHook(hook))
	f.engine.Launch(f.request("n1", "main", false))

	if got := f.engine.WaitForInit("n1", 20*time.Millisecond); got != jobs.OutcomeUnknown {
		t.Errorf("outcome = %v, want unknown", got)
	}
	if !f.engine.IsInitializing("n1") {
		t.Error("a timed out wait must not cancel the job")
	}
	close(release)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeReady {
		t.Errorf("outcome = %v, want ready", got)
	}
}

// origin/main wins over a diverged local main when develop falls back.
func TestRun_RemoteTrackingBeatsLocal(t *testing.T) {
	repo := createTestRepoWithRemote(t)
	commitFile(t, repo, "local.txt", "only local")
	originMain := runGit(t, repo, "rev-parse", "origin/main")

	f := newFixture(t, repo)
	req := f.request("n1", "develop", false)
	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeReady {
		t.Fatalf("outcome = %v, want ready", got)
	}

	if head := runGit(t, req.WorktreePath, "rev-parse", "HEAD"); head != originMain {
		t.Errorf("worktree HEAD = %s, want origin/main %s", head, originMain)
	}
	node, _ := f.store.GetNode("n1")
	if node.BaseBranch != "main" {
		t.Errorf("base branch = %q, want main", node.BaseBranch)
	}
}

// An empty remote is bootstrapped with an initial commit on the desired branch.
func TestRun_EmptyRemoteBootstrap(t *testing.T) {
	repo := initRepo(t)
	remote := createEmptyRemote(t)
	runGit(t, repo, "remote", "add", "origin", remote)

	f := newFixture(t, repo)
	req := f.request("n1", "main", false)
	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeReady {
		ev, _ := f.engine.GetProgress("n1")
		t.Fatalf("outcome = %v, want ready (detail %q)", got, ev.ErrorDetail)
	}

	heads := runGit(t, repo, "ls-remote", "--heads", "origin")
	if !strings.Contains(heads, "refs/heads/main") {
		t.Errorf("remote should have main after bootstrap, got %q", heads)
	}
	if head, originMain := runGit(t, req.WorktreePath, "rev-parse", "HEAD"), runGit(t, repo, "rev-parse", "origin/main"); head != originMain {
		t.Errorf("worktree HEAD = %s, want %s", head, originMain)
	}
}

// An explicit branch that exists nowhere fails without creating anything.
func TestRun_ExplicitBranchMissing(t *testing.T) {
	f := newFixture(t, createTestRepoWithRemote(t))
	rec := &eventRecorder{}
	f.engine.SubscribeProgress(rec.record)

	req := f.request("n1", "release/v9", true)
	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}

	ev, _ := f.engine.GetProgress("n1")
	if ev.Step != progress.StepFailed || ev.Percent != 0 {
		t.Errorf("last event = %+v", ev)
	}
	if !strings.Contains(ev.ErrorDetail, "release/v9") {
		t.Errorf("error detail should name release/v9, got %q", ev.ErrorDetail)
	}
	if _, err := os.Stat(req.WorktreePath); !os.IsNotExist(err) {
		t.Error("no worktree should be created")
	}
	for _, s := range rec.steps("n1") {
		if s == progress.StepCreatingWorktree {
			t.Error("creating_worktree should not be reached")
		}
	}
	node, _ := f.store.GetNode("n1")
	if node.WorktreeStatus != config.WorktreeFailed || !strings.Contains(node.StatusDetail, "release/v9") {
		t.Errorf("node status = %q / %q", node.WorktreeStatus, node.StatusDetail)
	}
}

func TestRun_RetriesLockedWorktreeCreation(t *testing.T) {
	executor := &lockedWorktreeExecutor{RealExecutor: pexec.NewRealExecutor(), failures: 2}
	f := newFixtureWithExecutor(t, createTestRepo(t), executor)
	rec := &eventRecorder{}
	f.engine.SubscribeProgress(rec.record)

	f.engine.Launch(f.request("n1", "main", false))
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeReady {
		t.Fatalf("outcome = %v, want ready", got)
	}

	var attempts []int
	for _, e := range rec.all("n1") {
		if e.Attempt > 0 {
			attempts = append(attempts, e.Attempt)
			if e.MaxAttempts != DefaultMaxWorktreeAttempts {
				t.Errorf("MaxAttempts = %d", e.MaxAttempts)
			}
		}
	}
	if !reflect.DeepEqual(attempts, []int{2, 3}) {
		t.Errorf("attempt events = %v, want [2 3]", attempts)
	}
}

func TestRun_LockedWorktreeCreationGivesUp(t *testing.T) {
	executor := &lockedWorktreeExecutor{RealExecutor: pexec.NewRealExecutor(), failures: 10}
	f := newFixtureWithExecutor(t, createTestRepo(t), executor, WithMaxAttempts(2))

	req := f.request("n1", "main", false)
	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	if executor.calls != 2 {
		t.Errorf("worktree add calls = %d, want 2", executor.calls)
	}
	ev, _ := f.engine.GetProgress("n1")
	if !strings.Contains(ev.ErrorDetail, "canopy/n1") {
		t.Errorf("error detail = %q", ev.ErrorDetail)
	}
}

// panicStore panics while recording scripts, after the worktree exists.
type panicStore struct {
	*config.Config
}

func (p *panicStore) UpdateNodeScripts(string, []string, []string) error {
	panic("store exploded")
}

func TestRun_PanicRemovesWorktree(t *testing.T) {
	repo := createTestRepo(t)
	f := newFixture(t, repo)
	scriptsDir := filepath.Join(repo, ".canopy", "config")
	os.MkdirAll(scriptsDir, 0755)
	os.WriteFile(filepath.Join(scriptsDir, "scripts.yaml"), []byte("setup:\n  - make\n"), 0644)

	engine := NewEngine(git.NewGitService(), &panicStore{Config: f.store})
	t.Cleanup(func() { engine.Shutdown(context.Background()) })
	req := f.request("n1", "main", false)
	engine.Launch(req)
	if got := engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}

	ev, _ := engine.GetProgress("n1")
	if !strings.Contains(ev.ErrorDetail, "store exploded") {
		t.Errorf("error detail = %q", ev.ErrorDetail)
	}
	if _, err := os.Stat(req.WorktreePath); !os.IsNotExist(err) {
		t.Error("worktree should be removed after a panic")
	}
	if release, ok := engine.Registry().Locks().TryAcquire("repo-1"); !ok {
		t.Error("repository lock should be released after a panic")
	} else {
		release()
	}
}

func TestRun_ReportsScripts(t *testing.T) {
	repo := createTestRepo(t)
	scriptsDir := filepath.Join(repo, ".canopy", "config")
	os.MkdirAll(scriptsDir, 0755)
	os.WriteFile(filepath.Join(scriptsDir, "scripts.yaml"), []byte("setup:\n  - npm ci\nteardown:\n  - make clean\n"), 0644)

	f := newFixture(t, repo)
	req := f.request("n1", "main", false)
	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeReady {
		t.Fatalf("outcome = %v, want ready", got)
	}

	ev, _ := f.engine.GetProgress("n1")
	if !strings.Contains(ev.Message, "npm ci") {
		t.Errorf("ready message = %q", ev.Message)
	}
	node, _ := f.store.GetNode("n1")
	if !reflect.DeepEqual(node.SetupScripts, []string{"npm ci"}) || !reflect.DeepEqual(node.TeardownScripts, []string{"make clean"}) {
		t.Errorf("scripts = %v / %v", node.SetupScripts, node.TeardownScripts)
	}
	if _, err := os.Stat(filepath.Join(req.WorktreePath, ".canopy", "config", "scripts.yaml")); err != nil {
		t.Errorf("config dir should be copied into the worktree: %v", err)
	}
}

func TestRunExistingBranch(t *testing.T) {
	repo := createTestRepo(t)
	runGit(t, repo, "branch", "feature/login")
	f := newFixture(t, repo)
	rec := &eventRecorder{}
	f.engine.SubscribeProgress(rec.record)

	req := f.request("n1", "main", false)
	req.Branch = "feature/login"
	req.WorktreePath = filepath.Join(repo, ".canopy", "worktrees", "feature-login")
	req.ExistingBranch = true
	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeReady {
		t.Fatalf("outcome = %v, want ready", got)
	}

	want := []progress.Step{progress.StepCreatingWorktree, progress.StepCopyingConfig, progress.StepFinalizing, progress.StepReady}
	if steps := rec.steps("n1"); !reflect.DeepEqual(steps, want) {
		t.Errorf("steps = %v, want %v", steps, want)
	}
	if branch := runGit(t, req.WorktreePath, "rev-parse", "--abbrev-ref", "HEAD"); branch != "feature/login" {
		t.Errorf("worktree branch = %q", branch)
	}
}

func TestRun_WorktreePathTaken(t *testing.T) {
	f := newFixture(t, createTestRepo(t))
	req := f.request("n1", "main", false)
	runGit(t, f.repo, "worktree", "add", "-b", "other", req.WorktreePath)

	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	if !git.WorktreeExists(req.WorktreePath) {
		t.Error("an existing worktree must not be removed")
	}
}

func TestRun_WorktreePathOccupiedByDirectory(t *testing.T) {
	f := newFixture(t, createTestRepo(t))
	req := f.request("n1", "main", false)
	if err := os.MkdirAll(req.WorktreePath, 0755); err != nil {
		t.Fatal(err)
	}
	precious := filepath.Join(req.WorktreePath, "precious.txt")
	if err := os.WriteFile(precious, []byte("keep me"), 0644); err != nil {
		t.Fatal(err)
	}

	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	ev, _ := f.engine.GetProgress("n1")
	if !strings.Contains(ev.ErrorDetail, "already exists") {
		t.Errorf("error detail = %q", ev.ErrorDetail)
	}
	if data, err := os.ReadFile(precious); err != nil || string(data) != "keep me" {
		t.Errorf("a directory the job did not create must be left alone: %v", err)
	}
	if branches := runGit(t, f.repo, "branch", "--list", req.Branch); branches != "" {
		t.Errorf("no branch should be created, got %q", branches)
	}
}

func TestRun_EmptyDirectoryAtWorktreePath(t *testing.T) {
	f := newFixture(t, createTestRepo(t))
	req := f.request("n1", "main", false)
	if err := os.MkdirAll(req.WorktreePath, 0755); err != nil {
		t.Fatal(err)
	}

	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	if _, err := os.Stat(req.WorktreePath); err != nil {
		t.Errorf("existing directory should still be there: %v", err)
	}
}

func TestRun_PanickingHookDuringFailureReport(t *testing.T) {
	hook := func(_ string, step progress.Step) {
		if step == progress.StepCopyingConfig || step == progress.StepFailed {
			panic("hook exploded at " + string(step))
		}
	}
	f := newFixture(t, createTestRepo(t), WithStepHook(hook))
	req := f.request("n1", "main", false)

	f.engine.Launch(req)
	if got := f.engine.WaitForInit("n1", 30*time.Second); got != jobs.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	job, _ := f.engine.Registry().Get("n1")
	if _, detail := job.Outcome(); !strings.Contains(detail, "hook exploded at copying_config") {
		t.Errorf("detail = %q", detail)
	}
	if _, err := os.Stat(req.WorktreePath); !os.IsNotExist(err) {
		t.Error("worktree should be removed")
	}
	if release, ok := f.engine.Registry().Locks().TryAcquire("repo-1"); !ok {
		t.Error("repository lock should be released")
	} else {
		release()
	}
}

// observerRecorder counts observer callbacks.
type observerRecorder struct {
	mu       sync.Mutex
	started  int
	finished map[jobs.Outcome]int
	steps    map[progress.Step]int
}

func (o *observerRecorder) JobStarted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *observerRecorder) JobFinished(_ string, outcome jobs.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[outcome]++
}

func (o *observerRecorder) StepCompleted(step progress.Step, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps[step]++
}

func TestRun_Observer(t *testing.T) {
	obs := &observerRecorder{finished: map[jobs.Outcome]int{}, steps: map[progress.Step]int{}}
	f := newFixture(t, createTestRepo(t), WithObserver(obs))

	f.engine.Launch(f.request("n1", "main", false))
	f.engine.WaitForInit("n1", 30*time.Second)
	f.engine.Launch(f.request("n2", "nope", true))
	f.engine.WaitForInit("n2", 30*time.Second)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.started != 2 || obs.finished[jobs.OutcomeReady] != 1 || obs.finished[jobs.OutcomeFailed] != 1 {
		t.Errorf("started=%d finished=%v", obs.started, obs.finished)
	}
	if obs.steps[progress.StepFinalizing] != 1 || obs.steps[progress.StepSyncing] != 2 {
		t.Errorf("steps = %v", obs.steps)
	}
	if _, ok := obs.steps[progress.StepReady]; ok {
		t.Error("terminal steps should not be timed")
	}
}
