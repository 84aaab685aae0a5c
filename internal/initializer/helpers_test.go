package initializer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/canopy/internal/config"
	pexec "github.com/zhubert/canopy/internal/exec"
	"github.com/zhubert/canopy/internal/git"
	"github.com/zhubert/canopy/internal/progress"
	"github.com/zhubert/canopy/internal/repoconfig"
)

// runGit runs a git command in dir and fails the test on error.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// initRepo creates an empty repository on branch main with a test identity.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "commit.gpgsign", "false")
	return dir
}

// commitFile writes name and commits it on the current branch.
func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	runGit(t, dir, "add", name)
	runGit(t, dir, "commit", "-m", "add "+name)
}

// createTestRepo creates a repository with one commit on main.
func createTestRepo(t *testing.T) string {
	t.Helper()
	dir := initRepo(t)
	commitFile(t, dir, "test.txt", "test content")
	return dir
}

// createEmptyRemote creates a bare repository whose HEAD points at main.
func createEmptyRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "--bare")
	runGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	return dir
}

// createTestRepoWithRemote creates a repository whose main is pushed to origin.
func createTestRepoWithRemote(t *testing.T) string {
	t.Helper()
	remote := createEmptyRemote(t)
	repo := createTestRepo(t)
	runGit(t, repo, "remote", "add", "origin", remote)
	runGit(t, repo, "push", "-u", "origin", "main")
	return repo
}

// fixture is an engine over one registered repository.
type fixture struct {
	t      *testing.T
	repo   string
	store  *config.Config
	engine *Engine
}

func newFixture(t *testing.T, repoPath string, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithGit(t, repoPath, git.NewGitService(), opts...)
}

func newFixtureWithExecutor(t *testing.T, repoPath string, executor pexec.CommandExecutor, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithGit(t, repoPath, git.NewGitServiceWithExecutor(executor), opts...)
}

func newFixtureWithGit(t *testing.T, repoPath string, gitSvc *git.GitService, opts ...Option) *fixture {
	t.Helper()
	store := config.New("")
	if err := store.AddRepository(config.Repository{ID: "repo-1", Name: "repo", Path: repoPath, DefaultBranch: "main", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AddRepository failed: %v", err)
	}
	opts = append([]Option{WithRetryBackoff(time.Millisecond)}, opts...)
	engine := NewEngine(gitSvc, store, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return &fixture{t: t, repo: repoPath, store: store, engine: engine}
}

// request adds a node record and returns the request that initializes it.
func (f *fixture) request(nodeID, base string, explicit bool) Request {
	f.t.Helper()
	branch := "canopy/" + nodeID
	req := Request{
		NodeID:             nodeID,
		NodeName:           nodeID,
		RepositoryID:       "repo-1",
		RepoPath:           f.repo,
		Branch:             branch,
		WorktreePath:       repoconfig.WorktreePath(f.repo, branch),
		BaseBranch:         base,
		BaseBranchExplicit: explicit,
	}
	err := f.store.AddNode(config.Node{
		ID:                 nodeID,
		RepositoryID:       "repo-1",
		Name:               nodeID,
		Branch:             branch,
		WorktreePath:       req.WorktreePath,
		BaseBranch:         base,
		OriginalBaseBranch: base,
		BaseBranchExplicit: explicit,
		WorktreeStatus:     config.WorktreePending,
		CreatedAt:          time.Now(),
	})
	if err != nil {
		f.t.Fatalf("AddNode failed: %v", err)
	}
	return req
}

// eventRecorder collects every event delivered to it.
type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) record(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) steps(nodeID string) []progress.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	var steps []progress.Step
	for _, e := range r.events {
		if e.NodeID == nodeID {
			steps = append(steps, e.Step)
		}
	}
	return steps
}

func (r *eventRecorder) all(nodeID string) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// analyticsRecorder records analytics events.
type analyticsRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *analyticsRecorder) Record(event string, props map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event+":"+props["node_id"])
}

func (a *analyticsRecorder) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

// lockedWorktreeExecutor fails the first n "git worktree add" calls with
// index.lock contention and runs everything else for real.
type lockedWorktreeExecutor struct {
	*pexec.RealExecutor
	mu       sync.Mutex
	failures int
	calls    int
}

func (e *lockedWorktreeExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	if name == "git" && len(args) >= 2 && args[0] == "worktree" && args[1] == "add" {
		e.mu.Lock()
		e.calls++
		fail := e.calls <= e.failures
		e.mu.Unlock()
		if fail {
			stderr := []byte("fatal: Unable to create '" + dir + "/.git/index.lock': File exists.\n")
			return nil, stderr, &pexec.ExitError{Code: 128, Stderr: stderr}
		}
	}
	return e.RealExecutor.Run(ctx, dir, name, args...)
}

func (e *lockedWorktreeExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	stdout, _, err := e.Run(ctx, dir, name, args...)
	return stdout, err
}

func (e *lockedWorktreeExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	stdout, stderr, err := e.Run(ctx, dir, name, args...)
	return append(stdout, stderr...), err
}
