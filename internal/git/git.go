// Package git is a thin facade over the git binary. Every method issues one
// bounded subprocess call through an injectable CommandExecutor; nothing here
// retries or keeps state.
package git

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/canopy/internal/errors"
	pexec "github.com/zhubert/canopy/internal/exec"
	"github.com/zhubert/canopy/internal/logger"
)

const (
	// DefaultNetworkTimeout bounds calls that talk to the remote.
	DefaultNetworkTimeout = 60 * time.Second
	// DefaultLocalTimeout bounds calls that only touch the local repository.
	DefaultLocalTimeout = 30 * time.Second
)

// GitService issues git commands through a CommandExecutor.
type GitService struct {
	executor       pexec.CommandExecutor
	networkTimeout time.Duration
	localTimeout   time.Duration
}

// NewGitService creates a GitService that runs the real git binary with
// interactive credential prompts disabled.
func NewGitService() *GitService {
	return NewGitServiceWithExecutor(pexec.NewRealExecutor(pexec.WithEnv("GIT_TERMINAL_PROMPT=0")))
}

// NewGitServiceWithExecutor creates a GitService with a custom executor (for testing).
func NewGitServiceWithExecutor(executor pexec.CommandExecutor) *GitService {
	return &GitService{
		executor:       executor,
		networkTimeout: DefaultNetworkTimeout,
		localTimeout:   DefaultLocalTimeout,
	}
}

// WithTimeouts overrides the network and local call timeouts. Zero keeps the default.
func (s *GitService) WithTimeouts(network, local time.Duration) *GitService {
	if network > 0 {
		s.networkTimeout = network
	}
	if local > 0 {
		s.localTimeout = local
	}
	return s
}

// CommandError is returned when git exits non-zero. Stderr is already sanitized.
type CommandError struct {
	Args   []string
	Code   int
	Stderr string
}

func (e *CommandError) Error() string {
	sub := "git " + subcommand(e.Args)
	if msg := summarize(e.Stderr); msg != "" {
		return sub + ": " + msg
	}
	return sub + ": exited with status " + strconv.Itoa(e.Code)
}

// ExitCode returns git's exit status.
func (e *CommandError) ExitCode() int {
	return e.Code
}

// run executes git in dir with the given timeout and returns trimmed stdout.
func (s *GitService) run(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, err := s.executor.Run(ctx, dir, "git", args...)
	if err != nil {
		return "", s.wrap(ctx, args, stderr, err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

func (s *GitService) network(ctx context.Context, dir string, args ...string) (string, error) {
	return s.run(ctx, s.networkTimeout, dir, args...)
}

func (s *GitService) local(ctx context.Context, dir string, args ...string) (string, error) {
	return s.run(ctx, s.localTimeout, dir, args...)
}

func (s *GitService) wrap(ctx context.Context, args []string, stderr []byte, err error) error {
	sub := subcommand(args)
	op := errors.Op("git." + sub)
	if ctx.Err() == context.DeadlineExceeded {
		return errors.E(op, errors.KindTimeout, "git "+sub+" timed out")
	}
	if ctx.Err() == context.Canceled {
		return errors.E(op, errors.KindCancelled, "git "+sub+" interrupted")
	}

	text := string(stderr)
	code := pexec.ExitCode(err)
	if code < 0 {
		// Git never ran (binary missing, bad working directory).
		return errors.E(op, errors.KindIO, Sanitize(err.Error()))
	}
	return errors.E(op, Classify(text), &CommandError{
		Args:   append([]string(nil), args...),
		Code:   code,
		Stderr: Sanitize(text),
	})
}

// HasRemoteOrigin reports whether the repository has a remote named "origin".
func (s *GitService) HasRemoteOrigin(ctx context.Context, repoPath string) bool {
	_, err := s.local(ctx, repoPath, "remote", "get-url", "origin")
	return err == nil
}

// ValidateRepo checks that path is inside a git work tree.
func (s *GitService) ValidateRepo(ctx context.Context, path string) error {
	out, err := s.local(ctx, path, "rev-parse", "--is-inside-work-tree")
	if err != nil || out != "true" {
		return errors.GitNotRepo(path)
	}
	return nil
}

// RefExists reports whether ref resolves to a commit in the local repository.
func (s *GitService) RefExists(ctx context.Context, repoPath, ref string) bool {
	_, err := s.local(ctx, repoPath, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

// RemoteTrackingRefExists reports whether origin/<branch> exists locally.
func (s *GitService) RemoteTrackingRefExists(ctx context.Context, repoPath, branch string) bool {
	return s.RefExists(ctx, repoPath, "refs/remotes/origin/"+branch)
}

// LocalBranchExists reports whether the local branch exists.
func (s *GitService) LocalBranchExists(ctx context.Context, repoPath, branch string) bool {
	return s.RefExists(ctx, repoPath, "refs/heads/"+branch)
}

// RemoteBranchExists asks origin whether branch exists. A false result with a
// nil error means the remote answered and the branch is absent.
func (s *GitService) RemoteBranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	_, err := s.network(ctx, repoPath, "ls-remote", "--exit-code", "--heads", "origin", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	// ls-remote --exit-code exits 2 when no matching refs were found.
	if pexec.ExitCode(err) == 2 {
		return false, nil
	}
	return false, err
}

// RemoteHasBranches reports whether origin has at least one branch.
func (s *GitService) RemoteHasBranches(ctx context.Context, repoPath string) (bool, error) {
	out, err := s.network(ctx, repoPath, "ls-remote", "--heads", "origin")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// RemoteDefaultBranch returns the branch origin's HEAD points at, or "" when
// the remote does not advertise one.
func (s *GitService) RemoteDefaultBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := s.network(ctx, repoPath, "ls-remote", "--symref", "origin", "HEAD")
	if err != nil {
		return "", err
	}
	// ref: refs/heads/main	HEAD
	for _, line := range strings.Split(out, "\n") {
		rest, ok := strings.CutPrefix(line, "ref:")
		if !ok {
			continue
		}
		ref, _, _ := strings.Cut(strings.TrimSpace(rest), "\t")
		return strings.TrimPrefix(strings.TrimSpace(ref), "refs/heads/"), nil
	}
	return "", nil
}

// FetchBranch fetches branch from origin and updates origin/<branch>.
func (s *GitService) FetchBranch(ctx context.Context, repoPath, branch string) error {
	refspec := "+refs/heads/" + branch + ":refs/remotes/origin/" + branch
	_, err := s.network(ctx, repoPath, "fetch", "--no-tags", "origin", refspec)
	return err
}

// DeleteBranch force-deletes a local branch.
func (s *GitService) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := s.local(ctx, repoPath, "branch", "-D", branch)
	return err
}

// ListLocalBranches returns the short names of all local branches.
func (s *GitService) ListLocalBranches(ctx context.Context, repoPath string) ([]string, error) {
	out, err := s.local(ctx, repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// WorktreeExists reports whether path holds a checked-out worktree.
func WorktreeExists(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// subcommand returns the git subcommand in args, skipping "-c key=value" pairs.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		if !strings.HasPrefix(args[i], "-") {
			return args[i]
		}
	}
	return "run"
}

func componentLog() *slog.Logger {
	return logger.WithComponent("git")
}

// summarize reduces git stderr to its most useful line: the first fatal or
// error line, otherwise the last non-empty one.
func summarize(stderr string) string {
	var last string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "fatal:") || strings.HasPrefix(line, "error:") {
			return line
		}
		last = line
	}
	return last
}
