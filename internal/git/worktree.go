package git

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/zhubert/canopy/internal/errors"
)

// Status summarizes the state of a worktree.
type Status struct {
	Branch       string `json:"branch"`
	Upstream     string `json:"upstream,omitempty"`
	HeadCommit   string `json:"head_commit,omitempty"`
	ChangedFiles int    `json:"changed_files"`
	Clean        bool   `json:"clean"`
}

// CreateWorktreeFromRef creates a new branch at ref and checks it out at path.
// The new branch does not track ref.
func (s *GitService) CreateWorktreeFromRef(ctx context.Context, repoPath, worktreePath, branch, ref string) error {
	_, err := s.local(ctx, repoPath, "worktree", "add", "--no-track", "-b", branch, worktreePath, ref)
	if err != nil {
		return errors.WorktreeFailed(branch, err)
	}
	return nil
}

// CreateWorktreeFromBranch checks out an existing local branch at path.
func (s *GitService) CreateWorktreeFromBranch(ctx context.Context, repoPath, worktreePath, branch string) error {
	_, err := s.local(ctx, repoPath, "worktree", "add", worktreePath, branch)
	if err != nil {
		return errors.WorktreeFailed(branch, err)
	}
	return nil
}

// RemoveWorktree removes the worktree at path and prunes git's metadata for
// it. If git refuses, the directory is deleted directly. An error is returned
// only if the directory is still on disk afterwards.
func (s *GitService) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	log := componentLog()
	if _, err := s.local(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		log.Debug("git worktree remove failed, removing directory", "path", worktreePath, "error", err)
	}

	if _, err := os.Stat(worktreePath); err == nil {
		if err := os.RemoveAll(worktreePath); err != nil {
			return errors.E(errors.Op("git.RemoveWorktree"), errors.KindIO, "failed to remove "+worktreePath, err)
		}
	}

	if _, err := s.local(ctx, repoPath, "worktree", "prune"); err != nil {
		log.Warn("git worktree prune failed", "repo", repoPath, "error", err)
	}
	return nil
}

// WorktreeBranch reports whether git has a worktree registered at path and
// which branch it has checked out. Detached worktrees report an empty branch.
func (s *GitService) WorktreeBranch(ctx context.Context, repoPath, worktreePath string) (branch string, registered bool, err error) {
	out, err := s.local(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return "", false, err
	}
	want := canonicalPath(worktreePath)
	for path, b := range parseWorktreeList(out) {
		if canonicalPath(path) == want {
			return b, true, nil
		}
	}
	return "", false, nil
}

// parseWorktreeList maps worktree paths to their checked out branch from
// "git worktree list --porcelain" output:
//
//	worktree /repo
//	HEAD 1f2e...
//	branch refs/heads/main
//
//	worktree /repo-wt
//	HEAD 1f2e...
//	detached
func parseWorktreeList(out string) map[string]string {
	worktrees := make(map[string]string)
	var current string
	for _, line := range strings.Split(out, "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			current = path
			worktrees[current] = ""
			continue
		}
		if ref, ok := strings.CutPrefix(line, "branch "); ok && current != "" {
			worktrees[current] = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	return worktrees
}

// canonicalPath resolves symlinks so /tmp and /private/tmp style aliases compare equal.
func canonicalPath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// WorktreeStatus reads branch, upstream, HEAD and change count of a worktree.
func (s *GitService) WorktreeStatus(ctx context.Context, worktreePath string) (*Status, error) {
	out, err := s.local(ctx, worktreePath, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return nil, err
	}

	st := &Status{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if header, ok := strings.CutPrefix(line, "## "); ok {
			st.Branch, st.Upstream = parseBranchHeader(header)
			continue
		}
		st.ChangedFiles++
	}
	st.Clean = st.ChangedFiles == 0

	if head, err := s.local(ctx, worktreePath, "rev-parse", "HEAD"); err == nil {
		st.HeadCommit = head
	}
	return st, nil
}

// parseBranchHeader parses the "## " line of porcelain status output:
//
//	main...origin/main [ahead 1]
//	No commits yet on main
//	HEAD (no branch)
func parseBranchHeader(header string) (branch, upstream string) {
	if rest, ok := strings.CutPrefix(header, "No commits yet on "); ok {
		return rest, ""
	}
	if i := strings.Index(header, " ["); i >= 0 {
		header = header[:i]
	}
	branch, upstream, _ = strings.Cut(header, "...")
	return branch, upstream
}

// BootstrapEmptyRemote gives a remote with no branches its first commit: an
// empty tree committed on branch and pushed to origin. Afterwards both the
// local branch (if it did not exist) and origin/<branch> point at the commit.
func (s *GitService) BootstrapEmptyRemote(ctx context.Context, repoPath, branch string) error {
	tree, err := s.local(ctx, repoPath, "hash-object", "-t", "tree", "-w", os.DevNull)
	if err != nil {
		return errors.BootstrapFailed(branch, err)
	}

	args := []string{"commit-tree", tree, "-m", "Initial commit"}
	if name, _ := s.local(ctx, repoPath, "config", "user.name"); name == "" {
		args = append([]string{"-c", "user.name=canopy", "-c", "user.email=canopy@localhost"}, args...)
	}
	commit, err := s.local(ctx, repoPath, args...)
	if err != nil {
		return errors.BootstrapFailed(branch, err)
	}

	if !s.LocalBranchExists(ctx, repoPath, branch) {
		if _, err := s.local(ctx, repoPath, "branch", branch, commit); err != nil {
			return errors.BootstrapFailed(branch, err)
		}
	}

	if _, err := s.network(ctx, repoPath, "push", "origin", commit+":refs/heads/"+branch); err != nil {
		return errors.BootstrapFailed(branch, err)
	}

	if _, err := s.local(ctx, repoPath, "update-ref", "refs/remotes/origin/"+branch, commit); err != nil {
		return errors.BootstrapFailed(branch, err)
	}
	return nil
}
