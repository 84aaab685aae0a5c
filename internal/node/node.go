package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhubert/canopy/internal/config"
	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/git"
	"github.com/zhubert/canopy/internal/initializer"
	"github.com/zhubert/canopy/internal/jobs"
	"github.com/zhubert/canopy/internal/logger"
	"github.com/zhubert/canopy/internal/naming"
	"github.com/zhubert/canopy/internal/repoconfig"
	"github.com/zhubert/canopy/internal/store"
)

// MaxNameLength is the maximum length for user-provided node names.
const MaxNameLength = 100

// validNameRegex matches names that are safe as a git branch component.
// Git branch names cannot contain space, ~, ^, :, ?, *, [, \ or control
// characters.
var validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// ValidateName checks that name can be used as the suffix of a branch.
func ValidateName(name string) error {
	op := errors.Op("node.ValidateName")
	if name == "" {
		return nil
	}
	if len(name) > MaxNameLength {
		return errors.E(op, errors.KindInvalid, fmt.Sprintf("name too long (max %d characters)", MaxNameLength))
	}
	if strings.HasSuffix(name, ".lock") {
		return errors.E(op, errors.KindInvalid, "name cannot end with '.lock'")
	}
	if strings.Contains(name, "..") {
		return errors.E(op, errors.KindInvalid, "name cannot contain '..'")
	}
	if !validNameRegex.MatchString(name) {
		return errors.E(op, errors.KindInvalid, "name contains invalid characters (use letters, numbers, /, _, ., -)")
	}
	return nil
}

// Service creates, retries and deletes nodes.
type Service struct {
	store       store.Store
	git         *git.GitService
	engine      *initializer.Engine
	waitTimeout time.Duration

	// busy holds IDs of nodes with a Delete or Retry in flight.
	mu   sync.Mutex
	busy map[string]bool
}

// NewService creates a Service. waitTimeout bounds how long Delete waits for
// a cancelled job to settle.
func NewService(st store.Store, gitSvc *git.GitService, engine *initializer.Engine, waitTimeout time.Duration) *Service {
	if waitTimeout <= 0 {
		waitTimeout = config.DefaultWaitTimeout
	}
	return &Service{store: st, git: gitSvc, engine: engine, waitTimeout: waitTimeout, busy: make(map[string]bool)}
}

// beginOp marks a node busy for the duration of a Delete or Retry. A second
// operation on the same node fails with a conflict until done is called.
func (s *Service) beginOp(op errors.Op, id string) (done func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[id] {
		return nil, errors.E(op, errors.KindConflict, fmt.Sprintf("node %s is being deleted or retried", id))
	}
	s.busy[id] = true
	return func() {
		s.mu.Lock()
		delete(s.busy, id)
		s.mu.Unlock()
	}, nil
}

// checkWorktreePath rejects a worktree path that another node already uses
// or that is occupied on disk. Distinct branches such as canopy/x/y and
// canopy/x-y map to the same directory.
func (s *Service) checkWorktreePath(op errors.Op, repo *config.Repository, path string) error {
	nodes, err := s.store.ListNodesByRepository(repo.ID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if filepath.Clean(n.WorktreePath) == filepath.Clean(path) {
			return errors.E(op, errors.KindConflict,
				fmt.Sprintf("worktree path %s already belongs to node %s", path, n.Name))
		}
	}
	if _, err := os.Lstat(path); err == nil {
		return errors.E(op, errors.KindConflict, fmt.Sprintf("worktree path %s already exists", path))
	} else if !os.IsNotExist(err) {
		return errors.E(op, errors.KindIO, "failed to inspect worktree path", err)
	}
	return nil
}

// CreateOptions describes a node to create.
type CreateOptions struct {
	RepositoryID string
	// BaseBranch is the branch to start from. When empty the repository's
	// default branch is used and may fall back to another branch.
	BaseBranch string
	// Name is used as canopy/<Name>. Generated when empty.
	Name string
}

// Create registers a node and starts initializing its worktree in the
// background. The returned node has status pending.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*config.Node, error) {
	op := errors.Op("node.Create")
	log := logger.WithComponent("node")

	repo, err := s.store.GetRepository(opts.RepositoryID)
	if err != nil {
		return nil, err
	}
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}

	branches, err := s.git.ListLocalBranches(ctx, repo.Path)
	if err != nil {
		return nil, errors.E(op, errors.GetKindOr(err, errors.KindGit), "failed to list branches", err)
	}
	name := opts.Name
	if name == "" {
		name = naming.GenerateNodeName(branches)
	}
	branch := naming.BranchName(name)
	for _, b := range branches {
		if b == branch {
			return nil, errors.E(op, errors.KindConflict, fmt.Sprintf("branch %s already exists", branch))
		}
	}

	worktreePath := repoconfig.WorktreePath(repo.Path, branch)
	if err := s.checkWorktreePath(op, repo, worktreePath); err != nil {
		return nil, err
	}

	base, explicit := opts.BaseBranch, opts.BaseBranch != ""
	if !explicit {
		base = repo.DefaultBranch
		if base == "" {
			base = "main"
		}
	}

	n := config.Node{
		ID:                 uuid.New().String(),
		RepositoryID:       repo.ID,
		Name:               name,
		Branch:             branch,
		WorktreePath:       worktreePath,
		BaseBranch:         base,
		OriginalBaseBranch: base,
		BaseBranchExplicit: explicit,
		WorktreeStatus:     config.WorktreePending,
		CreatedAt:          time.Now(),
	}
	if err := s.launch(repo, n); err != nil {
		return nil, err
	}
	log.Info("node created", "node", n.ID, "name", name, "branch", branch, "base", base, "explicit", explicit)
	return &n, nil
}

// CreateFromBranch registers a node whose worktree checks out an existing
// local branch. The branch is left in place when the node is deleted.
func (s *Service) CreateFromBranch(ctx context.Context, repositoryID, branch string) (*config.Node, error) {
	op := errors.Op("node.CreateFromBranch")

	repo, err := s.store.GetRepository(repositoryID)
	if err != nil {
		return nil, err
	}
	if !s.git.LocalBranchExists(ctx, repo.Path, branch) {
		return nil, errors.E(op, errors.KindNotFound, fmt.Sprintf("branch %s does not exist", branch))
	}

	nodes, err := s.store.ListNodesByRepository(repo.ID)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Branch == branch {
			return nil, errors.E(op, errors.KindConflict, fmt.Sprintf("branch %s already belongs to node %s", branch, n.Name))
		}
	}
	worktreePath := repoconfig.WorktreePath(repo.Path, branch)
	if err := s.checkWorktreePath(op, repo, worktreePath); err != nil {
		return nil, err
	}

	n := config.Node{
		ID:             uuid.New().String(),
		RepositoryID:   repo.ID,
		Name:           strings.TrimPrefix(branch, naming.BranchPrefix),
		Branch:         branch,
		WorktreePath:   worktreePath,
		BaseBranch:     branch,
		ExistingBranch: true,
		WorktreeStatus: config.WorktreePending,
		CreatedAt:      time.Now(),
	}
	if err := s.launch(repo, n); err != nil {
		return nil, err
	}
	logger.WithComponent("node").Info("node created from branch", "node", n.ID, "branch", branch)
	return &n, nil
}

func (s *Service) launch(repo *config.Repository, n config.Node) error {
	if _, err := repoconfig.EnsureGitignore(repo.Path); err != nil {
		logger.WithComponent("node").Warn("failed to update .gitignore", "repo", repo.Path, "error", err)
	}
	if err := s.store.AddNode(n); err != nil {
		return err
	}
	if err := s.engine.Launch(request(repo, &n)); err != nil {
		if rmErr := s.store.RemoveNode(n.ID); rmErr != nil {
			logger.WithNode(n.ID).Warn("failed to remove node after launch failure", "error", rmErr)
		}
		return err
	}
	return nil
}

// Retry re-runs initialization for a node whose worktree failed. The base
// branch recorded on the node is treated as explicit.
func (s *Service) Retry(ctx context.Context, id string) (*config.Node, error) {
	op := errors.Op("node.Retry")

	done, err := s.beginOp(op, id)
	if err != nil {
		return nil, err
	}
	defer done()

	n, err := s.store.GetNode(id)
	if err != nil {
		return nil, err
	}
	if n.WorktreeStatus != config.WorktreeFailed {
		return nil, errors.E(op, errors.KindConflict,
			fmt.Sprintf("node %s cannot be retried in status %s", n.Name, n.WorktreeStatus))
	}
	repo, err := s.store.GetRepository(n.RepositoryID)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateNodeWorktreeStatus(id, config.WorktreePending, ""); err != nil {
		return nil, err
	}
	if err := s.engine.Retry(request(repo, n)); err != nil {
		if rbErr := s.store.UpdateNodeWorktreeStatus(id, config.WorktreeFailed, n.StatusDetail); rbErr != nil {
			logger.WithNode(id).Warn("failed to restore failed status", "error", rbErr)
		}
		return nil, err
	}
	logger.WithNode(id).Info("node retry started", "base", n.BaseBranch)
	return s.store.GetNode(id)
}

// Delete removes a node: its running job is cancelled and awaited, then the
// worktree, branch and record are removed. If the job does not settle
// within the wait timeout nothing is removed and a timeout error is returned.
func (s *Service) Delete(ctx context.Context, id string) error {
	op := errors.Op("node.Delete")
	log := logger.WithNode(id).With("component", "node")

	done, err := s.beginOp(op, id)
	if err != nil {
		return err
	}
	defer done()

	n, err := s.store.GetNode(id)
	if err != nil {
		return err
	}

	if s.engine.Cancel(id) {
		log.Info("cancelled initialization for delete")
	}
	if outcome := s.engine.WaitForInit(id, s.waitTimeout); outcome == jobs.OutcomeUnknown {
		return errors.E(op, errors.KindTimeout,
			fmt.Sprintf("node %s is still initializing after %s", n.Name, s.waitTimeout))
	}

	repo, err := s.store.GetRepository(n.RepositoryID)
	if err != nil {
		if !errors.Is(err, errors.KindNotFound) {
			return err
		}
		log.Warn("repository record missing, removing node only", "repository", n.RepositoryID)
	} else if err := s.removeGitState(ctx, repo, n); err != nil {
		return err
	}

	if err := s.engine.ClearJob(id); err != nil {
		return err
	}
	if err := s.store.RemoveNode(id); err != nil {
		return err
	}
	log.Info("node deleted", "name", n.Name)
	return nil
}

func (s *Service) removeGitState(ctx context.Context, repo *config.Repository, n *config.Node) error {
	release, err := s.engine.Registry().Locks().Acquire(ctx, repo.ID)
	if err != nil {
		return err
	}
	defer release()

	log := logger.WithNode(n.ID)
	if _, err := os.Lstat(n.WorktreePath); err == nil {
		// Only a worktree git has on this node's branch is ours to remove.
		branch, registered, err := s.git.WorktreeBranch(ctx, repo.Path, n.WorktreePath)
		switch {
		case err != nil:
			log.Warn("failed to list worktrees, leaving path in place", "path", n.WorktreePath, "error", err)
		case !registered || branch != n.Branch:
			log.Warn("worktree path does not hold this node's branch, leaving it in place",
				"path", n.WorktreePath, "registered", registered, "checked_out", branch)
		default:
			if err := s.git.RemoveWorktree(ctx, repo.Path, n.WorktreePath); err != nil {
				return err
			}
			log.Info("worktree removed", "path", n.WorktreePath)
		}
	}
	if n.ExistingBranch {
		return nil
	}
	if s.git.LocalBranchExists(ctx, repo.Path, n.Branch) {
		if err := s.git.DeleteBranch(ctx, repo.Path, n.Branch); err != nil {
			log.Warn("failed to delete branch", "branch", n.Branch, "error", err)
		}
	}
	return nil
}

// Get returns a node by ID.
func (s *Service) Get(id string) (*config.Node, error) {
	return s.store.GetNode(id)
}

// List returns the nodes of a repository, or all nodes when repositoryID is
// empty.
func (s *Service) List(repositoryID string) ([]config.Node, error) {
	if repositoryID == "" {
		return s.store.ListNodes()
	}
	return s.store.ListNodesByRepository(repositoryID)
}

func request(repo *config.Repository, n *config.Node) initializer.Request {
	return initializer.Request{
		NodeID:             n.ID,
		NodeName:           n.Name,
		RepositoryID:       repo.ID,
		RepoPath:           repo.Path,
		Branch:             n.Branch,
		WorktreePath:       n.WorktreePath,
		BaseBranch:         n.BaseBranch,
		BaseBranchExplicit: n.BaseBranchExplicit,
		ExistingBranch:     n.ExistingBranch,
	}
}

// OrphanedWorktree is a worktree directory with no matching node.
type OrphanedWorktree struct {
	Path         string // Full path to the worktree
	RepositoryID string
	RepoPath     string
}

// FindOrphanedWorktrees lists directories under each repository's
// worktrees directory that no node points at.
func (s *Service) FindOrphanedWorktrees() ([]OrphanedWorktree, error) {
	log := logger.WithComponent("node")

	nodes, err := s.store.ListNodes()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[filepath.Clean(n.WorktreePath)] = true
	}

	repos, err := s.store.ListRepositories()
	if err != nil {
		return nil, err
	}
	var orphans []OrphanedWorktree
	for _, repo := range repos {
		dir := repoconfig.WorktreesDir(repo.Path)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // Directory may not exist yet
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if !known[path] {
				orphans = append(orphans, OrphanedWorktree{Path: path, RepositoryID: repo.ID, RepoPath: repo.Path})
			}
		}
	}
	log.Debug("searched for orphaned worktrees", "found", len(orphans))
	return orphans, nil
}

// PruneOrphanedWorktrees removes every orphaned worktree and, when it was on
// a canopy/ branch, that branch. It returns the number removed.
func (s *Service) PruneOrphanedWorktrees(ctx context.Context) (int, error) {
	orphans, err := s.FindOrphanedWorktrees()
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("node")
	pruned := 0
	for _, orphan := range orphans {
		if err := s.pruneOne(ctx, orphan); err != nil {
			log.Error("failed to prune orphaned worktree", "path", orphan.Path, "error", err)
			continue
		}
		pruned++
		log.Info("pruned orphaned worktree", "path", orphan.Path)
	}
	return pruned, nil
}

func (s *Service) pruneOne(ctx context.Context, orphan OrphanedWorktree) error {
	release, err := s.engine.Registry().Locks().Acquire(ctx, orphan.RepositoryID)
	if err != nil {
		return err
	}
	defer release()

	var branch string
	if git.WorktreeExists(orphan.Path) {
		if st, err := s.git.WorktreeStatus(ctx, orphan.Path); err == nil {
			branch = st.Branch
		}
	}
	if err := s.git.RemoveWorktree(ctx, orphan.RepoPath, orphan.Path); err != nil {
		return err
	}
	if strings.HasPrefix(branch, naming.BranchPrefix) {
		if err := s.git.DeleteBranch(ctx, orphan.RepoPath, branch); err != nil {
			logger.WithComponent("node").Warn("failed to delete orphaned branch", "branch", branch, "error", err)
		}
	}
	return nil
}
