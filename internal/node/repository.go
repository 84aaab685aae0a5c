package node

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zhubert/canopy/internal/config"
	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/logger"
)

// AddRepository registers the git repository at path. The default branch is
// taken from origin's HEAD when a remote is configured, otherwise from the
// branch currently checked out.
func (s *Service) AddRepository(ctx context.Context, path, name string) (*config.Repository, error) {
	op := errors.Op("node.AddRepository")

	if strings.HasPrefix(path, "~") {
		return nil, errors.E(op, errors.KindInvalid, "please use an absolute path instead of ~")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.E(op, errors.KindInvalid, "invalid path", err)
	}
	if err := s.git.ValidateRepo(ctx, abs); err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	repo := config.Repository{
		ID:            uuid.New().String(),
		Name:          name,
		Path:          abs,
		DefaultBranch: s.detectDefaultBranch(ctx, abs),
		CreatedAt:     time.Now(),
	}
	if err := s.store.AddRepository(repo); err != nil {
		return nil, err
	}
	logger.WithComponent("node").Info("repository added", "repository", repo.ID, "path", abs, "default_branch", repo.DefaultBranch)
	return &repo, nil
}

func (s *Service) detectDefaultBranch(ctx context.Context, path string) string {
	if s.git.HasRemoteOrigin(ctx, path) {
		if branch, err := s.git.RemoteDefaultBranch(ctx, path); err == nil && branch != "" {
			return branch
		}
	}
	if st, err := s.git.WorktreeStatus(ctx, path); err == nil && st.Branch != "" && !strings.HasPrefix(st.Branch, "HEAD") {
		return st.Branch
	}
	return "main"
}

// RemoveRepository unregisters a repository that has no nodes left.
func (s *Service) RemoveRepository(id string) error {
	return s.store.RemoveRepository(id)
}

// Repositories lists registered repositories.
func (s *Service) Repositories() ([]config.Repository, error) {
	return s.store.ListRepositories()
}

// Repository returns one registered repository.
func (s *Service) Repository(id string) (*config.Repository, error) {
	return s.store.GetRepository(id)
}
