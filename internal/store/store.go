// Package store selects the record store that backs repositories and nodes.
package store

import (
	"time"

	"github.com/zhubert/canopy/internal/config"
	"github.com/zhubert/canopy/internal/git"
	"github.com/zhubert/canopy/internal/paths"
	"github.com/zhubert/canopy/internal/store/badgerstore"
)

// Store persists repositories and nodes.
type Store interface {
	AddRepository(repo config.Repository) error
	RemoveRepository(id string) error
	GetRepository(id string) (*config.Repository, error)
	ListRepositories() ([]config.Repository, error)
	UpdateRepositoryDefaultBranch(id, branch string) error

	AddNode(node config.Node) error
	RemoveNode(id string) error
	GetNode(id string) (*config.Node, error)
	ListNodes() ([]config.Node, error)
	ListNodesByRepository(repoID string) ([]config.Node, error)
	UpdateNodeBaseBranch(nodeID, branch string) error
	UpdateNodeWorktreeStatus(nodeID string, status config.WorktreeStatus, detail string) error
	UpdateWorktreeGitStatus(nodeID string, status *git.Status) error
	UpdateNodeScripts(nodeID string, setup, teardown []string) error

	Close() error
}

var (
	_ Store = (*config.Config)(nil)
	_ Store = (*badgerstore.Store)(nil)
)

// Open returns the store selected by the config's settings. The JSON backend
// is the config itself.
func Open(cfg *config.Config) (Store, error) {
	if cfg.GetSettings().Backend() != config.StoreBadger {
		return cfg, nil
	}
	dir, err := paths.BadgerDir()
	if err != nil {
		return nil, err
	}
	return badgerstore.Open(badgerstore.Options{Path: dir, GCInterval: 5 * time.Minute})
}
