// Package badgerstore keeps repository and node records in an embedded
// BadgerDB instead of the JSON config file. Records are stored as JSON values
// under "repo/<id>" and "node/<id>" keys.
package badgerstore

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/zhubert/canopy/internal/config"
	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/git"
	"github.com/zhubert/canopy/internal/logger"
)

const (
	repoPrefix = "repo/"
	nodePrefix = "node/"

	// Transactions that lose a conflict are retried this many times.
	maxTxnAttempts = 5
)

// Options configures a Store.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
}

// Store is a BadgerDB-backed record store.
type Store struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
	log    *slog.Logger
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (creating if needed) a Store.
func Open(opts Options) (*Store, error) {
	log := logger.WithComponent("badgerstore")

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.E(errors.Op("badgerstore.Open"), errors.KindConfig, "path is required for a persistent store")
		}
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, errors.E(errors.Op("badgerstore.Open"), errors.KindIO, "create database directory "+opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: log})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.E(errors.Op("badgerstore.Open"), errors.KindIO, "open badger database", err)
	}

	s := &Store{db: db, log: log}
	if opts.GCInterval > 0 && !opts.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(opts.GCInterval)
	}
	return s, nil
}

// Close stops value log GC and closes the database.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect.
			if err := s.db.RunValueLogGC(0.5); err != nil && !stderrors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("value log GC failed", "error", err)
			}
		}
	}
}

func repoKey(id string) []byte { return []byte(repoPrefix + id) }
func nodeKey(id string) []byte { return []byte(nodePrefix + id) }

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(op errors.Op, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err = s.db.Update(fn)
		if !stderrors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err == nil {
		return nil
	}
	if errors.GetKind(err) != errors.KindUnknown {
		return err
	}
	return errors.E(op, errors.KindIO, err)
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scan decodes every value under prefix into a new T and passes it to fn.
func scan[T any](txn *badger.Txn, prefix string, fn func(T)) error {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: []byte(prefix)})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return err
		}
		fn(v)
	}
	return nil
}

// AddRepository registers a repository. IDs and paths must be unique.
func (s *Store) AddRepository(repo config.Repository) error {
	const op = errors.Op("badgerstore.AddRepository")
	return s.update(op, func(txn *badger.Txn) error {
		var conflict bool
		if err := scan(txn, repoPrefix, func(r config.Repository) {
			if r.ID == repo.ID || r.Path == repo.Path {
				conflict = true
			}
		}); err != nil {
			return err
		}
		if conflict {
			return errors.E(op, errors.KindConflict, fmt.Sprintf("repository %s is already registered", repo.Path))
		}
		return setJSON(txn, repoKey(repo.ID), repo)
	})
}

// RemoveRepository removes a repository that has no nodes.
func (s *Store) RemoveRepository(id string) error {
	const op = errors.Op("badgerstore.RemoveRepository")
	return s.update(op, func(txn *badger.Txn) error {
		var hasNodes bool
		if err := scan(txn, nodePrefix, func(n config.Node) {
			if n.RepositoryID == id {
				hasNodes = true
			}
		}); err != nil {
			return err
		}
		if hasNodes {
			return errors.E(op, errors.KindConflict, fmt.Sprintf("repository %s still has nodes", id))
		}
		if _, err := txn.Get(repoKey(id)); stderrors.Is(err, badger.ErrKeyNotFound) {
			return errors.RepositoryNotFound(id)
		} else if err != nil {
			return err
		}
		return txn.Delete(repoKey(id))
	})
}

// GetRepository returns a repository by ID.
func (s *Store) GetRepository(id string) (*config.Repository, error) {
	var repo config.Repository
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, repoKey(id), &repo)
		return err
	})
	if err != nil {
		return nil, errors.E(errors.Op("badgerstore.GetRepository"), errors.KindIO, err)
	}
	if !found {
		return nil, errors.RepositoryNotFound(id)
	}
	return &repo, nil
}

// ListRepositories returns all repositories ordered by creation time.
func (s *Store) ListRepositories() ([]config.Repository, error) {
	var repos []config.Repository
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, repoPrefix, func(r config.Repository) { repos = append(repos, r) })
	})
	if err != nil {
		return nil, errors.E(errors.Op("badgerstore.ListRepositories"), errors.KindIO, err)
	}
	sort.SliceStable(repos, func(i, j int) bool { return repos[i].CreatedAt.Before(repos[j].CreatedAt) })
	return repos, nil
}

// UpdateRepositoryDefaultBranch records the remote's default branch.
func (s *Store) UpdateRepositoryDefaultBranch(id, branch string) error {
	const op = errors.Op("badgerstore.UpdateRepositoryDefaultBranch")
	return s.update(op, func(txn *badger.Txn) error {
		var repo config.Repository
		found, err := getJSON(txn, repoKey(id), &repo)
		if err != nil {
			return err
		}
		if !found {
			return errors.RepositoryNotFound(id)
		}
		repo.DefaultBranch = branch
		return setJSON(txn, repoKey(id), repo)
	})
}

// AddNode stores a new node. Its repository must exist.
func (s *Store) AddNode(node config.Node) error {
	const op = errors.Op("badgerstore.AddNode")
	return s.update(op, func(txn *badger.Txn) error {
		if _, err := txn.Get(repoKey(node.RepositoryID)); stderrors.Is(err, badger.ErrKeyNotFound) {
			return errors.RepositoryNotFound(node.RepositoryID)
		} else if err != nil {
			return err
		}
		if _, err := txn.Get(nodeKey(node.ID)); err == nil {
			return errors.E(op, errors.KindConflict, "node "+node.ID+" already exists")
		} else if !stderrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, nodeKey(node.ID), node)
	})
}

// RemoveNode deletes a node record.
func (s *Store) RemoveNode(id string) error {
	return s.update(errors.Op("badgerstore.RemoveNode"), func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); stderrors.Is(err, badger.ErrKeyNotFound) {
			return errors.NodeNotFound(id)
		} else if err != nil {
			return err
		}
		return txn.Delete(nodeKey(id))
	})
}

// GetNode returns a node by ID.
func (s *Store) GetNode(id string) (*config.Node, error) {
	var node config.Node
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, nodeKey(id), &node)
		return err
	})
	if err != nil {
		return nil, errors.E(errors.Op("badgerstore.GetNode"), errors.KindIO, err)
	}
	if !found {
		return nil, errors.NodeNotFound(id)
	}
	return &node, nil
}

// ListNodes returns all nodes ordered by creation time.
func (s *Store) ListNodes() ([]config.Node, error) {
	return s.listNodes(func(config.Node) bool { return true })
}

// ListNodesByRepository returns the nodes of one repository.
func (s *Store) ListNodesByRepository(repoID string) ([]config.Node, error) {
	return s.listNodes(func(n config.Node) bool { return n.RepositoryID == repoID })
}

func (s *Store) listNodes(keep func(config.Node) bool) ([]config.Node, error) {
	var nodes []config.Node
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, nodePrefix, func(n config.Node) {
			if keep(n) {
				nodes = append(nodes, n)
			}
		})
	})
	if err != nil {
		return nil, errors.E(errors.Op("badgerstore.ListNodes"), errors.KindIO, err)
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].CreatedAt.Before(nodes[j].CreatedAt) })
	return nodes, nil
}

func (s *Store) updateNode(op errors.Op, id string, fn func(*config.Node)) error {
	return s.update(op, func(txn *badger.Txn) error {
		var node config.Node
		found, err := getJSON(txn, nodeKey(id), &node)
		if err != nil {
			return err
		}
		if !found {
			return errors.NodeNotFound(id)
		}
		fn(&node)
		node.UpdatedAt = time.Now()
		return setJSON(txn, nodeKey(id), node)
	})
}

// UpdateNodeBaseBranch records the branch the worktree was created from.
func (s *Store) UpdateNodeBaseBranch(nodeID, branch string) error {
	return s.updateNode("badgerstore.UpdateNodeBaseBranch", nodeID, func(n *config.Node) { n.BaseBranch = branch })
}

// UpdateNodeWorktreeStatus records the worktree lifecycle state.
func (s *Store) UpdateNodeWorktreeStatus(nodeID string, status config.WorktreeStatus, detail string) error {
	return s.updateNode("badgerstore.UpdateNodeWorktreeStatus", nodeID, func(n *config.Node) {
		n.WorktreeStatus = status
		n.StatusDetail = detail
	})
}

// UpdateWorktreeGitStatus records the worktree's git status.
func (s *Store) UpdateWorktreeGitStatus(nodeID string, status *git.Status) error {
	return s.updateNode("badgerstore.UpdateWorktreeGitStatus", nodeID, func(n *config.Node) { n.GitStatus = status })
}

// UpdateNodeScripts records the setup and teardown scripts.
func (s *Store) UpdateNodeScripts(nodeID string, setup, teardown []string) error {
	return s.updateNode("badgerstore.UpdateNodeScripts", nodeID, func(n *config.Node) {
		n.SetupScripts = setup
		n.TeardownScripts = teardown
	})
}
