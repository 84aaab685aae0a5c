package config

import (
	"time"

	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/git"
)

// WorktreeStatus is the persisted lifecycle state of a node's worktree.
type WorktreeStatus string

const (
	WorktreePending  WorktreeStatus = "pending"
	WorktreeCreating WorktreeStatus = "creating"
	WorktreeReady    WorktreeStatus = "ready"
	WorktreeFailed   WorktreeStatus = "failed"
)

// Node is a unit of work backed by its own worktree and branch.
type Node struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repository_id"`
	Name         string `json:"name"`
	Branch       string `json:"branch"`
	WorktreePath string `json:"worktree_path"`

	BaseBranch         string `json:"base_branch,omitempty"`          // Branch the worktree was created from, after fallback
	OriginalBaseBranch string `json:"original_base_branch,omitempty"` // Branch the user asked for
	BaseBranchExplicit bool   `json:"base_branch_explicit,omitempty"` // Whether the user chose the base branch
	ExistingBranch     bool   `json:"existing_branch,omitempty"`      // Worktree checks out a branch that already existed

	WorktreeStatus WorktreeStatus `json:"worktree_status"`
	StatusDetail   string         `json:"status_detail,omitempty"` // Sanitized failure detail
	GitStatus      *git.Status    `json:"git_status,omitempty"`

	SetupScripts    []string `json:"setup_scripts,omitempty"`
	TeardownScripts []string `json:"teardown_scripts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddNode adds a new node
func (c *Config) AddNode(node Node) error {
	c.mu.Lock()
	repoFound := false
	for _, r := range c.Repositories {
		if r.ID == node.RepositoryID {
			repoFound = true
			break
		}
	}
	if !repoFound {
		c.mu.Unlock()
		return errors.RepositoryNotFound(node.RepositoryID)
	}
	for _, n := range c.Nodes {
		if n.ID == node.ID {
			c.mu.Unlock()
			return errors.E(errors.Op("config.AddNode"), errors.KindConflict, "node "+node.ID+" already exists")
		}
	}
	c.Nodes = append(c.Nodes, node)
	c.mu.Unlock()
	return c.Save()
}

// RemoveNode removes a node by ID
func (c *Config) RemoveNode(id string) error {
	c.mu.Lock()
	found := false
	for i, n := range c.Nodes {
		if n.ID == id {
			c.Nodes = append(c.Nodes[:i], c.Nodes[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return errors.NodeNotFound(id)
	}
	return c.Save()
}

// GetNode returns a copy of a node by ID.
func (c *Config) GetNode(id string) (*Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.Nodes {
		if c.Nodes[i].ID == id {
			node := c.Nodes[i] // copy
			return &node, nil
		}
	}
	return nil, errors.NodeNotFound(id)
}

// ListNodes returns a copy of the nodes slice
func (c *Config) ListNodes() ([]Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make([]Node, len(c.Nodes))
	copy(nodes, c.Nodes)
	return nodes, nil
}

// ClearNodes removes all nodes
func (c *Config) ClearNodes() error {
	c.mu.Lock()
	c.Nodes = []Node{}
	c.mu.Unlock()
	return c.Save()
}

// updateNode applies fn to the node with the given ID, stamps UpdatedAt and saves.
func (c *Config) updateNode(id string, fn func(*Node)) error {
	c.mu.Lock()
	found := false
	for i := range c.Nodes {
		if c.Nodes[i].ID == id {
			fn(&c.Nodes[i])
			c.Nodes[i].UpdatedAt = time.Now()
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return errors.NodeNotFound(id)
	}
	return c.Save()
}

// UpdateNodeBaseBranch records the branch the worktree was actually created from.
func (c *Config) UpdateNodeBaseBranch(nodeID, branch string) error {
	return c.updateNode(nodeID, func(n *Node) { n.BaseBranch = branch })
}

// UpdateNodeWorktreeStatus records the worktree lifecycle state and detail.
func (c *Config) UpdateNodeWorktreeStatus(nodeID string, status WorktreeStatus, detail string) error {
	return c.updateNode(nodeID, func(n *Node) {
		n.WorktreeStatus = status
		n.StatusDetail = detail
	})
}

// UpdateWorktreeGitStatus records the git status read after initialization.
func (c *Config) UpdateWorktreeGitStatus(nodeID string, status *git.Status) error {
	return c.updateNode(nodeID, func(n *Node) { n.GitStatus = status })
}

// UpdateNodeScripts records the setup and teardown scripts found in the worktree.
func (c *Config) UpdateNodeScripts(nodeID string, setup, teardown []string) error {
	return c.updateNode(nodeID, func(n *Node) {
		n.SetupScripts = setup
		n.TeardownScripts = teardown
	})
}

// ListNodesByRepository returns copies of the nodes belonging to a repository.
func (c *Config) ListNodesByRepository(repoID string) ([]Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var nodes []Node
	for _, n := range c.Nodes {
		if n.RepositoryID == repoID {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}
