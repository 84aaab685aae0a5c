// Package config persists canopy's repositories, nodes and settings as JSON
// in the data directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/paths"
)

// Store backends.
const (
	StoreJSON   = "json"
	StoreBadger = "badger"
)

// Settings tune the initialization engine.
type Settings struct {
	WaitTimeoutSeconds   int    `json:"wait_timeout_seconds,omitempty"`   // How long delete waits for a running job
	WorktreeAttempts     int    `json:"worktree_attempts,omitempty"`      // Attempts at worktree creation on lock contention
	Store                string `json:"store,omitempty"`                  // "json" (default) or "badger"
	LogFormat            string `json:"log_format,omitempty"`             // "text" (default) or "json"
	ListenAddr           string `json:"listen_addr,omitempty"`            // Address for canopy serve
	NotificationsEnabled bool   `json:"notifications_enabled,omitempty"` // Desktop notification when a node is ready
}

const (
	DefaultWaitTimeout      = 30 * time.Second
	DefaultWorktreeAttempts = 3
	DefaultListenAddr       = "127.0.0.1:7777"
)

// Repository is a git repository nodes are created in.
type Repository struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Config holds the application configuration
type Config struct {
	Repositories []Repository `json:"repositories"`
	Nodes        []Node       `json:"nodes"`
	Settings     Settings     `json:"settings"`

	mu       sync.RWMutex
	saveMu   sync.Mutex
	filePath string
}

// New returns an empty config that persists to path. An empty path keeps the
// config in memory only.
func New(path string) *Config {
	cfg := &Config{filePath: path}
	cfg.ensureInitialized()
	return cfg
}

// Load reads the config from the data directory, or creates a new one if it
// doesn't exist.
func Load() (*Config, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config at path, or returns an empty one bound to path if
// the file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	cfg := New(path)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.ConfigLoadFailed(path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.ConfigLoadFailed(path, err)
	}

	// Ensure slices are initialized (not nil) after unmarshaling
	cfg.ensureInitialized()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureInitialized ensures all slices are non-nil. Only called before the
// Config is shared across goroutines.
func (c *Config) ensureInitialized() {
	if c.Repositories == nil {
		c.Repositories = []Repository{}
	}
	if c.Nodes == nil {
		c.Nodes = []Node{}
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	repoIDs := make(map[string]bool)
	repoPaths := make(map[string]bool)
	for _, r := range c.Repositories {
		if r.ID == "" {
			return errors.ConfigInvalid("repository with empty ID found")
		}
		if repoIDs[r.ID] {
			return errors.ConfigInvalid(fmt.Sprintf("duplicate repository ID: %s", r.ID))
		}
		if r.Path == "" {
			return errors.ConfigInvalid(fmt.Sprintf("repository %s has empty path", r.ID))
		}
		if repoPaths[r.Path] {
			return errors.ConfigInvalid(fmt.Sprintf("duplicate repository path: %s", r.Path))
		}
		repoIDs[r.ID] = true
		repoPaths[r.Path] = true
	}

	nodeIDs := make(map[string]bool)
	for _, n := range c.Nodes {
		if n.ID == "" {
			return errors.ConfigInvalid("node with empty ID found")
		}
		if nodeIDs[n.ID] {
			return errors.ConfigInvalid(fmt.Sprintf("duplicate node ID: %s", n.ID))
		}
		nodeIDs[n.ID] = true

		if !repoIDs[n.RepositoryID] {
			return errors.ConfigInvalid(fmt.Sprintf("node %s references unknown repository %s", n.ID, n.RepositoryID))
		}
		if n.Branch == "" {
			return errors.ConfigInvalid(fmt.Sprintf("node %s has empty branch", n.ID))
		}
		if n.WorktreePath == "" {
			return errors.ConfigInvalid(fmt.Sprintf("node %s has empty worktree path", n.ID))
		}
	}
	return nil
}

// Path returns the file the config persists to ("" for in-memory).
func (c *Config) Path() string {
	return c.filePath
}

// Save writes the config to disk. In-memory configs are not written.
func (c *Config) Save() error {
	if c.filePath == "" {
		return nil
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return errors.ConfigSaveFailed(c.filePath, err)
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return errors.ConfigSaveFailed(c.filePath, err)
	}
	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.ConfigSaveFailed(c.filePath, err)
	}
	if err := os.Rename(tmp, c.filePath); err != nil {
		return errors.ConfigSaveFailed(c.filePath, err)
	}
	return nil
}

// Close is a no-op; JSON state is written on every change.
func (c *Config) Close() error {
	return nil
}

// AddRepository registers a repository. Paths must be unique.
func (c *Config) AddRepository(repo Repository) error {
	c.mu.Lock()
	for _, r := range c.Repositories {
		if r.ID == repo.ID || r.Path == repo.Path {
			c.mu.Unlock()
			return errors.E(errors.Op("config.AddRepository"), errors.KindConflict,
				fmt.Sprintf("repository %s is already registered", repo.Path))
		}
	}
	c.Repositories = append(c.Repositories, repo)
	c.mu.Unlock()
	return c.Save()
}

// RemoveRepository removes a repository and returns an error if it still has nodes.
func (c *Config) RemoveRepository(id string) error {
	c.mu.Lock()
	for _, n := range c.Nodes {
		if n.RepositoryID == id {
			c.mu.Unlock()
			return errors.E(errors.Op("config.RemoveRepository"), errors.KindConflict,
				fmt.Sprintf("repository %s still has nodes", id))
		}
	}
	found := false
	for i, r := range c.Repositories {
		if r.ID == id {
			c.Repositories = append(c.Repositories[:i], c.Repositories[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return errors.RepositoryNotFound(id)
	}
	return c.Save()
}

// GetRepository returns a copy of a repository by ID.
func (c *Config) GetRepository(id string) (*Repository, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.Repositories {
		if c.Repositories[i].ID == id {
			repo := c.Repositories[i] // copy
			return &repo, nil
		}
	}
	return nil, errors.RepositoryNotFound(id)
}

// ListRepositories returns a copy of the repositories slice
func (c *Config) ListRepositories() ([]Repository, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	repos := make([]Repository, len(c.Repositories))
	copy(repos, c.Repositories)
	return repos, nil
}

// UpdateRepositoryDefaultBranch records the remote's default branch.
func (c *Config) UpdateRepositoryDefaultBranch(id, branch string) error {
	c.mu.Lock()
	found := false
	for i := range c.Repositories {
		if c.Repositories[i].ID == id {
			c.Repositories[i].DefaultBranch = branch
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return errors.RepositoryNotFound(id)
	}
	return c.Save()
}

// GetSettings returns a copy of the settings.
func (c *Config) GetSettings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings
}

// UpdateSettings applies fn to the settings and saves.
func (c *Config) UpdateSettings(fn func(*Settings)) error {
	c.mu.Lock()
	fn(&c.Settings)
	c.mu.Unlock()
	return c.Save()
}

// WaitTimeout returns how long a delete waits for a running job.
func (s Settings) WaitTimeout() time.Duration {
	if s.WaitTimeoutSeconds <= 0 {
		return DefaultWaitTimeout
	}
	return time.Duration(s.WaitTimeoutSeconds) * time.Second
}

// Attempts returns the number of worktree creation attempts.
func (s Settings) Attempts() int {
	if s.WorktreeAttempts <= 0 {
		return DefaultWorktreeAttempts
	}
	return s.WorktreeAttempts
}

// Backend returns the configured record store backend.
func (s Settings) Backend() string {
	if s.Store == "" {
		return StoreJSON
	}
	return s.Store
}

// Addr returns the address canopy serve listens on.
func (s Settings) Addr() string {
	if s.ListenAddr == "" {
		return DefaultListenAddr
	}
	return s.ListenAddr
}
