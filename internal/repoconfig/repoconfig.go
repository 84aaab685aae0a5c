// Package repoconfig reads the repository-local .canopy directory: the config
// directory copied into every worktree, and the scripts.yaml file listing
// setup and teardown commands.
package repoconfig

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the repository-local state directory.
	Dir              = ".canopy"
	configDirName    = "config"
	worktreesDirName = "worktrees"
	scriptsFileName  = "scripts.yaml"
)

// Scripts lists commands reported for a node. They are never executed here.
type Scripts struct {
	Setup    []string `yaml:"setup"`
	Teardown []string `yaml:"teardown"`
}

// ConfigDir returns <repo>/.canopy/config.
func ConfigDir(repoPath string) string {
	return filepath.Join(repoPath, Dir, configDirName)
}

// WorktreesDir returns the directory node worktrees are created in.
func WorktreesDir(repoPath string) string {
	return filepath.Join(repoPath, Dir, worktreesDirName)
}

// WorktreePath returns the worktree location for a branch. Git names the
// worktree after the last path element, so "/" is replaced with "-".
func WorktreePath(repoPath, branch string) string {
	return filepath.Join(WorktreesDir(repoPath), strings.ReplaceAll(branch, "/", "-"))
}

// Load reads, parses and validates .canopy/config/scripts.yaml from the
// given path. Returns nil, nil if the file does not exist.
func Load(path string) (*Scripts, error) {
	s, err := Read(path)
	if err != nil || s == nil {
		return nil, err
	}
	if errs := Validate(s); len(errs) > 0 {
		return nil, fmt.Errorf("invalid scripts config: %w", errs[0])
	}
	return s, nil
}

// Read parses scripts.yaml without validating it.
func Read(path string) (*Scripts, error) {
	fp := filepath.Join(ConfigDir(path), scriptsFileName)

	data, err := os.ReadFile(fp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read scripts config: %w", err)
	}

	var s Scripts
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scripts config: %w", err)
	}
	return &s, nil
}

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Scripts value and returns all problems found.
func Validate(s *Scripts) []ValidationError {
	var errs []ValidationError
	check := func(field string, cmds []string) {
		for i, c := range cmds {
			if strings.TrimSpace(c) == "" {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", field, i),
					Message: "command is empty",
				})
			}
		}
	}
	check("setup", s.Setup)
	check("teardown", s.Teardown)
	return errs
}

// Template is the default scripts.yaml content.
const Template = `# canopy repository scripts
#
# Commands listed here are recorded on every node created in this repository
# and shown once its worktree is ready.

setup:
  # - npm ci
teardown:
  # - docker compose down
`

// WriteTemplate writes the default scripts.yaml to <repo>/.canopy/config.
// Returns an error if the file already exists.
func WriteTemplate(repoPath string) (string, error) {
	dir := ConfigDir(repoPath)
	fp := filepath.Join(dir, scriptsFileName)

	if _, err := os.Stat(fp); err == nil {
		return fp, fmt.Errorf("%s already exists", fp)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fp, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(fp, []byte(Template), 0o644); err != nil {
		return fp, fmt.Errorf("failed to write %s: %w", fp, err)
	}
	return fp, nil
}

// CopyConfigDir copies <repo>/.canopy/config into the same place in the
// worktree. Returns false if the repository has no config directory.
func CopyConfigDir(repoPath, worktreePath string) (bool, error) {
	src := ConfigDir(repoPath)
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s is not a directory", src)
	}

	dst := ConfigDir(worktreePath)
	err = filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
	return true, err
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

// EnsureGitignore appends .canopy to the repository's .gitignore unless an
// entry for it is already present. Creates the file if missing.
func EnsureGitignore(repoPath string) (bool, error) {
	fp := filepath.Join(repoPath, ".gitignore")

	data, err := os.ReadFile(fp)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == Dir || line == Dir+"/" || line == "/"+Dir || line == "/"+Dir+"/" {
			return false, nil
		}
	}

	var b strings.Builder
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		b.WriteString("\n")
	}
	b.WriteString(Dir + "\n")

	f, err := os.OpenFile(fp, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return false, err
	}
	return true, nil
}
