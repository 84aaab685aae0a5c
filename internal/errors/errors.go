// Package errors provides structured error types for canopy.
// These errors carry the operation that failed and a kind used to decide
// whether a failure is fatal, retryable, or recoverable.
package errors

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalid
	KindPermission
	KindIO
	KindNetwork
	KindAuth
	KindConfig
	KindGit
	KindLocked
	KindTimeout
	KindCancelled
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindPermission:
		return "permission denied"
	case KindIO:
		return "I/O error"
	case KindNetwork:
		return "network error"
	case KindAuth:
		return "authentication error"
	case KindConfig:
		return "configuration error"
	case KindGit:
		return "git error"
	case KindLocked:
		return "locked"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindConflict:
		return "conflict"
	default:
		return "unknown error"
	}
}

// Error is the structured error type for canopy.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be:
// - Op: the operation name
// - Kind: the error kind
// - string: context message
// - error: the underlying error
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && GetKind(err) == kind
}

// GetKind returns the first non-unknown Kind found in the error chain.
func GetKind(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// Message returns the innermost human-readable text of err: the context of the
// outermost Error if it has one, otherwise the error string without op prefixes.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	if e.Context != "" {
		if e.Err != nil {
			return e.Context + ": " + Message(e.Err)
		}
		return e.Context
	}
	return Message(e.Err)
}

// Branch resolution errors

func BranchNotFound(branch string) error {
	return E(Op("git.Resolve"), KindNotFound,
		fmt.Sprintf("base branch %q not found: no local or remote reference exists", branch))
}

func RemoteUnreachable(branch string, err error) error {
	return E(Op("git.FetchBranch"), KindNetwork,
		fmt.Sprintf("could not fetch %q from origin and no local copy exists", branch), err)
}

func BootstrapFailed(branch string, err error) error {
	return E(Op("git.BootstrapEmptyRemote"), GetKindOr(err, KindGit),
		fmt.Sprintf("failed to create initial commit on %q", branch), err)
}

// Worktree errors

func WorktreeFailed(branch string, err error) error {
	return E(Op("git.CreateWorktree"), GetKindOr(err, KindGit),
		fmt.Sprintf("failed to create worktree for branch %s", branch), err)
}

func WorktreeExists(path string) error {
	return E(Op("git.CreateWorktree"), KindConflict, fmt.Sprintf("worktree path %s already exists", path))
}

// Job errors

func JobNotFound(nodeID string) error {
	return E(Op("jobs.Get"), KindNotFound, fmt.Sprintf("no initialization job for node %s", nodeID))
}

func JobExists(nodeID string) error {
	return E(Op("jobs.StartJob"), KindConflict, fmt.Sprintf("node %s is already initializing", nodeID))
}

func JobRunning(nodeID string) error {
	return E(Op("jobs.ClearJob"), KindConflict, fmt.Sprintf("node %s is still initializing", nodeID))
}

func Cancelled(nodeID string) error {
	return E(Op("initializer.Run"), KindCancelled, fmt.Sprintf("initialization of node %s was cancelled", nodeID))
}

// Record errors

func NodeNotFound(id string) error {
	return E(Op("node.Get"), KindNotFound, fmt.Sprintf("node %s not found", id))
}

func RepositoryNotFound(id string) error {
	return E(Op("repository.Get"), KindNotFound, fmt.Sprintf("repository %s not found", id))
}

// Config errors

func ConfigLoadFailed(path string, err error) error {
	return E(Op("config.Load"), KindConfig, fmt.Sprintf("failed to load config from %s", path), err)
}

func ConfigSaveFailed(path string, err error) error {
	return E(Op("config.Save"), KindConfig, fmt.Sprintf("failed to save config to %s", path), err)
}

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindInvalid, reason)
}

func GitNotRepo(path string) error {
	return E(Op("git.ValidateRepo"), KindInvalid, fmt.Sprintf("%s is not a git repository", path))
}

// GetKindOr returns the kind of err, or def when err carries none.
func GetKindOr(err error, def Kind) Kind {
	if k := GetKind(err); k != KindUnknown {
		return k
	}
	return def
}
