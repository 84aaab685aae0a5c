package git

import (
	"strings"

	"github.com/zhubert/canopy/internal/errors"
)

var classifyRules = []struct {
	kind     errors.Kind
	patterns []string
}{
	{errors.KindLocked, []string{
		"index.lock", ".lock': file exists", "another git process", "is locked", "resource busy", "device or resource busy",
	}},
	{errors.KindAuth, []string{
		"authentication failed", "permission denied", "could not read username", "could not read password",
		"returned error: 401", "returned error: 403", "invalid username or password", "terminal prompts disabled",
	}},
	{errors.KindNotFound, []string{
		"repository not found", "does not appear to be a git repository", "returned error: 404",
	}},
	{errors.KindNetwork, []string{
		"could not resolve host", "connection refused", "connection timed out", "operation timed out",
		"unable to access", "network is unreachable", "could not read from remote repository",
		"connection reset", "early eof", "the remote end hung up",
	}},
}

// Classify maps git stderr to an error kind. Output that matches no known
// pattern is KindGit.
func Classify(stderr string) errors.Kind {
	lower := strings.ToLower(stderr)
	for _, rule := range classifyRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return rule.kind
			}
		}
	}
	// "repository 'x' does not exist" is reported by some hosts instead of "not found".
	if strings.Contains(lower, "repository") && strings.Contains(lower, "does not exist") {
		return errors.KindNotFound
	}
	return errors.KindGit
}

// Describe renders err as a single human-readable, sanitized line suitable
// for a progress event or a node record.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(errors.Message(err))
}
