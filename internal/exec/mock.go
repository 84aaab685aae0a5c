package exec

import (
	"context"
	"strings"
	"sync"
)

// MockResponse is the canned result for a matched command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
	// Hook, if set, runs before the response is returned. Tests use it to
	// simulate side effects (creating a directory) or to block a call.
	Hook func(call CommandCall)
}

// CommandCall records one invocation seen by the MockExecutor.
type CommandCall struct {
	Dir  string
	Name string
	Args []string
}

type mockRule struct {
	name  string
	args  []string
	exact bool
	resp  MockResponse
}

func (r mockRule) matches(name string, args []string) bool {
	if r.name != name {
		return false
	}
	if r.exact {
		if len(r.args) != len(args) {
			return false
		}
	} else if len(r.args) > len(args) {
		return false
	}
	for i, a := range r.args {
		if args[i] != a {
			return false
		}
	}
	return true
}

// MockExecutor returns canned responses for commands. Rules are checked in
// the order they were added, exact matches before prefix matches. Commands
// with no matching rule are delegated to the fallback executor, or succeed
// with empty output when there is none.
type MockExecutor struct {
	mu       sync.Mutex
	exact    []mockRule
	prefix   []mockRule
	calls    []CommandCall
	fallback CommandExecutor
}

// NewMockExecutor creates a MockExecutor. fallback may be nil.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddExactMatch registers a response for a command whose args equal args.
func (m *MockExecutor) AddExactMatch(name string, args []string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exact = append(m.exact, mockRule{name: name, args: args, exact: true, resp: resp})
}

// AddPrefixMatch registers a response for a command whose args start with args.
func (m *MockExecutor) AddPrefixMatch(name string, args []string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefix = append(m.prefix, mockRule{name: name, args: args, resp: resp})
}

// GetCalls returns a copy of every call made so far.
func (m *MockExecutor) GetCalls() []CommandCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]CommandCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CountCalls returns how many calls started with name and the given args prefix.
func (m *MockExecutor) CountCalls(name string, prefix ...string) int {
	n := 0
	for _, c := range m.GetCalls() {
		if (mockRule{name: name, args: prefix}).matches(c.Name, c.Args) {
			n++
		}
	}
	return n
}

// Reset clears all rules and recorded calls.
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exact = nil
	m.prefix = nil
	m.calls = nil
}

func (m *MockExecutor) lookup(dir, name string, args []string) (MockResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, CommandCall{Dir: dir, Name: name, Args: append([]string(nil), args...)})
	for _, r := range m.exact {
		if r.matches(name, args) {
			return r.resp, true
		}
	}
	for _, r := range m.prefix {
		if r.matches(name, args) {
			return r.resp, true
		}
	}
	return MockResponse{}, false
}

// Run implements CommandExecutor.
func (m *MockExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	resp, ok := m.lookup(dir, name, args)
	if !ok && m.fallback != nil {
		return m.fallback.Run(ctx, dir, name, args...)
	}
	if resp.Hook != nil {
		resp.Hook(CommandCall{Dir: dir, Name: name, Args: args})
	}
	return resp.Stdout, resp.Stderr, resp.Err
}

// Output implements CommandExecutor.
func (m *MockExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	stdout, _, err := m.Run(ctx, dir, name, args...)
	return stdout, err
}

// CombinedOutput implements CommandExecutor.
func (m *MockExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	stdout, stderr, err := m.Run(ctx, dir, name, args...)
	return append(append([]byte(nil), stdout...), stderr...), err
}

// String renders a call the way it would be typed in a shell.
func (c CommandCall) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}
