// Package progress broadcasts node initialization progress to any number of
// observers. New subscribers first receive the latest event of every tracked
// node, then live events.
package progress

import "time"

// Step is a stage of node initialization.
type Step string

const (
	StepSyncing          Step = "syncing"
	StepVerifying        Step = "verifying"
	StepFetching         Step = "fetching"
	StepCreatingWorktree Step = "creating_worktree"
	StepCopyingConfig    Step = "copying_config"
	StepFinalizing       Step = "finalizing"
	StepReady            Step = "ready"
	StepFailed           Step = "failed"
)

// Steps lists the non-failure steps in execution order.
var Steps = []Step{
	StepSyncing,
	StepVerifying,
	StepFetching,
	StepCreatingWorktree,
	StepCopyingConfig,
	StepFinalizing,
	StepReady,
}

var stepPercent = map[Step]int{
	StepSyncing:          5,
	StepVerifying:        15,
	StepFetching:         30,
	StepCreatingWorktree: 55,
	StepCopyingConfig:    75,
	StepFinalizing:       90,
	StepReady:            100,
	StepFailed:           0,
}

// Percent returns the completion percentage shown for the step.
func (s Step) Percent() int {
	return stepPercent[s]
}

// Terminal reports whether no further events follow this step.
func (s Step) Terminal() bool {
	return s == StepReady || s == StepFailed
}

// Event is one progress update for a node.
type Event struct {
	NodeID      string    `json:"node_id"`
	Step        Step      `json:"step"`
	Message     string    `json:"message,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Percent     int       `json:"percent"`
	Attempt     int       `json:"attempt,omitempty"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEvent creates an event for step with its default percentage.
func NewEvent(nodeID string, step Step, message string) Event {
	return Event{
		NodeID:    nodeID,
		Step:      step,
		Message:   message,
		Percent:   step.Percent(),
		Timestamp: time.Now(),
	}
}

// Failed creates a failed event carrying detail.
func Failed(nodeID, detail string) Event {
	e := NewEvent(nodeID, StepFailed, "Initialization failed")
	e.ErrorDetail = detail
	return e
}
