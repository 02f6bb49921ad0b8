// Package jobfsm validates job status transitions against the state
// graph in the job lifecycle specification.
package jobfsm

import (
	"fmt"

	"github.com/protortyp/melon/internal/model"
)

// validTransitions maps from-state to allowed to-states. RUNNING→RUNNING
// is the extension self-edge: a granted extension keeps the job RUNNING
// while bumping its time budget.
var validTransitions = map[model.JobStatus]map[model.JobStatus]bool{
	model.JobPending: {
		model.JobRunning: true, // placement succeeds
		model.JobFailed:  true, // cancel before start
	},
	model.JobRunning: {
		model.JobCompleted: true, // worker reports COMPLETED
		model.JobFailed:    true, // worker reports FAILED, cancel, or node-lost
		model.JobTimeout:   true, // worker reports TIMEOUT
		model.JobRunning:   true, // extension granted
	},
	// Terminal states: no transitions allowed.
	model.JobCompleted: {},
	model.JobFailed:    {},
	model.JobTimeout:   {},
}

// ValidateTransition returns an error if from→to is not an edge in the
// job lifecycle graph.
func ValidateTransition(from, to model.JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("jobfsm: unknown source state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("jobfsm: invalid transition %s -> %s", from, to)
	}
	return nil
}

// IsTerminal reports whether state is one of the three terminal states.
func IsTerminal(state model.JobStatus) bool {
	switch state {
	case model.JobCompleted, model.JobFailed, model.JobTimeout:
		return true
	default:
		return false
	}
}
