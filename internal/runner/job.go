package runner

import (
	"fmt"
	"time"
)

// Job is one unit of work claimed from the queue server.
type Job struct {
	ID            string `json:"id"`
	RunID         string `json:"runId"`
	WorkflowID    string `json:"workflowId"`
	Branch        string `json:"branch"`
	RepositoryURL string `json:"repositoryUrl"`
	// ContainerName requests dispatch into a long-lived named
	// container; empty means ephemeral dispatch.
	ContainerName string `json:"containerName,omitempty"`
}

// Named reports whether the job targets a named container.
func (j Job) Named() bool {
	return j.ContainerName != ""
}

// JobState tracks one in-flight job. Transitions are strictly
// forward; terminal states are followed only by cleaning.
type JobState string

const (
	StateCloning   JobState = "cloning"
	StateBuilding  JobState = "building"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCleaning  JobState = "cleaning"
)

// rank orders states for the forward-only rule. completed and failed
// share a rank: a job reaches exactly one of them.
func (s JobState) rank() int {
	switch s {
	case StateCloning:
		return 1
	case StateBuilding:
		return 2
	case StateRunning:
		return 3
	case StateCompleted, StateFailed:
		return 4
	case StateCleaning:
		return 5
	default:
		return 0
	}
}

// CanTransition reports whether moving to next respects the forward
// ordering.
func (s JobState) CanTransition(next JobState) bool {
	return next.rank() > s.rank()
}

// JobStatus is the daemon's mutable record of one in-flight job.
type JobStatus struct {
	Job         Job
	State       JobState
	ContainerID string
	ClonePath   string
	StartedAt   time.Time
}

// Advance moves the job to the next state, enforcing forward-only
// transitions.
func (js *JobStatus) Advance(next JobState) error {
	if !js.State.CanTransition(next) {
		return fmt.Errorf("invalid job state transition %s -> %s", js.State, next)
	}
	js.State = next
	return nil
}
