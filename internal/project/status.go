package project

import "fmt"

// Status represents a project's position in the generation state machine.
type Status string

const (
	// StatusCreated is the initial state after specification submission.
	// No lease is held.
	StatusCreated Status = "created"

	// StatusQueued means lease acquisition succeeded and the loop is
	// about to start its first round.
	StatusQueued Status = "queued"

	// StatusGeneratingCode means the loop is waiting on the provider
	// for code files.
	StatusGeneratingCode Status = "generating_code"

	// StatusGeneratingTests means the loop is waiting on the provider
	// for test files.
	StatusGeneratingTests Status = "generating_tests"

	// StatusRunningTests means the generated suites are executing.
	StatusRunningTests Status = "running_tests"

	// StatusCompleted is terminal: an iteration passed all suites.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal: the iteration budget was exhausted
	// without a passing round.
	StatusFailed Status = "failed"

	// StatusError is terminal: a collaborator fault (provider retries
	// exhausted, runner infrastructure failure) ended the loop.
	StatusError Status = "error"

	// StatusStopped is terminal: a stop request was observed at a
	// cancellation checkpoint.
	StatusStopped Status = "stopped"
)

// transitions is the allowed edge set of the state machine. Terminal
// states admit only "queued", which models an explicit regenerate.
var transitions = map[Status][]Status{
	StatusCreated:         {StatusQueued},
	StatusQueued:          {StatusGeneratingCode, StatusError, StatusStopped},
	StatusGeneratingCode:  {StatusGeneratingTests, StatusError, StatusStopped},
	StatusGeneratingTests: {StatusRunningTests, StatusError, StatusStopped},
	StatusRunningTests:    {StatusGeneratingCode, StatusCompleted, StatusFailed, StatusError, StatusStopped},
	StatusCompleted:       {StatusQueued},
	StatusFailed:          {StatusQueued},
	StatusError:           {StatusQueued},
	StatusStopped:         {StatusQueued},
}

// Terminal reports whether the status is an end state of the loop.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusStopped:
		return true
	}
	return false
}

// Active reports whether the status is one of the in-round generating
// states. Stop requests are only accepted while Active.
func (s Status) Active() bool {
	switch s {
	case StatusQueued, StatusGeneratingCode, StatusGeneratingTests, StatusRunningTests:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition checks whether moving from s to next is a legal edge.
func (s Status) CanTransition(next Status) error {
	allowed, ok := transitions[s]
	if !ok {
		return fmt.Errorf("invalid current status: %s", s)
	}
	if !next.Valid() {
		return fmt.Errorf("invalid target status: %s", next)
	}
	for _, a := range allowed {
		if a == next {
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", s, next)
}
