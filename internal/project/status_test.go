package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanTransition_RoundOrder(t *testing.T) {
	assert.NoError(t, StatusCreated.CanTransition(StatusQueued))
	assert.NoError(t, StatusQueued.CanTransition(StatusGeneratingCode))
	assert.NoError(t, StatusGeneratingCode.CanTransition(StatusGeneratingTests))
	assert.NoError(t, StatusGeneratingTests.CanTransition(StatusRunningTests))
	assert.NoError(t, StatusRunningTests.CanTransition(StatusGeneratingCode), "retry round should loop back to code generation")
}

func TestStatus_CanTransition_Terminal(t *testing.T) {
	assert.NoError(t, StatusRunningTests.CanTransition(StatusCompleted))
	assert.NoError(t, StatusRunningTests.CanTransition(StatusFailed))
	assert.NoError(t, StatusRunningTests.CanTransition(StatusError))
	assert.NoError(t, StatusRunningTests.CanTransition(StatusStopped))
}

func TestStatus_CanTransition_RejectsSkips(t *testing.T) {
	err := StatusCreated.CanTransition(StatusGeneratingCode)
	assert.Error(t, err, "created must pass through queued")

	err = StatusGeneratingCode.CanTransition(StatusRunningTests)
	assert.Error(t, err, "test generation cannot be skipped")

	err = StatusGeneratingCode.CanTransition(StatusCompleted)
	assert.Error(t, err, "completion only follows running tests")
}

func TestStatus_CanTransition_TerminalOnlyRegenerates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusError, StatusStopped} {
		assert.NoError(t, s.CanTransition(StatusQueued), "regenerate from %s", s)
		assert.Error(t, s.CanTransition(StatusGeneratingCode), "%s should not resume mid-loop", s)
	}
}

func TestStatus_CanTransition_UnknownStates(t *testing.T) {
	assert.Error(t, Status("bogus").CanTransition(StatusQueued))
	assert.Error(t, StatusCreated.CanTransition(Status("bogus")))
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusError, StatusStopped}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	active := []Status{StatusCreated, StatusQueued, StatusGeneratingCode, StatusGeneratingTests, StatusRunningTests}
	for _, s := range active {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestStatus_Active(t *testing.T) {
	assert.True(t, StatusQueued.Active())
	assert.True(t, StatusGeneratingCode.Active())
	assert.True(t, StatusGeneratingTests.Active())
	assert.True(t, StatusRunningTests.Active())

	assert.False(t, StatusCreated.Active(), "created has no lease yet")
	assert.False(t, StatusCompleted.Active())
	assert.False(t, StatusStopped.Active())
}
