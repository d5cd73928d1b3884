package project

import "errors"

// Error taxonomy shared across the orchestrator and its collaborators.
var (
	// ErrValidation indicates a malformed specification or request,
	// rejected before any lease is acquired.
	ErrValidation = errors.New("validation failed")

	// ErrLeaseConflict indicates a generation loop is already active
	// for the project. Acquisition never queues or blocks.
	ErrLeaseConflict = errors.New("generation already active for project")

	// ErrProvider indicates a generation call failed after bounded
	// retries. Terminal: the project ends in the error state.
	ErrProvider = errors.New("provider failure")

	// ErrRunner indicates a test-execution infrastructure fault,
	// distinct from legitimate test failures.
	ErrRunner = errors.New("runner failure")

	// ErrRunnerTimeout indicates the runner did not return within the
	// caller-supplied timeout.
	ErrRunnerTimeout = errors.New("runner timed out")

	// ErrTestFailure indicates legitimate assertion or runtime failures
	// in generated tests. Fed back to the provider, not terminal until
	// the iteration budget is exhausted.
	ErrTestFailure = errors.New("tests failed")

	// ErrNotCancellable indicates a stop request for a project that is
	// not in an active generating state.
	ErrNotCancellable = errors.New("project not in a cancellable state")

	// ErrNotReady indicates the final artifact was requested before a
	// terminal state with at least one committed iteration exists.
	ErrNotReady = errors.New("final artifact not ready")

	// ErrNotFound indicates the project does not exist.
	ErrNotFound = errors.New("project not found")

	// ErrStopped indicates the loop observed a stop request at a
	// cancellation checkpoint.
	ErrStopped = errors.New("generation stopped by request")

	// ErrIterationExists indicates an attempt to overwrite a committed
	// iteration. Iterations are append-only.
	ErrIterationExists = errors.New("iteration already committed")
)
