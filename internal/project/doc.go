// Package project defines the domain model for generation projects.
//
// A Project is created from a Specification and owns an append-only
// sequence of Iterations. Each Iteration records one full
// generate-code → generate-tests → run-tests round: the file sets the
// provider produced, the per-suite test outcomes, and whether the round
// succeeded. Projects move through a fixed state machine:
//
//	created → queued → generating_code → generating_tests → running_tests
//	        → {generating_code (retry) | completed | failed | error | stopped}
//
// Terminal projects are immutable except for an explicit regenerate,
// which starts a fresh iteration sequence and archives the old one.
//
// The package also defines the shared error taxonomy used across the
// orchestrator, store, and HTTP surface. Callers discriminate with
// errors.Is against the sentinel values.
package project
