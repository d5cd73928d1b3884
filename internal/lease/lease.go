// Package lease enforces per-project exclusivity: at most one live
// lease exists per project at any instant. Acquisition is non-blocking
// and fails fast with project.ErrLeaseConflict; callers poll or get
// notified, they never queue.
//
// The in-process registry is the source of truth for exclusivity.
// Orchestration loops run inside this process, so a mutex-guarded map
// gives the strongest possible guarantee; the store carries a copy of
// the lease record for observability only.
//
// A stop request sets a flag on the lease and cancels the lease
// context, which is threaded into in-flight provider and runner calls.
// The loop observes the flag at its checkpoints.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/forged/internal/project"
)

// Lease is a live exclusivity grant for one project.
type Lease struct {
	record project.Lease

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu            sync.Mutex
	stopRequested bool
	stoppedByUser bool
	released      bool

	mgr *Manager
}

// Record returns the persistable lease record.
func (l *Lease) Record() project.Lease {
	return l.record
}

// Context is cancelled when a stop is requested, the lease is
// released, or the parent context ends. Thread it into every
// provider and runner call made under this lease.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// StopRequested reports whether a stop was requested or the parent
// context ended. Checked at loop checkpoints.
func (l *Lease) StopRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopRequested || l.ctx.Err() != nil
}

// StoppedByUser reports whether the stop came from an explicit user
// request rather than daemon shutdown.
func (l *Lease) StoppedByUser() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stoppedByUser
}

// Release returns the project to an acquirable state. Idempotent.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	l.cancel(nil)
	l.mgr.release(l)
}

// requestStop flags the lease and cancels its context.
func (l *Lease) requestStop(byUser bool) {
	l.mu.Lock()
	if !l.stopRequested {
		l.stopRequested = true
		l.stoppedByUser = byUser
	}
	l.mu.Unlock()

	l.cancel(project.ErrStopped)
}

// Manager is the process-wide lease registry.
type Manager struct {
	mu     sync.Mutex
	active map[string]*Lease
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{active: make(map[string]*Lease)}
}

// Acquire grants the project's lease, or fails fast with
// project.ErrLeaseConflict when one is already live. The returned
// lease's context descends from ctx.
func (m *Manager) Acquire(ctx context.Context, projectID string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.active[projectID]; held {
		return nil, project.ErrLeaseConflict
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		record: project.Lease{
			ProjectID:  projectID,
			OwnerToken: uuid.New().String(),
			AcquiredAt: time.Now().UTC(),
		},
		ctx:    leaseCtx,
		cancel: cancel,
		mgr:    m,
	}
	m.active[projectID] = l
	return l, nil
}

// RequestStop flags the project's live lease for cancellation.
// Returns project.ErrNotCancellable when no lease is live — the
// project is not in an active generating state.
func (m *Manager) RequestStop(projectID string, byUser bool) error {
	m.mu.Lock()
	l, held := m.active[projectID]
	m.mu.Unlock()

	if !held {
		return project.ErrNotCancellable
	}
	l.requestStop(byUser)
	return nil
}

// Held reports whether a live lease exists for the project.
func (m *Manager) Held(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.active[projectID]
	return held
}

// ActiveCount returns the number of live leases.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// release removes the lease if it is still the registered one.
func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, held := m.active[l.record.ProjectID]; held && cur == l {
		delete(m.active, l.record.ProjectID)
	}
}
