package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forged/internal/project"
)

func TestManager_Acquire(t *testing.T) {
	m := NewManager()

	l, err := m.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, l)

	assert.Equal(t, "proj-1", l.Record().ProjectID)
	assert.NotEmpty(t, l.Record().OwnerToken)
	assert.False(t, l.Record().AcquiredAt.IsZero())
	assert.True(t, m.Held("proj-1"))
}

func TestManager_Acquire_Conflict(t *testing.T) {
	m := NewManager()

	_, err := m.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "proj-1")
	require.Error(t, err, "second acquisition fails fast, no queuing")
	assert.ErrorIs(t, err, project.ErrLeaseConflict)
}

func TestManager_Acquire_DistinctProjects(t *testing.T) {
	m := NewManager()

	_, err := m.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "proj-2")
	require.NoError(t, err, "exclusivity is per project, not global")

	assert.Equal(t, 2, m.ActiveCount())
}

func TestLease_Release(t *testing.T) {
	m := NewManager()

	l, err := m.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)

	l.Release()
	assert.False(t, m.Held("proj-1"))
	assert.Error(t, l.Context().Err(), "lease context ends on release")

	l.Release() // idempotent

	_, err = m.Acquire(context.Background(), "proj-1")
	assert.NoError(t, err, "project acquirable again after release")
}

func TestManager_RequestStop(t *testing.T) {
	m := NewManager()

	l, err := m.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.False(t, l.StopRequested())

	require.NoError(t, m.RequestStop("proj-1", true))

	assert.True(t, l.StopRequested())
	assert.True(t, l.StoppedByUser())

	select {
	case <-l.Context().Done():
	default:
		t.Fatal("stop must cancel the lease context")
	}
	assert.ErrorIs(t, context.Cause(l.Context()), project.ErrStopped)
}

func TestManager_RequestStop_NoLease(t *testing.T) {
	m := NewManager()

	err := m.RequestStop("proj-1", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, project.ErrNotCancellable)
}

func TestLease_ParentCancellation(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())

	l, err := m.Acquire(ctx, "proj-1")
	require.NoError(t, err)

	cancel()

	assert.True(t, l.StopRequested(), "daemon shutdown reads as a stop at checkpoints")
	assert.False(t, l.StoppedByUser(), "shutdown is not a user stop")
}

func TestManager_ConcurrentAcquire_ExactlyOneWins(t *testing.T) {
	m := NewManager()

	const attempts = 64
	var wins atomic.Int32
	var conflicts atomic.Int32
	var wg sync.WaitGroup

	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Acquire(context.Background(), "proj-1")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, project.ErrLeaseConflict):
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "at most one live lease per project")
	assert.Equal(t, int32(attempts-1), conflicts.Load())
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManager_ConcurrentAcquireRelease(t *testing.T) {
	m := NewManager()

	var held atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l, err := m.Acquire(context.Background(), "proj-1")
				if err != nil {
					continue
				}
				cur := held.Add(1)
				if cur > peak.Load() {
					peak.Store(cur)
				}
				held.Add(-1)
				l.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(1), "no instant with two live leases")
	assert.False(t, m.Held("proj-1"))
}
