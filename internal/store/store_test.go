package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{}, zap.NewNop())
	assert.Error(t, err, "persistent store needs a path")
}

func TestOpen_RequiresLogger(t *testing.T) {
	_, err := Open(InMemoryConfig(), nil)
	assert.Error(t, err)
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(DefaultConfig(dir), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "close is idempotent")
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "proj-1", "project", []byte(`{"id":"proj-1"}`)))

	got, err := s.Get(ctx, "proj-1", "project")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"proj-1"}`, string(got))
}

func TestStore_Get_Missing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "proj-1", "nothing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStore_ProjectIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "proj-1", "project", []byte("one")))
	require.NoError(t, s.Put(ctx, "proj-2", "project", []byte("two")))

	got, err := s.Get(ctx, "proj-1", "project")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	keys, err := s.List(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"project"}, keys, "listing is scoped to one project")
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "proj-1", "project", []byte("p")))
	require.NoError(t, s.Put(ctx, "proj-1", "iter/000000", []byte("i0")))
	require.NoError(t, s.Put(ctx, "proj-1", "iter/000001", []byte("i1")))

	keys, err := s.List(ctx, "proj-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"project", "iter/000000", "iter/000001"}, keys)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "proj-1", "lease", []byte("l")))
	require.NoError(t, s.Delete(ctx, "proj-1", "lease"))

	_, err := s.Get(ctx, "proj-1", "lease")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.NoError(t, s.Delete(ctx, "proj-1", "lease"), "deleting a missing key is not an error")
}

func TestStore_ContextCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.Put(ctx, "proj-1", "k", []byte("v")))
	_, err := s.Get(ctx, "proj-1", "k")
	assert.Error(t, err)
}
