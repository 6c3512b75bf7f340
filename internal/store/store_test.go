package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/remoterunner/internal/tree"
)

// newTestStore creates a Store backed by a temporary SQLite database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, tree.ParseOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(content string) *tree.Node {
	return tree.NewDir("app",
		tree.NewFile("package", "json", []byte(`{"scripts":{"dev":"vite"}}`)),
		tree.NewDir("src", tree.NewFile("main", "ts", []byte(content))),
	)
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("/no/such/dir/test.db", tree.ParseOptions{})
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveSnapshot(ctx, "p1", sample("v1\n")))
	got, err := s.LoadSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, tree.Compare(sample("v1\n"), got).Empty())
	assert.Equal(t, "app", got.Name)

	require.NoError(t, s.SaveSnapshot(ctx, "p1", sample("v2\n")))
	got, err = s.LoadSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(tree.Lookup(got, "src/main.ts").Content))

	meta, err := s.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Revision)
	assert.Equal(t, 2, meta.Files)
	assert.Positive(t, meta.Bytes)
	assert.False(t, meta.UpdatedAt.IsZero())
}

func TestLoad_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.LoadSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSave_RequiresProject(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveSnapshot(context.Background(), "", sample("x")))
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveSnapshot(ctx, id, sample(id)))
	}
	list, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)

	require.NoError(t, s.DeleteSnapshot(ctx, "b"))
	require.NoError(t, s.DeleteSnapshot(ctx, "b"))
	list, err = s.ListSnapshots(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, snap := range list {
		ids = append(ids, snap.ProjectID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	s, err := New(dbPath, tree.ParseOptions{})
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, "p", sample("persisted")))
	require.NoError(t, s.Close())

	s, err = New(dbPath, tree.ParseOptions{})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.LoadSnapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(tree.Lookup(got, "src/main.ts").Content))
}
