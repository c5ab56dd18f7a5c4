package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/trellis/internal/writer/fstest"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func sampleHashes() *HashCache {
	c := NewHashCache()
	c.Hashes["h"] = HashEntry{ID: "h", DisplayName: "Header", Hash: "abc", IsRoot: true, ComputedAt: t0}
	c.Hashes["t"] = HashEntry{ID: "t", DisplayName: "Title", Hash: "def", ComputedAt: t0}
	c.UpdatedAt = t0
	c.AppStale = true
	return c
}

func sampleEdits() *UserEditCache {
	c := NewUserEditCache()
	c.Edits["/p/src/components/Header.tsx"] = UserEdit{
		Filepath:    "/p/src/components/Header.tsx",
		ComponentID: "h",
		DetectedAt:  t0,
		ContentHash: "zzz",
	}
	c.UpdatedAt = t0
	return c
}

// exerciseStore checks the Store contract shared by every backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	hashes, err := s.LoadHashes(ctx)
	require.NoError(t, err)
	assert.Empty(t, hashes.Hashes)
	edits, err := s.LoadEdits(ctx)
	require.NoError(t, err)
	assert.Empty(t, edits.Edits)

	require.NoError(t, s.SaveHashes(ctx, sampleHashes()))
	require.NoError(t, s.SaveEdits(ctx, sampleEdits()))

	hashes, err = s.LoadHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, hashes.SchemaVersion)
	require.Len(t, hashes.Hashes, 2)
	assert.Equal(t, "Header", hashes.Hashes["h"].DisplayName)
	assert.True(t, hashes.Hashes["h"].IsRoot)
	assert.True(t, t0.Equal(hashes.Hashes["t"].ComputedAt))
	assert.True(t, hashes.AppStale)
	assert.False(t, hashes.BootstrapStale)

	edits, err = s.LoadEdits(ctx)
	require.NoError(t, err)
	require.Len(t, edits.Edits, 1)
	assert.Equal(t, "h", edits.Edits["/p/src/components/Header.tsx"].ComponentID)

	// Overwrite replaces the document.
	next := NewHashCache()
	next.Hashes["x"] = HashEntry{ID: "x", Hash: "1"}
	require.NoError(t, s.SaveHashes(ctx, next))
	hashes, err = s.LoadHashes(ctx)
	require.NoError(t, err)
	assert.Len(t, hashes.Hashes, 1)
	assert.False(t, hashes.AppStale)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := sampleHashes()
	require.NoError(t, s.SaveHashes(ctx, c))
	c.Hashes["h"] = HashEntry{ID: "h", Hash: "mutated"}

	got, err := s.LoadHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Hashes["h"].Hash)

	s.LoadErr = errors.New("boom")
	_, err = s.LoadEdits(ctx)
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	exerciseStore(t, NewFileStore(fstest.NewMemFS(), ".trellis"))
}

func TestFileStoreSchemaMismatch(t *testing.T) {
	fs := fstest.NewMemFS()
	require.NoError(t, util.WriteFile(fs, ".trellis/"+HashCacheFile, []byte(`{"schemaVersion": 7, "hashes": {}}`), 0o644))
	require.NoError(t, util.WriteFile(fs, ".trellis/"+UserEditsFile, []byte(`{"schemaVersion": 7, "edits": {}}`), 0o644))

	s := NewFileStore(fs, ".trellis")
	h, err := s.LoadHashes(context.Background())
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.NotNil(t, h)
	_, err = s.LoadEdits(context.Background())
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestFileStoreCorruptDocument(t *testing.T) {
	fs := fstest.NewMemFS()
	require.NoError(t, util.WriteFile(fs, "state/"+HashCacheFile, []byte(`{not json`), 0o644))
	_, err := NewFileStore(fs, "state").LoadHashes(context.Background())
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreSchemaMismatch(t *testing.T) {
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()

	c := sampleHashes()
	c.SchemaVersion = 9
	require.NoError(t, s.SaveHashes(context.Background(), c))
	_, err = s.LoadHashes(context.Background())
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestEditRegistry(t *testing.T) {
	r := NewEditRegistry(nil)
	e := UserEdit{Filepath: "/p/a.tsx", ComponentID: "a", DetectedAt: t0, ContentHash: "1"}

	assert.True(t, r.Flag(e))
	assert.False(t, r.Flag(e), "same hash is not a new edit")
	e.ContentHash = "2"
	assert.True(t, r.Flag(e))
	assert.True(t, r.IsFlagged("/p/a.tsx"))

	got, ok := r.Get("/p/a.tsx")
	require.True(t, ok)
	assert.Equal(t, "2", got.ContentHash)

	assert.True(t, r.MarkWarningShown("/p/a.tsx"))
	assert.False(t, r.MarkWarningShown("/p/missing.tsx"))

	r.Flag(UserEdit{Filepath: "/p/0.tsx", DetectedAt: t0, ContentHash: "x"})
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "/p/0.tsx", list[0].Filepath)
	assert.True(t, list[1].WarningShown)

	snap := r.Snapshot()
	assert.True(t, r.Clear("/p/a.tsx", t0))
	assert.False(t, r.Clear("/p/a.tsx", t0))
	assert.Len(t, snap.Edits, 2, "snapshot is detached")

	assert.Equal(t, []string{"/p/0.tsx"}, r.ClearAll(t0))
	assert.Empty(t, r.List())

	r.Reset(sampleEdits())
	assert.True(t, r.IsFlagged("/p/src/components/Header.tsx"))
}

func TestHashCacheClone(t *testing.T) {
	c := sampleHashes()
	cp := c.Clone()
	cp.Hashes["h"] = HashEntry{ID: "h", Hash: "other"}
	assert.Equal(t, "abc", c.Hashes["h"].Hash)
	assert.True(t, cp.AppStale)
}
