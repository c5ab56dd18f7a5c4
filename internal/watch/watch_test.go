package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agentic-research/trellis/internal/writer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingObserver struct {
	mu       sync.Mutex
	changes  map[string]string
	removals []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{changes: make(map[string]string)}
}

func (r *recordingObserver) ObserveChange(ctx context.Context, rel string, content []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes[rel] = string(content)
	return true
}

func (r *recordingObserver) ObserveRemoval(ctx context.Context, rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removals = append(r.removals, rel)
}

func (r *recordingObserver) change(rel string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.changes[rel]
	return c, ok
}

func (r *recordingObserver) removed(rel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.removals {
		if p == rel {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, root string, obs Observer, opts ...Option) *Watcher {
	t.Helper()
	opts = append([]Option{WithDirs("src", "src/components"), WithDebounce(20 * time.Millisecond)}, opts...)
	w, err := New(root, obs, opts...)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherReportsChangesAndRemovals(t *testing.T) {
	root := t.TempDir()
	obs := newRecordingObserver()
	w := startWatcher(t, root, obs)

	p := filepath.Join(root, "src", "components", "Header.tsx")
	require.NoError(t, os.WriteFile(p, []byte("edited"), 0o644))
	require.Eventually(t, func() bool {
		c, ok := obs.change("src/components/Header.tsx")
		return ok && c == "edited"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(p))
	require.Eventually(t, func() bool {
		return obs.removed("src/components/Header.tsx")
	}, 2*time.Second, 10*time.Millisecond)

	st := w.Stats()
	assert.GreaterOrEqual(t, st.Changes, 1)
	assert.GreaterOrEqual(t, st.Removals, 1)
}

func TestWatcherIgnoresTempFilesAndOtherDirs(t *testing.T) {
	root := t.TempDir()
	obs := newRecordingObserver()
	startWatcher(t, root, obs)

	require.NoError(t, os.WriteFile(filepath.Join(root, "src", writer.TempPrefix+"123"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "App.tsx"), []byte("app"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := obs.change("src/App.tsx")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.changes, 1)
}

func TestWatcherDebouncesManifest(t *testing.T) {
	root := t.TempDir()
	manifest := filepath.Join(root, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte("{}"), 0o644))

	var calls atomic.Int32
	startWatcher(t, root, newRecordingObserver(),
		WithDebounce(100*time.Millisecond),
		WithManifest(manifest, func(ctx context.Context) { calls.Add(1) }))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(manifest, []byte(`{"schemaVersion": 1}`), 0o644))
	}
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatcherSweeps(t *testing.T) {
	var sweeps atomic.Int32
	w := startWatcher(t, t.TempDir(), newRecordingObserver(),
		WithSweep(10*time.Millisecond, func() { sweeps.Add(1) }))

	require.Eventually(t, func() bool { return sweeps.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, w.Stats().Sweeps, 1)
}

func TestStopIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), newRecordingObserver())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
