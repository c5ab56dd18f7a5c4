package hashtrack

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_SelfWriteIsNotExternal(t *testing.T) {
	tr := New()
	content := []byte("export function Header() {}\n")

	require.NoError(t, tr.BeforeWrite("src/components/Header.tsx", content))
	assert.True(t, tr.IsPending("src/components/Header.tsx"))
	tr.AfterWrite("src/components/Header.tsx", nil)
	assert.False(t, tr.IsPending("src/components/Header.tsx"))

	assert.False(t, tr.IsExternalEdit("src/components/Header.tsx", content))
}

func TestTracker_DifferentBytesAreExternal(t *testing.T) {
	tr := New()
	require.NoError(t, tr.BeforeWrite("a.tsx", []byte("generated")))
	tr.AfterWrite("a.tsx", nil)

	assert.True(t, tr.IsExternalEdit("a.tsx", []byte("generated // tweaked by hand")))
}

func TestTracker_UnknownPathIsExternal(t *testing.T) {
	tr := New()
	assert.True(t, tr.IsExternalEdit("never-written.tsx", []byte("x")))
}

func TestTracker_NormalizesPaths(t *testing.T) {
	tr := New()
	require.NoError(t, tr.BeforeWrite("src/./components//A.tsx", []byte("a")))
	tr.AfterWrite("src/components/A.tsx", nil)

	assert.False(t, tr.IsPending("src/components/A.tsx"))
	assert.False(t, tr.IsExternalEdit("src/components/A.tsx", []byte("a")))
}

func TestTracker_BeforeWriteFailures(t *testing.T) {
	tr := New()

	assert.ErrorIs(t, tr.BeforeWrite("", []byte("x")), ErrEmptyPath)
	assert.ErrorIs(t, tr.BeforeWrite("a.tsx", nil), ErrNilContent)

	require.NoError(t, tr.BeforeWrite("a.tsx", []byte("one")))
	err := tr.BeforeWrite("a.tsx", []byte("two"))
	assert.ErrorIs(t, err, ErrAlreadyPending)

	// the rejected registration must not have replaced the fingerprint
	tr.AfterWrite("a.tsx", nil)
	assert.False(t, tr.IsExternalEdit("a.tsx", []byte("one")))
}

func TestTracker_FailedWriteRestoresPreviousFingerprint(t *testing.T) {
	tr := New()
	require.NoError(t, tr.BeforeWrite("a.tsx", []byte("v1")))
	tr.AfterWrite("a.tsx", nil)

	require.NoError(t, tr.BeforeWrite("a.tsx", []byte("v2")))
	tr.AfterWrite("a.tsx", errors.New("disk full"))

	assert.False(t, tr.IsExternalEdit("a.tsx", []byte("v1")), "v1 is still on disk")
	assert.True(t, tr.IsExternalEdit("a.tsx", []byte("v2")))
}

func TestTracker_FailedFirstWriteLeavesNoRecord(t *testing.T) {
	tr := New()
	require.NoError(t, tr.BeforeWrite("a.tsx", []byte("v1")))
	tr.AfterWrite("a.tsx", errors.New("rename failed"))

	_, ok := tr.Known("a.tsx")
	assert.False(t, ok)
}

func TestTracker_AfterWriteWithoutBeforeIsNoop(t *testing.T) {
	tr := New()
	tr.AfterWrite("ghost.tsx", errors.New("boom"))
	_, ok := tr.Known("ghost.tsx")
	assert.False(t, ok)
}

func TestTracker_Forget(t *testing.T) {
	tr := New()
	require.NoError(t, tr.BeforeWrite("a.tsx", []byte("v1")))
	tr.AfterWrite("a.tsx", nil)
	tr.Forget("a.tsx")

	assert.True(t, tr.IsExternalEdit("a.tsx", []byte("v1")))
}

func TestTracker_SweepStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := New(WithClock(func() time.Time { return now }))

	require.NoError(t, tr.BeforeWrite("old.tsx", []byte("a")))
	now = now.Add(3 * time.Minute)
	require.NoError(t, tr.BeforeWrite("fresh.tsx", []byte("b")))
	now = now.Add(30 * time.Second)

	swept := tr.SweepStale(2 * time.Minute)
	assert.Equal(t, []string{"old.tsx"}, swept)
	assert.False(t, tr.IsPending("old.tsx"))
	assert.True(t, tr.IsPending("fresh.tsx"))

	// fingerprint survives the sweep; only the pending flag is cleared
	assert.False(t, tr.IsExternalEdit("old.tsx", []byte("a")))

	assert.Nil(t, tr.SweepStale(0))
}

func TestTracker_ConcurrentDistinctPaths(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := "f" + string(rune('a'+i%26)) + string(rune('a'+i/26)) + ".tsx"
			if err := tr.BeforeWrite(p, []byte(p)); err == nil {
				tr.AfterWrite(p, nil)
			}
		}(i)
	}
	wg.Wait()

	assert.False(t, tr.IsExternalEdit("faa.tsx", []byte("faa.tsx")))
}
