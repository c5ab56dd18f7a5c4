// Package hashtrack records the fingerprint of every file the engine is about
// to write, so that a filesystem observer can tell the engine's own writes
// apart from a human editing a generated file.
package hashtrack

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrEmptyPath      = errors.New("empty path")
	ErrNilContent     = errors.New("nil content")
	ErrAlreadyPending = errors.New("write already pending for path")
)

// Fingerprint returns the hex sha256 of content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Normalize cleans p and converts it to forward slashes.
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

type pendingWrite struct {
	since    time.Time
	previous string // fingerprint before this write, "" if none
	hadPrev  bool
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	hashes  map[string]string
	pending map[string]pendingWrite
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for stale-pending warnings.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		hashes:  make(map[string]string),
		pending: make(map[string]pendingWrite),
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// BeforeWrite records the fingerprint of content for path and marks path as a
// pending self-write. It must return before any byte of content reaches disk.
// On error the caller must not write.
func (t *Tracker) BeforeWrite(path string, content []byte) error {
	key := Normalize(path)
	if key == "" {
		return ErrEmptyPath
	}
	if content == nil {
		return fmt.Errorf("fingerprint %s: %w", key, ErrNilContent)
	}
	sum := Fingerprint(content)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.pending[key]; busy {
		return fmt.Errorf("%s: %w", key, ErrAlreadyPending)
	}
	prev, hadPrev := t.hashes[key]
	t.pending[key] = pendingWrite{since: t.now(), previous: prev, hadPrev: hadPrev}
	t.hashes[key] = sum
	return nil
}

// AfterWrite clears the pending flag for path. It must be called exactly once
// per successful BeforeWrite, whether or not the write succeeded. A failed
// write restores the previous fingerprint, since the file on disk was not
// replaced.
func (t *Tracker) AfterWrite(path string, writeErr error) {
	key := Normalize(path)

	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[key]
	if !ok {
		return
	}
	delete(t.pending, key)
	if writeErr == nil {
		return
	}
	if p.hadPrev {
		t.hashes[key] = p.previous
	} else {
		delete(t.hashes, key)
	}
}

// IsExternalEdit reports whether observed differs from the last fingerprint
// recorded for path. With no fingerprint on record the change is external.
func (t *Tracker) IsExternalEdit(path string, observed []byte) bool {
	key := Normalize(path)
	sum := Fingerprint(observed)

	t.mu.Lock()
	defer t.mu.Unlock()
	known, ok := t.hashes[key]
	return !ok || known != sum
}

// Known reports the recorded fingerprint for path.
func (t *Tracker) Known(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.hashes[Normalize(path)]
	return h, ok
}

// IsPending reports whether a write to path is in flight.
func (t *Tracker) IsPending(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[Normalize(path)]
	return ok
}

// Forget drops everything recorded for path. Used after the file is deleted.
func (t *Tracker) Forget(path string) {
	key := Normalize(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hashes, key)
	delete(t.pending, key)
}

// SweepStale clears pending flags older than maxAge and returns the affected
// paths in sorted order. A pending flag only outlives its write when
// AfterWrite was never reached.
func (t *Tracker) SweepStale(maxAge time.Duration) []string {
	if maxAge <= 0 {
		return nil
	}
	t.mu.Lock()
	now := t.now()
	var stale []string
	for key, p := range t.pending {
		if now.Sub(p.since) >= maxAge {
			stale = append(stale, key)
			delete(t.pending, key)
		}
	}
	t.mu.Unlock()

	sort.Strings(stale)
	for _, key := range stale {
		t.log.Warn("cleared stale pending write",
			zap.String("path", key),
			zap.Duration("max_age", maxAge))
	}
	return stale
}
