// Package state holds the only data that outlives a process: the per-component
// hash cache and the user-edit cache, plus the stores that persist them.
package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// SchemaVersion of both persisted documents.
const SchemaVersion = 1

// ErrSchemaMismatch is returned by stores when a persisted document was
// written under a different schema version.
var ErrSchemaMismatch = errors.New("state schema version mismatch")

// HashEntry is the cached fingerprint of one component.
type HashEntry struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Hash        string    `json:"hash"`
	IsRoot      bool      `json:"isRoot"`
	ComputedAt  time.Time `json:"computedAt"`
}

// HashCache maps component ID to its last generated fingerprint.
type HashCache struct {
	SchemaVersion int                  `json:"schemaVersion"`
	Hashes        map[string]HashEntry `json:"hashes"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	// AppStale and BootstrapStale mark an aggregate file whose last
	// regeneration did not reach disk.
	AppStale       bool `json:"appStale,omitempty"`
	BootstrapStale bool `json:"bootstrapStale,omitempty"`
}

func NewHashCache() *HashCache {
	return &HashCache{SchemaVersion: SchemaVersion, Hashes: make(map[string]HashEntry)}
}

// Clone returns a deep copy.
func (c *HashCache) Clone() *HashCache {
	out := &HashCache{
		SchemaVersion:  c.SchemaVersion,
		Hashes:         make(map[string]HashEntry, len(c.Hashes)),
		UpdatedAt:      c.UpdatedAt,
		AppStale:       c.AppStale,
		BootstrapStale: c.BootstrapStale,
	}
	for k, v := range c.Hashes {
		out.Hashes[k] = v
	}
	return out
}

// UserEdit records a generated file a human has modified.
type UserEdit struct {
	Filepath     string    `json:"filepath"`
	ComponentID  string    `json:"componentId,omitempty"`
	DetectedAt   time.Time `json:"detectedAt"`
	ContentHash  string    `json:"contentHash"`
	WarningShown bool      `json:"warningShown,omitempty"`
}

// UserEditCache maps absolute file path to its user-edit record.
type UserEditCache struct {
	SchemaVersion int                 `json:"schemaVersion"`
	Edits         map[string]UserEdit `json:"edits"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

func NewUserEditCache() *UserEditCache {
	return &UserEditCache{SchemaVersion: SchemaVersion, Edits: make(map[string]UserEdit)}
}

// Store persists both caches. Load methods return an empty cache and a nil
// error when nothing has been persisted yet.
type Store interface {
	LoadHashes(ctx context.Context) (*HashCache, error)
	SaveHashes(ctx context.Context, c *HashCache) error
	LoadEdits(ctx context.Context) (*UserEditCache, error)
	SaveEdits(ctx context.Context, c *UserEditCache) error
}

// EditRegistry guards the user-edit cache. The file watcher flags edits
// while a generation pass may be reading them.
type EditRegistry struct {
	mu    sync.RWMutex
	cache *UserEditCache
}

func NewEditRegistry(c *UserEditCache) *EditRegistry {
	if c == nil {
		c = NewUserEditCache()
	}
	if c.Edits == nil {
		c.Edits = make(map[string]UserEdit)
	}
	return &EditRegistry{cache: c}
}

// IsFlagged reports whether path carries a user-edit record.
func (r *EditRegistry) IsFlagged(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cache.Edits[path]
	return ok
}

func (r *EditRegistry) Get(path string) (UserEdit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache.Edits[path]
	return e, ok
}

// Flag records e, keyed by e.Filepath. It returns false when an identical
// record (same content hash) already existed.
func (r *EditRegistry) Flag(e UserEdit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.cache.Edits[e.Filepath]; ok && prev.ContentHash == e.ContentHash {
		return false
	}
	r.cache.Edits[e.Filepath] = e
	r.cache.UpdatedAt = e.DetectedAt
	return true
}

// Clear removes the record for path and reports whether one existed.
func (r *EditRegistry) Clear(path string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache.Edits[path]; !ok {
		return false
	}
	delete(r.cache.Edits, path)
	r.cache.UpdatedAt = at
	return true
}

// ClearAll removes every record and returns the cleared paths.
func (r *EditRegistry) ClearAll(at time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.cache.Edits))
	for p := range r.cache.Edits {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	r.cache.Edits = make(map[string]UserEdit)
	r.cache.UpdatedAt = at
	return paths
}

// MarkWarningShown sets WarningShown on the record for path.
func (r *EditRegistry) MarkWarningShown(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache.Edits[path]
	if !ok {
		return false
	}
	e.WarningShown = true
	r.cache.Edits[path] = e
	return true
}

// List returns the records sorted by path.
func (r *EditRegistry) List() []UserEdit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]UserEdit, 0, len(r.cache.Edits))
	for _, e := range r.cache.Edits {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filepath < out[j].Filepath })
	return out
}

// Snapshot returns a copy safe to hand to a Store.
func (r *EditRegistry) Snapshot() *UserEditCache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &UserEditCache{
		SchemaVersion: SchemaVersion,
		Edits:         make(map[string]UserEdit, len(r.cache.Edits)),
		UpdatedAt:     r.cache.UpdatedAt,
	}
	for k, v := range r.cache.Edits {
		out.Edits[k] = v
	}
	return out
}

// Reset replaces the registry contents.
func (r *EditRegistry) Reset(c *UserEditCache) {
	if c == nil {
		c = NewUserEditCache()
	}
	if c.Edits == nil {
		c.Edits = make(map[string]UserEdit)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = c
}
