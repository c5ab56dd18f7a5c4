// Package detect classifies manifest components against the cached
// fingerprint of the last generation.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/trellis/api"
	"github.com/agentic-research/trellis/internal/graph"
	"github.com/agentic-research/trellis/internal/state"
)

// Changes is the result of one comparison.
type Changes struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
	// AppNeedsUpdate is set when the aggregate entry file must be regenerated.
	AppNeedsUpdate bool `json:"appNeedsUpdate"`
	TotalChanges   int  `json:"totalChanges"`
	HasChanges     bool `json:"hasChanges"`
}

// fingerprintInput is every field that influences generated output.
// Metadata.UpdatedAt is deliberately absent.
type fingerprintInput struct {
	ID          string                            `json:"id"`
	DisplayName string                            `json:"displayName"`
	Type        string                            `json:"type"`
	Category    string                            `json:"category"`
	Properties  map[string]api.PropertyDescriptor `json:"properties"`
	Styling     api.StyleDescriptor               `json:"styling"`
	Children    []string                          `json:"children"`
	ChildNames  []string                          `json:"childNames"`
	CreatedAt   time.Time                         `json:"createdAt"`
	Author      string                            `json:"author"`
	Version     string                            `json:"version"`
}

// Fingerprint hashes the generation-relevant fields of c. Child display names
// are included because the generated source imports children by name.
func Fingerprint(c *api.Component, components map[string]*api.Component) string {
	in := fingerprintInput{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		Type:        c.Type,
		Category:    c.Category,
		Properties:  c.Properties,
		Styling:     c.Styling,
		Children:    c.Children,
		ChildNames:  graph.ChildNames(c, components),
		CreatedAt:   c.Metadata.CreatedAt.UTC(),
		Author:      c.Metadata.Author,
		Version:     c.Metadata.Version,
	}
	// encoding/json sorts map keys, which makes the encoding canonical
	data, err := json.Marshal(in)
	if err != nil {
		// only reachable with unencodable property values (e.g. NaN)
		data = []byte(c.ID + "\x00unencodable")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Detector owns the hash cache for one project. It is not safe for
// concurrent use; the orchestrator runs one pass at a time.
type Detector struct {
	cache *state.HashCache
	now   func() time.Time
}

func New(cache *state.HashCache) *Detector {
	d := &Detector{now: time.Now}
	d.Reset(cache)
	return d
}

// SetClock overrides time.Now, for tests.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Reset replaces the cache, e.g. after loading it from a store.
func (d *Detector) Reset(cache *state.HashCache) {
	if cache == nil {
		cache = state.NewHashCache()
	}
	if cache.Hashes == nil {
		cache.Hashes = make(map[string]state.HashEntry)
	}
	d.cache = cache
}

// Snapshot returns a copy of the cache, safe to persist.
func (d *Detector) Snapshot() *state.HashCache {
	return d.cache.Clone()
}

// Entry returns the cached entry for id.
func (d *Detector) Entry(id string) (state.HashEntry, bool) {
	e, ok := d.cache.Hashes[id]
	return e, ok
}

// Len is the number of cached components.
func (d *Detector) Len() int { return len(d.cache.Hashes) }

// CachedIDs returns cached component IDs in sorted order.
func (d *Detector) CachedIDs() []string {
	ids := make([]string, 0, len(d.cache.Hashes))
	for id := range d.cache.Hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// interner assigns dense bitmap positions to component IDs. One is built
// per comparison.
type interner map[string]uint32

func (in interner) id(s string) uint32 {
	if n, ok := in[s]; ok {
		return n
	}
	n := uint32(len(in))
	in[s] = n
	return n
}

// DetectChanges compares components against the cache. It does not modify the cache.
func (d *Detector) DetectChanges(components map[string]*api.Component) Changes {
	ch := Changes{Added: []string{}, Modified: []string{}, Removed: []string{}}

	for _, id := range graph.SortedIDs(components) {
		c := components[id]
		if c == nil {
			continue
		}
		entry, ok := d.cache.Hashes[id]
		switch {
		case !ok:
			ch.Added = append(ch.Added, id)
		case entry.Hash != Fingerprint(c, components):
			ch.Modified = append(ch.Modified, id)
		}
	}
	for _, id := range d.CachedIDs() {
		if c, ok := components[id]; !ok || c == nil {
			ch.Removed = append(ch.Removed, id)
		}
	}

	in := make(interner, len(d.cache.Hashes)+len(components))
	before := roaring.New()
	for id, e := range d.cache.Hashes {
		if e.IsRoot {
			before.Add(in.id(id))
		}
	}
	after := roaring.New()
	for _, id := range graph.RootIDs(components) {
		if components[id] != nil {
			after.Add(in.id(id))
		}
	}
	ch.AppNeedsUpdate = !before.Equals(after) || d.rootRenamed(components, after, in)

	ch.TotalChanges = len(ch.Added) + len(ch.Modified) + len(ch.Removed)
	ch.HasChanges = ch.TotalChanges > 0 || ch.AppNeedsUpdate
	return ch
}

// rootRenamed reports whether a root present in both generations changed its
// display name; the aggregate file imports roots by name.
func (d *Detector) rootRenamed(components map[string]*api.Component, roots *roaring.Bitmap, in interner) bool {
	for id, e := range d.cache.Hashes {
		if !e.IsRoot || !roots.Contains(in.id(id)) {
			continue
		}
		if c := components[id]; c != nil && c.DisplayName != e.DisplayName {
			return true
		}
	}
	return false
}

// UpdateCache stores fresh fingerprints for ids (every component when ids is
// nil). Call it only after the corresponding files were written.
func (d *Detector) UpdateCache(components map[string]*api.Component, ids []string) {
	if ids == nil {
		ids = graph.SortedIDs(components)
	}
	children := graph.ChildSet(components)
	now := d.now().UTC()
	for _, id := range ids {
		c := components[id]
		if c == nil {
			continue
		}
		_, isChild := children[id]
		d.cache.Hashes[id] = state.HashEntry{
			ID:          id,
			DisplayName: c.DisplayName,
			Hash:        Fingerprint(c, components),
			IsRoot:      !isChild,
			ComputedAt:  now,
		}
	}
	d.cache.UpdatedAt = now
}

// Remove drops cache entries for deleted components.
func (d *Detector) Remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		delete(d.cache.Hashes, id)
	}
	d.cache.UpdatedAt = d.now().UTC()
}

// SyncRoots rewrites the IsRoot flag of every cached component that still
// exists. Call it after the aggregate entry file was regenerated, so
// reparenting of an otherwise unchanged component is not reported again.
func (d *Detector) SyncRoots(components map[string]*api.Component) {
	children := graph.ChildSet(components)
	for id, e := range d.cache.Hashes {
		if components[id] == nil {
			continue
		}
		_, isChild := children[id]
		e.IsRoot = !isChild
		d.cache.Hashes[id] = e
	}
}
