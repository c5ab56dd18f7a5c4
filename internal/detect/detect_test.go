package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/trellis/api"
	"github.com/agentic-research/trellis/internal/state"
)

func comp(id, name string, children ...string) *api.Component {
	return &api.Component{
		ID:          id,
		DisplayName: name,
		Type:        "div",
		Styling:     api.StyleDescriptor{Classes: []string{"flex"}},
		Children:    children,
		Metadata: api.ComponentMetadata{
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func manifest(cs ...*api.Component) map[string]*api.Component {
	m := make(map[string]*api.Component, len(cs))
	for _, c := range cs {
		m[c.ID] = c
	}
	return m
}

func TestDetectChanges_FirstRunAddsEverything(t *testing.T) {
	d := New(nil)
	m := manifest(comp("h", "Header"), comp("f", "Footer"))

	ch := d.DetectChanges(m)
	assert.Equal(t, []string{"f", "h"}, ch.Added)
	assert.Empty(t, ch.Modified)
	assert.Empty(t, ch.Removed)
	assert.True(t, ch.AppNeedsUpdate)
	assert.Equal(t, 2, ch.TotalChanges)
	assert.True(t, ch.HasChanges)
}

func TestDetectChanges_NoChangesAfterUpdate(t *testing.T) {
	d := New(nil)
	m := manifest(comp("h", "Header", "l"), comp("l", "Logo"))
	d.UpdateCache(m, nil)

	ch := d.DetectChanges(m)
	assert.False(t, ch.HasChanges)
	assert.False(t, ch.AppNeedsUpdate)
	assert.Zero(t, ch.TotalChanges)
}

func TestDetectChanges_TimestampInsensitive(t *testing.T) {
	d := New(nil)
	h := comp("h", "Header")
	m := manifest(h)
	d.UpdateCache(m, nil)

	h.Metadata.UpdatedAt = h.Metadata.UpdatedAt.Add(48 * time.Hour)
	ch := d.DetectChanges(m)
	assert.Empty(t, ch.Modified)
	assert.False(t, ch.HasChanges)
}

func TestDetectChanges_Modified(t *testing.T) {
	d := New(nil)
	h := comp("h", "Header")
	m := manifest(h, comp("f", "Footer"))
	d.UpdateCache(m, nil)

	h.Styling.Classes = append(h.Styling.Classes, "p-4")
	ch := d.DetectChanges(m)
	assert.Equal(t, []string{"h"}, ch.Modified)
	assert.False(t, ch.AppNeedsUpdate, "root set unchanged")
	assert.True(t, ch.HasChanges)
}

func TestDetectChanges_ChildRenameModifiesParent(t *testing.T) {
	d := New(nil)
	logo := comp("l", "Logo")
	m := manifest(comp("h", "Header", "l"), logo)
	d.UpdateCache(m, nil)

	logo.DisplayName = "Brand"
	ch := d.DetectChanges(m)
	assert.Equal(t, []string{"h", "l"}, ch.Modified)
	assert.False(t, ch.AppNeedsUpdate)
}

func TestDetectChanges_NewRootSetsAppNeedsUpdate(t *testing.T) {
	d := New(nil)
	m := manifest(comp("h", "Header"))
	d.UpdateCache(m, nil)

	m["s"] = comp("s", "Sidebar")
	ch := d.DetectChanges(m)
	assert.Equal(t, []string{"s"}, ch.Added)
	assert.True(t, ch.AppNeedsUpdate)
}

func TestDetectChanges_NewChildDoesNotChangeRootSet(t *testing.T) {
	d := New(nil)
	h := comp("h", "Header")
	m := manifest(h)
	d.UpdateCache(m, nil)

	m["l"] = comp("l", "Logo")
	h.Children = []string{"l"}
	ch := d.DetectChanges(m)
	assert.Equal(t, []string{"l"}, ch.Added)
	assert.Equal(t, []string{"h"}, ch.Modified)
	assert.False(t, ch.AppNeedsUpdate)
}

func TestDetectChanges_RemovingOnlyRoot(t *testing.T) {
	d := New(nil)
	m := manifest(comp("h", "Header"))
	d.UpdateCache(m, nil)

	ch := d.DetectChanges(map[string]*api.Component{})
	assert.Equal(t, []string{"h"}, ch.Removed)
	assert.True(t, ch.AppNeedsUpdate)
	assert.True(t, ch.HasChanges)
}

func TestDetectChanges_EmptyInputEmptyCache(t *testing.T) {
	d := New(state.NewHashCache())
	ch := d.DetectChanges(map[string]*api.Component{})
	assert.False(t, ch.HasChanges)
	assert.False(t, ch.AppNeedsUpdate)
}

func TestDetectChanges_ReparentFlipsRoot(t *testing.T) {
	d := New(nil)
	a := comp("a", "A")
	b := comp("b", "B")
	m := manifest(a, b)
	d.UpdateCache(m, nil)

	// b moves under a: a is modified, b's own fingerprint is unchanged
	a.Children = []string{"b"}
	ch := d.DetectChanges(m)
	assert.Equal(t, []string{"a"}, ch.Modified)
	assert.True(t, ch.AppNeedsUpdate)

	d.UpdateCache(m, []string{"a"})
	d.SyncRoots(m)
	assert.False(t, d.DetectChanges(m).HasChanges)
}

func TestDetectChanges_RootRenameSetsAppNeedsUpdate(t *testing.T) {
	d := New(nil)
	h := comp("h", "Header")
	m := manifest(h)
	d.UpdateCache(m, nil)

	h.DisplayName = "TopBar"
	ch := d.DetectChanges(m)
	assert.Equal(t, []string{"h"}, ch.Modified)
	assert.True(t, ch.AppNeedsUpdate)
}

func TestUpdateCache_SubsetAndRemove(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := New(nil)
	d.SetClock(func() time.Time { return now })
	m := manifest(comp("h", "Header", "l"), comp("l", "Logo"))

	d.UpdateCache(m, []string{"l"})
	require.Equal(t, 1, d.Len())
	e, ok := d.Entry("l")
	require.True(t, ok)
	assert.Equal(t, "Logo", e.DisplayName)
	assert.False(t, e.IsRoot)
	assert.Equal(t, now, e.ComputedAt)
	assert.Equal(t, Fingerprint(m["l"], m), e.Hash)

	d.Remove("l")
	assert.Zero(t, d.Len())
}

func TestSnapshotIsDetached(t *testing.T) {
	d := New(nil)
	m := manifest(comp("h", "Header"))
	d.UpdateCache(m, nil)

	snap := d.Snapshot()
	d.Remove("h")
	assert.Len(t, snap.Hashes, 1)
	assert.Equal(t, state.SchemaVersion, snap.SchemaVersion)
}

func TestFingerprint_PropertyOrderIrrelevant(t *testing.T) {
	a := comp("x", "X")
	a.Properties = map[string]api.PropertyDescriptor{
		"title": {Kind: api.PropertyStatic, Value: "Hi"},
		"href":  {Kind: api.PropertyBinding, Expression: "props.url"},
	}
	b := comp("x", "X")
	b.Properties = map[string]api.PropertyDescriptor{
		"href":  {Kind: api.PropertyBinding, Expression: "props.url"},
		"title": {Kind: api.PropertyStatic, Value: "Hi"},
	}
	assert.Equal(t, Fingerprint(a, manifest(a)), Fingerprint(b, manifest(b)))
}

func TestInterner(t *testing.T) {
	in := interner{}
	assert.Equal(t, uint32(0), in.id("h"))
	assert.Equal(t, uint32(1), in.id("f"))
	assert.Equal(t, uint32(0), in.id("h"))
	assert.Len(t, in, 2)
}

func TestDetectChanges_ChurnedIDsAreNotRetained(t *testing.T) {
	d := New(nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		m := manifest(comp(id, "Root"))
		ch := d.DetectChanges(m)
		assert.True(t, ch.AppNeedsUpdate, id)
		d.Remove(d.CachedIDs()...)
		d.UpdateCache(m, nil)
	}

	m := manifest(comp("d", "Root"))
	ch := d.DetectChanges(m)
	assert.False(t, ch.HasChanges)
	assert.Equal(t, []string{"d"}, d.CachedIDs())
}
