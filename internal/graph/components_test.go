package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/trellis/api"
)

func tree() map[string]*api.Component {
	return map[string]*api.Component{
		"h":  {ID: "h", DisplayName: "Header", Children: []string{"t", "n"}},
		"t":  {ID: "t", DisplayName: "Title"},
		"n":  {ID: "n", DisplayName: "Nav"},
		"f":  {ID: "f", DisplayName: "Footer"},
		"a2": {ID: "a2", DisplayName: "Aside"},
		"a1": {ID: "a1", DisplayName: "Aside"},
	}
}

func TestIsRootComponent(t *testing.T) {
	c := tree()
	assert.True(t, IsRootComponent("h", c))
	assert.True(t, IsRootComponent("f", c))
	assert.False(t, IsRootComponent("t", c))
	assert.True(t, IsRootComponent("unknown", c))
	assert.True(t, IsRootComponent("x", nil))
}

func TestRootIDs(t *testing.T) {
	assert.Equal(t, []string{"a1", "a2", "f", "h"}, RootIDs(tree()))
	assert.Empty(t, RootIDs(nil))
}

func TestSortedRoots(t *testing.T) {
	var names []string
	for _, c := range SortedRoots(tree()) {
		names = append(names, c.DisplayName+"/"+c.ID)
	}
	assert.Equal(t, []string{"Aside/a1", "Aside/a2", "Footer/f", "Header/h"}, names)
}

func TestChildNames(t *testing.T) {
	c := tree()
	c["h"].Children = append(c["h"].Children, "ghost")
	assert.Equal(t, []string{"Title", "Nav", ""}, ChildNames(c["h"], c))
}

func TestValidate(t *testing.T) {
	assert.Empty(t, Validate(tree()))

	bad := map[string]*api.Component{
		"a": {ID: "b", DisplayName: "A"},
		"c": {ID: "c", Children: []string{"d"}},
		"d": {ID: "d", Children: []string{"c"}},
		"e": nil,
		"g": {ID: "g", Children: []string{"missing"}},
	}
	errs := Validate(bad)
	require.Len(t, errs, 4)

	var msgs []string
	for _, err := range errs {
		var te *TreeError
		require.ErrorAs(t, err, &te)
		msgs = append(msgs, te.ComponentID+": "+te.Message)
	}
	assert.Contains(t, msgs, `a: keyed as "a" but id is "b"`)
	assert.Contains(t, msgs, "e: nil component")
	assert.Contains(t, msgs, `g: unknown child "missing"`)
	assert.Contains(t, msgs, "c: child cycle detected")
}
