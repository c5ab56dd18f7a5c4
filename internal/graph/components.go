package graph

import (
	"fmt"
	"sort"

	"github.com/agentic-research/trellis/api"
)

// TreeError describes a structural problem in the component tree.
type TreeError struct {
	ComponentID string
	Message     string
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("component %s: %s", e.ComponentID, e.Message)
}

// IsRootComponent reports whether no component in components lists id as a child.
// Roots are exactly the components rendered by the aggregate entry file.
func IsRootComponent(id string, components map[string]*api.Component) bool {
	for _, c := range components {
		if c == nil {
			continue
		}
		for _, child := range c.Children {
			if child == id {
				return false
			}
		}
	}
	return true
}

// ChildSet returns the set of every ID listed as a child by some component.
func ChildSet(components map[string]*api.Component) map[string]struct{} {
	set := make(map[string]struct{}, len(components))
	for _, c := range components {
		if c == nil {
			continue
		}
		for _, child := range c.Children {
			set[child] = struct{}{}
		}
	}
	return set
}

// RootIDs returns the sorted IDs of every root component.
func RootIDs(components map[string]*api.Component) []string {
	children := ChildSet(components)
	roots := make([]string, 0)
	for id := range components {
		if _, ok := children[id]; !ok {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// SortedRoots returns root components ordered by DisplayName, then ID.
func SortedRoots(components map[string]*api.Component) []*api.Component {
	ids := RootIDs(components)
	roots := make([]*api.Component, 0, len(ids))
	for _, id := range ids {
		if c := components[id]; c != nil {
			roots = append(roots, c)
		}
	}
	sort.SliceStable(roots, func(i, j int) bool {
		if roots[i].DisplayName != roots[j].DisplayName {
			return roots[i].DisplayName < roots[j].DisplayName
		}
		return roots[i].ID < roots[j].ID
	})
	return roots
}

// SortedIDs returns the component IDs in lexical order.
func SortedIDs(components map[string]*api.Component) []string {
	ids := make([]string, 0, len(components))
	for id := range components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChildNames resolves the display names of c's children, in child order.
// Unknown child IDs resolve to the empty string.
func ChildNames(c *api.Component, components map[string]*api.Component) []string {
	names := make([]string, len(c.Children))
	for i, id := range c.Children {
		if child := components[id]; child != nil {
			names[i] = child.DisplayName
		}
	}
	return names
}

// Validate reports structural problems: map keys that disagree with the
// component ID, dangling child references and parent/child cycles.
// The slice is ordered by component ID so callers can log it deterministically.
func Validate(components map[string]*api.Component) []error {
	var errs []error
	for _, id := range SortedIDs(components) {
		c := components[id]
		if c == nil {
			errs = append(errs, &TreeError{ComponentID: id, Message: "nil component"})
			continue
		}
		if c.ID != "" && c.ID != id {
			errs = append(errs, &TreeError{ComponentID: id, Message: fmt.Sprintf("keyed as %q but id is %q", id, c.ID)})
		}
		for _, child := range c.Children {
			if _, ok := components[child]; !ok {
				errs = append(errs, &TreeError{ComponentID: id, Message: fmt.Sprintf("unknown child %q", child)})
			}
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(components))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		c := components[id]
		if c != nil {
			for _, child := range c.Children {
				if _, ok := components[child]; !ok {
					continue
				}
				switch color[child] {
				case grey:
					return true
				case white:
					if visit(child) {
						return true
					}
				}
			}
		}
		color[id] = black
		return false
	}
	for _, id := range SortedIDs(components) {
		if color[id] == white && visit(id) {
			errs = append(errs, &TreeError{ComponentID: id, Message: "child cycle detected"})
		}
	}
	return errs
}
