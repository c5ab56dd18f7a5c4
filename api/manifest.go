package api

import "time"

// SchemaVersion is the manifest schema this engine understands.
const SchemaVersion = 1

// Manifest is the document the visual editor maintains.
// Tree order comes from each component's Children list, never from map order.
type Manifest struct {
	// SchemaVersion of the manifest document.
	SchemaVersion int `json:"schemaVersion"`
	// Components keyed by component ID.
	Components map[string]*Component `json:"components"`
	// Build carries build metadata for the generated project.
	Build BuildInfo `json:"build,omitempty"`
	// Plugins are opaque plugin descriptors owned by the editing layer.
	Plugins []map[string]any `json:"plugins,omitempty"`
}

// BuildInfo describes the project the generated sources belong to.
type BuildInfo struct {
	Target    string `json:"target,omitempty"`
	Framework string `json:"framework,omitempty"`
}

// Component is a node in the manifest tree.
type Component struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	// Type is the element or semantic kind (e.g. "div", "header", "button").
	Type     string `json:"type"`
	Category string `json:"category,omitempty"`
	// Properties maps property name to its descriptor.
	Properties map[string]PropertyDescriptor `json:"properties,omitempty"`
	Styling    StyleDescriptor               `json:"styling"`
	// Children are ordered child component IDs.
	Children []string          `json:"children,omitempty"`
	Metadata ComponentMetadata `json:"metadata"`
}

// PropertyKind distinguishes literal values from bound expressions.
type PropertyKind string

const (
	PropertyStatic  PropertyKind = "static"
	PropertyBinding PropertyKind = "binding"
)

// PropertyDescriptor is either a static value or a bound reference.
type PropertyDescriptor struct {
	Kind PropertyKind `json:"type"`
	// Value holds the literal for static properties.
	Value any `json:"value,omitempty"`
	// Expression holds the bound reference for binding properties.
	Expression string `json:"expression,omitempty"`
}

// StyleDescriptor is the styling of one component.
type StyleDescriptor struct {
	// Classes are the ordered base style-class tokens.
	Classes     []string           `json:"baseClasses,omitempty"`
	Conditional []ConditionalClass `json:"conditionalClasses,omitempty"`
	// Overrides are raw style properties (CSS property → value).
	Overrides map[string]string `json:"inlineStyles,omitempty"`
}

// ConditionalClass applies ClassName when Condition evaluates truthy.
type ConditionalClass struct {
	ClassName string `json:"className"`
	Condition string `json:"condition"`
}

// ComponentMetadata is bookkeeping owned by the editor.
// UpdatedAt never participates in change detection.
type ComponentMetadata struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Author    string    `json:"author,omitempty"`
	Version   string    `json:"version,omitempty"`
}
