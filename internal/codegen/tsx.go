// Package codegen turns manifest components into React TSX sources. It is a
// pure function of its inputs; the reconciliation engine decides what to write.
package codegen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"unicode"

	"github.com/agentic-research/trellis/api"
)

// Options controls the output layout.
type Options struct {
	SrcDir        string
	ComponentsDir string
	Extension     string
	AppName       string
	BootstrapName string
	// Validate parses every generated file with tree-sitter before returning it.
	Validate bool
}

// DefaultOptions is the layout of a Vite React project.
func DefaultOptions() Options {
	return Options{
		SrcDir:        "src",
		ComponentsDir: "src/components",
		Extension:     ".tsx",
		AppName:       "App",
		BootstrapName: "main",
		Validate:      true,
	}
}

// GenerateError is a per-component generation failure.
type GenerateError struct {
	ComponentID string
	Err         error
}

func (e *GenerateError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.ComponentID, e.Err)
}

func (e *GenerateError) Unwrap() error { return e.Err }

// TSX generates React function components.
type TSX struct {
	opts Options
}

func NewTSX(opts Options) *TSX {
	d := DefaultOptions()
	if opts.SrcDir == "" {
		opts.SrcDir = d.SrcDir
	}
	if opts.ComponentsDir == "" {
		opts.ComponentsDir = path.Join(opts.SrcDir, "components")
	}
	if opts.Extension == "" {
		opts.Extension = d.Extension
	}
	if !strings.HasPrefix(opts.Extension, ".") {
		opts.Extension = "." + opts.Extension
	}
	if opts.AppName == "" {
		opts.AppName = d.AppName
	}
	if opts.BootstrapName == "" {
		opts.BootstrapName = d.BootstrapName
	}
	return &TSX{opts: opts}
}

func (g *TSX) Options() Options { return g.opts }

var (
	nonIdent = regexp.MustCompile(`[^A-Za-z0-9]+`)
	tagRe    = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)
	attrRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
)

// ComponentName derives the exported identifier (and file stem) from a display name.
func ComponentName(displayName string) string {
	var b strings.Builder
	for _, word := range nonIdent.Split(displayName, -1) {
		if word == "" {
			continue
		}
		r := []rune(word)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	name := b.String()
	if name == "" {
		return "Component"
	}
	if unicode.IsDigit(rune(name[0])) {
		name = "C" + name
	}
	return name
}

// ComponentPath is where c's source lives, relative to the project root.
func (g *TSX) ComponentPath(c *api.Component) string {
	return g.PathForName(c.DisplayName)
}

// PathForName is ComponentPath for a bare display name, such as the cached
// name of a component that was renamed or removed.
func (g *TSX) PathForName(displayName string) string {
	return path.Join(g.opts.ComponentsDir, ComponentName(displayName)+g.opts.Extension)
}

func (g *TSX) AppPath() string {
	return path.Join(g.opts.SrcDir, g.opts.AppName+g.opts.Extension)
}

func (g *TSX) BootstrapPath() string {
	return path.Join(g.opts.SrcDir, g.opts.BootstrapName+g.opts.Extension)
}

type importLine struct {
	Name string
	From string
}

type componentData struct {
	Name    string
	Tag     string
	Attrs   string
	Imports []importLine
	Body    []string
}

type appData struct {
	Name    string
	Imports []importLine
	Roots   []string
}

type bootstrapData struct {
	AppName   string
	AppImport string
	NonNull   string
}

// GenerateComponent renders c. Children must exist in m.
func (g *TSX) GenerateComponent(c *api.Component, m *api.Manifest) ([]byte, error) {
	data := componentData{
		Name: ComponentName(c.DisplayName),
		Tag:  elementTag(c.Type),
	}

	attrs, text, err := renderAttrs(c)
	if err != nil {
		return nil, &GenerateError{ComponentID: c.ID, Err: err}
	}
	data.Attrs = attrs
	if text != "" {
		data.Body = append(data.Body, text)
	}

	seen := make(map[string]bool)
	for _, childID := range c.Children {
		child, ok := m.Components[childID]
		if !ok || child == nil {
			return nil, &GenerateError{ComponentID: c.ID, Err: fmt.Errorf("unknown child %q", childID)}
		}
		name := ComponentName(child.DisplayName)
		if !seen[name] {
			seen[name] = true
			data.Imports = append(data.Imports, importLine{
				Name: name,
				From: importPath(path.Dir(g.ComponentPath(c)), g.ComponentPath(child)),
			})
		}
		data.Body = append(data.Body, "<"+name+" />")
	}

	out, err := g.render(componentTmpl, data, g.ComponentPath(c))
	if err != nil {
		return nil, &GenerateError{ComponentID: c.ID, Err: err}
	}
	return out, nil
}

// GenerateApp renders the aggregate entry file for roots. Roots are rendered
// in alphabetical display-name order regardless of the input order.
func (g *TSX) GenerateApp(roots []*api.Component, m *api.Manifest) ([]byte, error) {
	sorted := append([]*api.Component(nil), roots...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DisplayName != sorted[j].DisplayName {
			return sorted[i].DisplayName < sorted[j].DisplayName
		}
		return sorted[i].ID < sorted[j].ID
	})

	data := appData{Name: ComponentName(g.opts.AppName)}
	seen := make(map[string]bool)
	for _, r := range sorted {
		name := ComponentName(r.DisplayName)
		if !seen[name] {
			seen[name] = true
			data.Imports = append(data.Imports, importLine{
				Name: name,
				From: importPath(g.opts.SrcDir, g.ComponentPath(r)),
			})
		}
		data.Roots = append(data.Roots, name)
	}
	return g.render(appTmpl, data, g.AppPath())
}

// GenerateBootstrap renders the file that mounts the aggregate entry file.
func (g *TSX) GenerateBootstrap(m *api.Manifest) ([]byte, error) {
	data := bootstrapData{
		AppName:   ComponentName(g.opts.AppName),
		AppImport: importPath(path.Dir(g.BootstrapPath()), g.AppPath()),
	}
	if strings.HasPrefix(g.opts.Extension, ".ts") {
		data.NonNull = "!"
	}
	return g.render(bootstrapTmpl, data, g.BootstrapPath())
}

func (g *TSX) render(t *template.Template, data any, target string) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", target, err)
	}
	out := buf.Bytes()
	if g.opts.Validate {
		if err := Validate(out, target); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// importPath is the module specifier for target (a file path) imported from dir.
func importPath(fromDir, target string) string {
	stem := strings.TrimSuffix(target, path.Ext(target))
	rel, err := filepath.Rel(filepath.FromSlash(fromDir), filepath.FromSlash(stem))
	if err != nil {
		return "./" + path.Base(stem)
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, ".") {
		rel = "./" + rel
	}
	return rel
}

func elementTag(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	if tagRe.MatchString(k) {
		return k
	}
	return "div"
}

// textProps render as element content instead of attributes.
var textProps = map[string]bool{"text": true, "children": true}

// renderAttrs renders className, style and properties as JSX attributes, plus
// the optional text child.
func renderAttrs(c *api.Component) (attrs, text string, err error) {
	var parts []string

	if cls := classExpr(c.Styling); cls != "" {
		parts = append(parts, "className="+cls)
	}
	if len(c.Styling.Overrides) > 0 {
		style, err := json.Marshal(c.Styling.Overrides)
		if err != nil {
			return "", "", fmt.Errorf("encode style overrides: %w", err)
		}
		parts = append(parts, "style={"+string(style)+"}")
	}

	names := make([]string, 0, len(c.Properties))
	for name := range c.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		expr, err := propExpr(c.Properties[name])
		if err != nil {
			return "", "", fmt.Errorf("property %s: %w", name, err)
		}
		if textProps[name] {
			text = "{" + expr + "}"
			continue
		}
		if !attrRe.MatchString(name) {
			return "", "", fmt.Errorf("invalid property name %q", name)
		}
		parts = append(parts, name+"={"+expr+"}")
	}

	if len(parts) == 0 {
		return "", text, nil
	}
	return " " + strings.Join(parts, " "), text, nil
}

func propExpr(p api.PropertyDescriptor) (string, error) {
	switch p.Kind {
	case api.PropertyBinding:
		if strings.TrimSpace(p.Expression) == "" {
			return "", fmt.Errorf("empty binding expression")
		}
		return p.Expression, nil
	case api.PropertyStatic, "":
		v, err := json.Marshal(p.Value)
		if err != nil {
			return "", fmt.Errorf("encode value: %w", err)
		}
		return string(v), nil
	default:
		return "", fmt.Errorf("unknown property kind %q", p.Kind)
	}
}

// classExpr renders the className attribute value, or "" when there is none.
func classExpr(s api.StyleDescriptor) string {
	base := strings.Join(s.Classes, " ")
	quotedBase, _ := json.Marshal(base)
	if len(s.Conditional) == 0 {
		if base == "" {
			return ""
		}
		return "{" + string(quotedBase) + "}"
	}

	items := make([]string, 0, len(s.Conditional)+1)
	if base != "" {
		items = append(items, string(quotedBase))
	}
	for _, cc := range s.Conditional {
		cls, _ := json.Marshal(cc.ClassName)
		items = append(items, "("+cc.Condition+") ? "+string(cls)+` : ""`)
	}
	return "{[" + strings.Join(items, ", ") + `].filter(Boolean).join(" ")}`
}
