package codegen

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// ValidationError locates the first syntax error in generated source.
type ValidationError struct {
	FilePath string
	Line     uint32 // 0-indexed
	Column   uint32 // 0-indexed
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.FilePath, e.Line+1, e.Column+1, e.Message)
}

// Validate parses content with tree-sitter and returns a *ValidationError if
// the AST contains syntax errors. Unknown extensions pass through.
func Validate(content []byte, filePath string) error {
	lang := languageForPath(filePath)
	if lang == nil {
		return nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return fmt.Errorf("tree-sitter parse failed for %s: %w", filePath, err)
	}

	root := tree.RootNode()
	if root == nil {
		return fmt.Errorf("tree-sitter returned nil root for %s", filePath)
	}
	if !root.HasError() {
		return nil
	}

	if errNode := findFirstError(root); errNode != nil {
		return &ValidationError{
			FilePath: filePath,
			Line:     errNode.StartPoint().Row,
			Column:   errNode.StartPoint().Column,
			Message:  "syntax error in generated source",
		}
	}
	return &ValidationError{FilePath: filePath, Message: "AST contains errors"}
}

// findFirstError does a depth-first search for the first ERROR or MISSING node.
func findFirstError(node *sitter.Node) *sitter.Node {
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.HasError() || child.IsError() || child.IsMissing() {
			if found := findFirstError(child); found != nil {
				return found
			}
		}
	}
	return nil
}

func languageForPath(filePath string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".tsx":
		return tsx.GetLanguage()
	case ".ts":
		return typescript.GetLanguage()
	case ".js", ".jsx":
		return javascript.GetLanguage()
	default:
		return nil
	}
}
