// Package mcpserver exposes the reconciliation engine as MCP tools so an
// agent can regenerate a project and manage user-edit flags.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentic-research/trellis/api"
	"github.com/agentic-research/trellis/internal/reconcile"
)

// Version is set at build time via ldflags.
var Version = "dev"

// ManifestSource loads the current manifest for a pass.
type ManifestSource func() (*api.Manifest, error)

// PassLog is the cross-process record of completed passes.
type PassLog interface {
	Generation() uint64
	LastPass() (id string, at time.Time, ok bool)
}

type Server struct {
	orch   *reconcile.Orchestrator
	load   ManifestSource
	log    *zap.Logger
	passes PassLog
}

type Option func(*Server)

// WithPassLog adds the pass generation and last recorded pass to status.
func WithPassLog(p PassLog) Option {
	return func(s *Server) { s.passes = p }
}

func New(orch *reconcile.Orchestrator, load ManifestSource, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{orch: orch, load: load, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MCP builds the MCP server with every tool registered.
func (s *Server) MCP() *server.MCPServer {
	m := server.NewMCPServer(
		"trellis",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	m.AddTool(mcp.NewTool("generate",
		mcp.WithDescription("Reconcile generated sources with the manifest. Incremental unless full is set."),
		mcp.WithBoolean("full", mcp.Description("Regenerate every file instead of only what changed")),
	), s.handleGenerate)

	m.AddTool(mcp.NewTool("list_user_edits",
		mcp.WithDescription("List generated files that were edited by hand and are skipped by generation."),
	), s.handleListEdits)

	m.AddTool(mcp.NewTool("clear_user_edit",
		mcp.WithDescription("Clear a user-edit flag so the next pass may overwrite the file."),
		mcp.WithString("path", mcp.Description("File path, absolute or relative to the project root")),
		mcp.WithBoolean("all", mcp.Description("Clear every flag")),
	), s.handleClearEdit)

	m.AddTool(mcp.NewTool("status",
		mcp.WithDescription("Report whether a pass is running and the last pass summary."),
	), s.handleStatus)

	return m
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.MCP())
}

func (s *Server) handleGenerate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.load()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load manifest: %v", err)), nil
	}

	var sum *reconcile.Summary
	if req.GetBool("full", false) {
		sum, err = s.orch.GenerateAll(ctx, m)
	} else {
		sum, err = s.orch.GenerateIncremental(ctx, m)
	}
	if errors.Is(err, reconcile.ErrPassInProgress) {
		return mcp.NewToolResultError("a generation pass is already running; retry when it completes"), nil
	}
	if err != nil {
		return nil, err
	}
	return jsonResult(sum)
}

func (s *Server) handleListEdits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.orch.UserEdits())
}

func (s *Server) handleClearEdit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if req.GetBool("all", false) {
		cleared, err := s.orch.ClearAllUserEdits(ctx)
		if err != nil {
			s.log.Error("persist cleared edits", zap.Error(err))
		}
		return jsonResult(map[string]any{"cleared": cleared})
	}

	p := req.GetString("path", "")
	if p == "" {
		return mcp.NewToolResultError("path is required unless all is set"), nil
	}
	if !filepath.IsAbs(p) {
		p = s.orch.AbsPath(p)
	}
	ok, err := s.orch.ClearUserEdit(ctx, p)
	if err != nil {
		s.log.Error("persist cleared edit", zap.String("path", p), zap.Error(err))
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s is not flagged as user-edited", p)), nil
	}
	return jsonResult(map[string]any{"cleared": []string{p}})
}

type statusResult struct {
	reconcile.Status
	Generation uint64     `json:"generation,omitempty"`
	LastPassID string     `json:"lastPassId,omitempty"`
	LastPassAt *time.Time `json:"lastPassAt,omitempty"`
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := statusResult{Status: s.orch.Status()}
	if s.passes != nil {
		res.Generation = s.passes.Generation()
		if id, at, ok := s.passes.LastPass(); ok {
			res.LastPassID = id
			res.LastPassAt = &at
		}
	}
	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
