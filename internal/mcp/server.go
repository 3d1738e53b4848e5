package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ziadkadry99/fixflow/internal/graph"
	"github.com/ziadkadry99/fixflow/internal/session"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Catalog lists the troubleshooting categories.
type Catalog interface {
	ListCategories(ctx context.Context) ([]graph.Category, error)
}

// Diagrammer renders a category as a Mermaid flowchart.
type Diagrammer interface {
	Mermaid(ctx context.Context, category string) (string, error)
}

// Server wraps an MCP server that lets an agent walk a technician through
// the decision graph.
type Server struct {
	catalog  Catalog
	engine   *session.Engine
	diagrams Diagrammer
	mcp      *server.MCPServer
}

// NewServer creates a new MCP server with the given dependencies.
func NewServer(catalog Catalog, engine *session.Engine, diagrams Diagrammer) *Server {
	s := &Server{
		catalog:  catalog,
		engine:   engine,
		diagrams: diagrams,
	}

	s.mcp = server.NewMCPServer(
		"fixflow",
		Version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

// registerTools adds all tool definitions and their handlers to the MCP server.
func (s *Server) registerTools() {
	s.mcp.AddTool(listCategoriesTool, s.handleListCategories)
	s.mcp.AddTool(startTroubleshootingTool, s.handleStartTroubleshooting)
	s.mcp.AddTool(answerTool, s.handleAnswer)
	s.mcp.AddTool(getSessionTool, s.handleGetSession)
	s.mcp.AddTool(sessionHistoryTool, s.handleSessionHistory)
	s.mcp.AddTool(categoryDiagramTool, s.handleCategoryDiagram)
}

// Serve starts the MCP server on stdio. Stdout is used for MCP protocol
// messages; all logging must go to stderr.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}
