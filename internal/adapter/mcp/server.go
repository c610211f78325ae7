// Package mcp exposes the §6 `POST /mcp` JSON-RPC surface (initialize,
// resources/list, resources/read, tools/list, tools/call) over
// github.com/mark3labs/mcp-go, grounded on the teacher's
// internal/adapter/mcp resources/tools registration pattern but repurposed
// to serve trace context — session history, recent spans, eval metrics —
// instead of project/cost data.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	cfhttp "github.com/agenttrace/core/internal/adapter/http"
	"github.com/agenttrace/core/internal/memoryagent"
	"github.com/agenttrace/core/internal/project"
	"github.com/agenttrace/core/internal/session"
)

// ServerConfig names the MCP server's bind address and JSON-RPC identity.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
}

// ServerDeps wires the MCP surface to the per-project resource provider
// and the process-wide session/project/memory components.
type ServerDeps struct {
	Resources cfhttp.ResourceProvider
	Sessions  *session.ContinuityManager
	Projects  *project.Manager
	Memory    *memoryagent.Store
}

// Server hosts an MCP server over streamable HTTP.
type Server struct {
	cfg  ServerConfig
	deps ServerDeps

	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer constructs a Server and registers its resources and tools.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithResourceCapabilities(true, true),
			mcpserver.WithToolCapabilities(true),
		),
	}
	s.registerResources()
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server, mainly for tests.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start binds the streamable HTTP transport and serves it in the
// background; it does not block.
func (s *Server) Start() error {
	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: streamable}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp: listen: %w", err)
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("mcp server: serve failed", "error", err)
		}
	}()
	slog.Info("mcp server: listening", "addr", s.cfg.Addr)
	return nil
}

// Stop gracefully shuts down the HTTP transport.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
