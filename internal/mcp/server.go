// Package mcp exposes the Godot bridge as a set of MCP tools over stdio.
package mcp

import (
	"context"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/gdbridge/internal/config"
	"github.com/standardbeagle/gdbridge/internal/console"
	"github.com/standardbeagle/gdbridge/internal/dap"
	"github.com/standardbeagle/gdbridge/internal/debug"
	"github.com/standardbeagle/gdbridge/internal/lsp"
	"github.com/standardbeagle/gdbridge/internal/scanner"
	"github.com/standardbeagle/gdbridge/internal/version"
	"github.com/standardbeagle/gdbridge/internal/watch"
)

// Server wires the protocol sessions, scanner, and console buffer behind
// the MCP tool surface.
type Server struct {
	cfg     *config.Config
	lsp     *lsp.Session
	dap     *dap.Session
	scanner *scanner.Scanner
	buffer  *console.Buffer
	watcher *watch.Watcher

	server    *mcp.Server
	startTime time.Time
}

// NewServer assembles the bridge from configuration. Nothing is dialed
// here; connections are established lazily when a tool needs them, or in
// the background once Run starts.
func NewServer(cfg *config.Config) (*Server, error) {
	root := cfg.Project.Root
	if root == "" || root == "." {
		if cwd, err := os.Getwd(); err == nil {
			root = cwd
		}
	}

	buffer := console.NewBuffer(cfg.Console.Capacity)
	lspSession := lsp.NewSession(cfg.LSP, cfg.Scan, cfg.Reconnect, root)
	dapSession := dap.NewSession(cfg.DAP, cfg.Reconnect, buffer)
	scan := scanner.New(root, cfg.Scan, lspSession)

	s := &Server{
		cfg:       cfg,
		lsp:       lspSession,
		dap:       dapSession,
		scanner:   scan,
		buffer:    buffer,
		startTime: time.Now(),
	}

	// When the editor switches projects the scanner must follow the new
	// root and forget its change memo.
	lspSession.SetHandlers(lsp.Handlers{
		OnWorkspaceChanged: func(newRoot string) {
			scan.SetRoot(newRoot)
		},
	})

	if cfg.Watch.Enabled {
		watcher, err := watch.New(root, cfg.Watch, cfg.Scan.Exclude, lspSession)
		if err != nil {
			return nil, err
		}
		s.watcher = watcher
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "gdbridge-mcp-server",
		Version: version.Version,
	}, nil)
	s.registerTools()

	return s, nil
}

// LSP exposes the language server session.
func (s *Server) LSP() *lsp.Session { return s.lsp }

// DAP exposes the debug adapter session.
func (s *Server) DAP() *dap.Session { return s.dap }

// Scanner exposes the workspace scanner.
func (s *Server) Scanner() *scanner.Scanner { return s.scanner }

// Console exposes the output buffer.
func (s *Server) Console() *console.Buffer { return s.buffer }

// Run connects to the editor in the background, starts the file watcher
// when enabled, and serves MCP over stdio until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	// Best-effort background connects; tools reconnect on demand when the
	// editor was not up yet.
	go func() {
		if err := s.lsp.Connect(ctx); err != nil {
			debug.LogMCP("initial lsp connect failed: %v\n", err)
		}
	}()
	go func() {
		if err := s.dap.Connect(ctx); err != nil {
			debug.LogMCP("initial dap connect failed: %v\n", err)
		}
	}()

	if s.watcher != nil {
		s.watcher.Start(ctx)
	}

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Shutdown tears down the sessions and the watcher.
func (s *Server) Shutdown() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.lsp.Close()
	s.dap.Close()
}
