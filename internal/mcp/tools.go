package mcp

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// registerTools registers all MCP tools with the server
func (s *Server) registerTools() {
	s.server.AddTool(&mcp.Tool{
		Name:        "info",
		Description: "Get help and examples for any bridge tool. Use 'info' for an overview or 'info <tool>' for specifics.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"tool": {
					Type:        "string",
					Description: "Tool name to get information about (e.g., 'get_script_errors', 'scan_project')",
				},
			},
		},
	}, s.handleInfo)

	s.server.AddTool(&mcp.Tool{
		Name:        "get_script_errors",
		Description: "Check one GDScript file for errors and warnings using the running Godot editor's analyzer. Forces re-analysis, so results reflect the file on disk.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"path": {
					Type:        "string",
					Description: "Path to a .gd file, absolute or relative to the project root",
				},
			},
			Required: []string{"path"},
		},
	}, s.handleGetScriptErrors)

	s.server.AddTool(&mcp.Tool{
		Name:        "get_all_errors",
		Description: "Get every cached diagnostic for the project, grouped by file. Run scan_project first for full coverage.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"severity": {
					Type:        "string",
					Description: "Only include diagnostics of this severity: 'error', 'warning', or 'info'",
				},
			},
		},
	}, s.handleGetAllErrors)

	s.server.AddTool(&mcp.Tool{
		Name:        "scan_project",
		Description: "Scan the whole project for script errors. Re-checks every .gd file in batches; unchanged files are skipped unless force is set.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"force": {
					Type:        "boolean",
					Description: "Re-check files even when their content has not changed since the last scan",
				},
			},
		},
	}, s.handleScanProject)

	s.server.AddTool(&mcp.Tool{
		Name:        "get_console_output",
		Description: "Read output captured from the running game or editor (print statements, push_error, stack traces).",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"category": {
					Type:        "string",
					Description: "Only entries of this category: 'stdout', 'stderr', or 'console'",
				},
				"since": {
					Type:        "integer",
					Description: "Only entries at or after this timestamp (wall-clock milliseconds)",
				},
				"limit": {
					Type:        "integer",
					Description: "At most this many entries, keeping the most recent. 0 means unlimited",
				},
			},
		},
	}, s.handleGetConsoleOutput)

	s.server.AddTool(&mcp.Tool{
		Name:        "clear_console_output",
		Description: "Empty the captured console buffer and report how many entries were dropped.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, s.handleClearConsoleOutput)

	s.server.AddTool(&mcp.Tool{
		Name:        "status",
		Description: "Report bridge connectivity: language server and debug adapter state, attach status, workspace root, and console occupancy.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, s.handleStatus)
}
