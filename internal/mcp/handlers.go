package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/gdbridge/internal/console"
	"github.com/standardbeagle/gdbridge/internal/dap"
	"github.com/standardbeagle/gdbridge/internal/diagnostics"
	"github.com/standardbeagle/gdbridge/internal/lsp"
	"github.com/standardbeagle/gdbridge/internal/version"
	"github.com/standardbeagle/gdbridge/pkg/pathutil"
)

// ScriptParams are the arguments for get_script_errors.
type ScriptParams struct {
	Path string `json:"path"`
}

// AllErrorsParams are the arguments for get_all_errors.
type AllErrorsParams struct {
	Severity string `json:"severity"`
}

// ScanParams are the arguments for scan_project.
type ScanParams struct {
	Force bool `json:"force"`
}

// ConsoleParams are the arguments for get_console_output.
type ConsoleParams struct {
	Category string `json:"category"`
	Since    int64  `json:"since"`
	Limit    int    `json:"limit"`
}

// InfoParams are the arguments for info.
type InfoParams struct {
	Tool string `json:"tool"`
}

type fileDiagnostics struct {
	File        string                   `json:"file"`
	Errors      int                      `json:"errors"`
	Warnings    int                      `json:"warnings"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics"`
}

// ensureLSP connects to the editor on demand so tools work even when the
// editor came up after the bridge.
func (s *Server) ensureLSP(ctx context.Context) error {
	if s.lsp.State() == lsp.StateReady {
		return nil
	}
	return s.lsp.Connect(ctx)
}

func (s *Server) handleGetScriptErrors(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params ScriptParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("get_script_errors", fmt.Errorf("invalid parameters: %w", err))
	}
	if strings.TrimSpace(params.Path) == "" {
		return createErrorResponse("get_script_errors", fmt.Errorf("path is required"))
	}

	if err := s.ensureLSP(ctx); err != nil {
		return createErrorResponse("get_script_errors", err)
	}

	diags, err := s.lsp.CheckScript(ctx, params.Path)
	if err != nil {
		return createErrorResponse("get_script_errors", err)
	}

	errors, warnings := 0, 0
	for _, d := range diags {
		switch d.Severity {
		case diagnostics.SeverityError:
			errors++
		case diagnostics.SeverityWarning:
			warnings++
		}
	}

	return createJSONResponse(map[string]interface{}{
		"success":     true,
		"path":        params.Path,
		"errors":      errors,
		"warnings":    warnings,
		"diagnostics": diags,
	})
}

func (s *Server) handleGetAllErrors(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params AllErrorsParams
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
			return createErrorResponse("get_all_errors", fmt.Errorf("invalid parameters: %w", err))
		}
	}
	severity := diagnostics.Severity(strings.ToLower(strings.TrimSpace(params.Severity)))
	if severity != "" && severity != diagnostics.SeverityError &&
		severity != diagnostics.SeverityWarning && severity != diagnostics.SeverityInfo {
		return createErrorResponse("get_all_errors", fmt.Errorf("unknown severity %q, expected error, warning, or info", params.Severity))
	}

	files, totalErrors, totalWarnings := s.collectDiagnostics(severity)

	return createJSONResponse(map[string]interface{}{
		"success":           true,
		"files_with_issues": len(files),
		"total_errors":      totalErrors,
		"total_warnings":    totalWarnings,
		"files":             files,
	})
}

// collectDiagnostics snapshots the cache, keeping only files with issues
// after the optional severity filter, sorted by project-relative path.
func (s *Server) collectDiagnostics(severity diagnostics.Severity) ([]fileDiagnostics, int, int) {
	snapshot := s.lsp.Cache().Snapshot()
	root := s.lsp.WorkspaceRoot()

	files := make([]fileDiagnostics, 0, len(snapshot))
	totalErrors, totalWarnings := 0, 0
	for path, diags := range snapshot {
		kept := make([]diagnostics.Diagnostic, 0, len(diags))
		fd := fileDiagnostics{File: pathutil.ToRelative(path, root)}
		for _, d := range diags {
			if severity != "" && d.Severity != severity {
				continue
			}
			switch d.Severity {
			case diagnostics.SeverityError:
				fd.Errors++
				totalErrors++
			case diagnostics.SeverityWarning:
				fd.Warnings++
				totalWarnings++
			}
			kept = append(kept, d)
		}
		if len(kept) == 0 {
			continue
		}
		fd.Diagnostics = kept
		files = append(files, fd)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].File < files[j].File })
	return files, totalErrors, totalWarnings
}

func (s *Server) handleScanProject(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params ScanParams
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
			return createErrorResponse("scan_project", fmt.Errorf("invalid parameters: %w", err))
		}
	}

	if err := s.ensureLSP(ctx); err != nil {
		return createErrorResponse("scan_project", err)
	}

	report, err := s.scanner.Scan(ctx, params.Force)
	if err != nil {
		return createErrorResponse("scan_project", err)
	}

	files, _, _ := s.collectDiagnostics("")
	return createJSONResponse(map[string]interface{}{
		"success": true,
		"report":  report,
		"files":   files,
	})
}

func (s *Server) handleGetConsoleOutput(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params ConsoleParams
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
			return createErrorResponse("get_console_output", fmt.Errorf("invalid parameters: %w", err))
		}
	}
	if params.Limit < 0 {
		return createErrorResponse("get_console_output", fmt.Errorf("limit cannot be negative"))
	}

	// Lazy connect: the adapter is only needed once console output is asked
	// for. Failure is not a tool error; the buffer may still hold entries
	// captured earlier.
	var guidance string
	if s.dap.State() != dap.StateReady {
		if err := s.dap.Connect(ctx); err != nil {
			guidance = "Not connected to the Godot debug adapter, so no new output is being captured. " +
				"Run the game from the editor and check the 'status' tool."
		}
	}

	entries := s.buffer.Get(console.Filter{
		Category: params.Category,
		Since:    params.Since,
		Limit:    params.Limit,
	})

	result := map[string]interface{}{
		"success":        true,
		"count":          len(entries),
		"total_buffered": s.buffer.Size(),
		"capacity":       s.buffer.Capacity(),
		"attached":       s.dap.Attached(),
		"entries":        entries,
	}
	if guidance != "" {
		result["guidance"] = guidance
	}
	return createJSONResponse(result)
}

func (s *Server) handleClearConsoleOutput(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cleared := s.buffer.Clear()
	return createJSONResponse(map[string]interface{}{
		"success": true,
		"cleared": cleared,
	})
}

func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return createJSONResponse(map[string]interface{}{
		"success":          true,
		"version":          version.Version,
		"workspace_root":   s.lsp.WorkspaceRoot(),
		"lsp_state":        s.lsp.State().String(),
		"dap_state":        s.dap.State().String(),
		"attached":         s.dap.Attached(),
		"game_terminated":  s.dap.Terminated(),
		"cached_files":     s.lsp.Cache().Len(),
		"console_size":     s.buffer.Size(),
		"console_capacity": s.buffer.Capacity(),
		"uptime_ms":        time.Since(s.startTime).Milliseconds(),
	})
}

func (s *Server) handleInfo(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params InfoParams
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
			return createErrorResponse("info", fmt.Errorf("invalid parameters: %w", err))
		}
	}

	tool := strings.ToLower(strings.TrimSpace(params.Tool))
	switch tool {
	case "", "overview":
		return createJSONResponse(map[string]interface{}{
			"name":           "gdbridge",
			"description":    "Bridge between a running Godot editor and MCP tool callers. Script errors come from the editor's own analyzer; console output is captured live from the debug adapter.",
			"server_version": version.FullInfo(),
			"go_version":     runtime.Version(),
			"platform":       runtime.GOOS + "/" + runtime.GOARCH,
			"tools": []string{
				"get_script_errors", "get_all_errors", "scan_project",
				"get_console_output", "clear_console_output", "status", "info",
			},
			"requirements": "The Godot editor must be running with the project open and its language server enabled (default ports 6005/6008, debug adapter 6006/6007).",
		})

	case "get_script_errors":
		return createJSONResponse(map[string]interface{}{
			"name":        "get_script_errors",
			"description": "Check one .gd file. Replays open+save to the editor so the analyzer re-runs on the current disk content.",
			"parameters":  map[string]string{"path": "REQUIRED: .gd file, absolute or project-relative"},
			"examples": []string{
				`{"path": "player.gd"}`,
				`{"path": "scenes/enemies/boss.gd"}`,
			},
			"notes": "Positions are 1-indexed. Severity is one of error, warning, info.",
		})

	case "get_all_errors":
		return createJSONResponse(map[string]interface{}{
			"name":        "get_all_errors",
			"description": "Snapshot of every cached diagnostic, grouped by file. Only files with issues appear.",
			"parameters":  map[string]string{"severity": "Optional filter: error, warning, or info"},
			"examples":    []string{`{}`, `{"severity": "error"}`},
			"notes":       "The cache fills as files are checked. Run scan_project first to cover the whole project.",
		})

	case "scan_project":
		return createJSONResponse(map[string]interface{}{
			"name":        "scan_project",
			"description": "Walk the project and re-check every script in batches. Skips addons/, .godot/, and .import/ by default.",
			"parameters":  map[string]string{"force": "Re-check unchanged files too (default false)"},
			"examples":    []string{`{}`, `{"force": true}`},
			"notes":       "Large projects take a while; the editor is throttled between batches on purpose.",
		})

	case "get_console_output":
		return createJSONResponse(map[string]interface{}{
			"name":        "get_console_output",
			"description": "Read print/push_error output captured from the running game.",
			"parameters": map[string]string{
				"category": "Optional: stdout, stderr, or console",
				"since":    "Optional: minimum timestamp in wall-clock milliseconds, inclusive",
				"limit":    "Optional: trailing-N cap after filtering; 0 means unlimited",
			},
			"examples": []string{`{}`, `{"category": "stderr", "limit": 50}`},
			"notes":    "Output is only captured while the bridge is attached; check the status tool's attached flag.",
		})

	case "clear_console_output":
		return createJSONResponse(map[string]interface{}{
			"name":        "clear_console_output",
			"description": "Drop every captured console entry. Useful before reproducing a bug.",
			"examples":    []string{`{}`},
		})

	case "status", "version":
		return createJSONResponse(map[string]interface{}{
			"name":        "status",
			"description": "Connectivity and buffer occupancy for both editor endpoints.",
			"examples":    []string{`{}`},
		})

	default:
		return createErrorResponse("info", fmt.Errorf("unknown tool %q", params.Tool))
	}
}
