package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/gdbridge/internal/config"
	"github.com/standardbeagle/gdbridge/internal/console"
	"github.com/standardbeagle/gdbridge/internal/diagnostics"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Project.Root = t.TempDir()
	// Ports nobody listens on so connection attempts fail fast.
	cfg.LSP.Port = 1
	cfg.DAP.Port = 1
	cfg.LSP.DialTimeoutMs = 200
	cfg.DAP.DialTimeoutMs = 200

	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func callTool(t *testing.T, handler func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error), args string) (map[string]interface{}, bool) {
	t.Helper()
	req := &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{
		Arguments: json.RawMessage(args),
	}}
	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return payload, result.IsError
}

func TestStatus_ReportsDisconnectedStates(t *testing.T) {
	s := newTestServer(t)

	payload, isErr := callTool(t, s.handleStatus, `{}`)
	assert.False(t, isErr)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "disconnected", payload["lsp_state"])
	assert.Equal(t, "disconnected", payload["dap_state"])
	assert.Equal(t, false, payload["attached"])
	assert.NotEmpty(t, payload["workspace_root"])
}

func TestGetScriptErrors_RequiresPath(t *testing.T) {
	s := newTestServer(t)

	payload, isErr := callTool(t, s.handleGetScriptErrors, `{}`)
	assert.True(t, isErr)
	assert.Equal(t, false, payload["success"])
	assert.Contains(t, payload["error"], "path is required")
}

func TestGetScriptErrors_UnreachableEditorGivesGuidance(t *testing.T) {
	s := newTestServer(t)

	payload, isErr := callTool(t, s.handleGetScriptErrors, `{"path": "player.gd"}`)
	assert.True(t, isErr)
	assert.Contains(t, payload["error"], "no reachable port")
	assert.Contains(t, payload["guidance"], "Godot editor")
}

func TestGetAllErrors_GroupsAndFilters(t *testing.T) {
	s := newTestServer(t)
	root := s.lsp.WorkspaceRoot()

	s.lsp.Cache().Set(filepath.Join(root, "a.gd"), []diagnostics.Diagnostic{
		{Line: 2, Column: 1, Severity: diagnostics.SeverityError, Message: "bad"},
		{Line: 9, Column: 4, Severity: diagnostics.SeverityWarning, Message: "meh"},
	})
	s.lsp.Cache().Set(filepath.Join(root, "b.gd"), []diagnostics.Diagnostic{})
	s.lsp.Cache().Set(filepath.Join(root, "c.gd"), []diagnostics.Diagnostic{
		{Line: 1, Column: 1, Severity: diagnostics.SeverityWarning, Message: "w"},
	})

	payload, isErr := callTool(t, s.handleGetAllErrors, `{}`)
	assert.False(t, isErr)
	assert.Equal(t, float64(2), payload["files_with_issues"], "clean files are omitted")
	assert.Equal(t, float64(1), payload["total_errors"])
	assert.Equal(t, float64(2), payload["total_warnings"])

	files := payload["files"].([]interface{})
	first := files[0].(map[string]interface{})
	assert.Equal(t, "a.gd", first["file"], "paths are project-relative and sorted")

	payload, _ = callTool(t, s.handleGetAllErrors, `{"severity": "error"}`)
	assert.Equal(t, float64(1), payload["files_with_issues"])
	assert.Equal(t, float64(0), payload["total_warnings"])

	payload, isErr = callTool(t, s.handleGetAllErrors, `{"severity": "fatal"}`)
	assert.True(t, isErr)
	assert.Contains(t, payload["error"], "unknown severity")
}

func TestConsoleOutput_FilterAndClear(t *testing.T) {
	s := newTestServer(t)

	s.buffer.Add(console.Entry{Timestamp: 100, Category: console.CategoryStdout, Message: "one"})
	s.buffer.Add(console.Entry{Timestamp: 200, Category: console.CategoryStderr, Message: "two"})
	s.buffer.Add(console.Entry{Timestamp: 300, Category: console.CategoryStdout, Message: "three"})

	payload, isErr := callTool(t, s.handleGetConsoleOutput, `{}`)
	assert.False(t, isErr)
	assert.Equal(t, float64(3), payload["count"])
	assert.Contains(t, payload["guidance"], "debug adapter", "unreachable adapter yields guidance, not an error")

	payload, _ = callTool(t, s.handleGetConsoleOutput, `{"category": "stdout"}`)
	assert.Equal(t, float64(2), payload["count"])

	payload, _ = callTool(t, s.handleGetConsoleOutput, `{"since": 200}`)
	assert.Equal(t, float64(2), payload["count"], "since is inclusive")

	payload, _ = callTool(t, s.handleGetConsoleOutput, `{"since": 9999}`)
	assert.Equal(t, float64(0), payload["count"], "since beyond newest matches nothing")
	assert.Equal(t, float64(3), payload["total_buffered"], "buffer occupancy is reported even for empty matches")

	payload, _ = callTool(t, s.handleGetConsoleOutput, `{"limit": 1}`)
	assert.Equal(t, float64(1), payload["count"])
	entries := payload["entries"].([]interface{})
	last := entries[0].(map[string]interface{})
	assert.Equal(t, "three", last["message"], "limit keeps the most recent entries")

	payload, isErr = callTool(t, s.handleGetConsoleOutput, `{"limit": -1}`)
	assert.True(t, isErr)

	payload, _ = callTool(t, s.handleClearConsoleOutput, `{}`)
	assert.Equal(t, float64(3), payload["cleared"])
	assert.Equal(t, 0, s.buffer.Size())
}

func TestInfo_KnownAndUnknownTools(t *testing.T) {
	s := newTestServer(t)

	payload, isErr := callTool(t, s.handleInfo, `{}`)
	assert.False(t, isErr)
	assert.Equal(t, "gdbridge", payload["name"])

	payload, isErr = callTool(t, s.handleInfo, `{"tool": "scan_project"}`)
	assert.False(t, isErr)
	assert.Equal(t, "scan_project", payload["name"])

	payload, isErr = callTool(t, s.handleInfo, `{"tool": "frobnicate"}`)
	assert.True(t, isErr)
	assert.Contains(t, payload["error"], "unknown tool")
}
