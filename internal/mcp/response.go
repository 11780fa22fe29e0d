package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// createJSONResponse creates a standardized JSON response for MCP tools
func createJSONResponse(data interface{}) (*mcp.CallToolResult, error) {
	content, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %v", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(content)},
		},
	}, nil
}

// createErrorResponse creates a standardized error response for MCP tools
func createErrorResponse(operation string, err error) (*mcp.CallToolResult, error) {
	errorData := map[string]interface{}{
		"success":   false,
		"error":     err.Error(),
		"operation": operation,
	}
	if guidance := guidanceFor(operation, err); guidance != "" {
		errorData["guidance"] = guidance
	}

	response, marshalErr := createJSONResponse(errorData)
	if marshalErr != nil {
		return nil, marshalErr
	}

	// Tool failures are reported inside the result with IsError set so the
	// caller can see them and self-correct, not as protocol-level errors.
	response.IsError = true

	return response, nil
}

// guidanceFor adds a recovery hint for errors an assistant can act on.
func guidanceFor(operation string, err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	switch {
	case strings.Contains(msg, "no reachable port") || strings.Contains(msg, "not connected"):
		return "The Godot editor does not appear to be running, or its network endpoints are disabled. " +
			"Open the project in the Godot editor and enable Editor Settings > Network > Language Server. " +
			"Use the 'status' tool to check connectivity."
	case strings.Contains(msg, "invalid path"):
		return "Paths must point at .gd files inside the project root. Use paths relative to the project, like 'scenes/player.gd'."
	case strings.Contains(msg, "timed out"):
		return "The editor accepted the request but never answered. It may be busy importing assets; retry in a moment."
	}

	if operation == "get_script_errors" {
		return "Provide a project-relative path to a GDScript file, e.g. {\"path\": \"player.gd\"}."
	}
	return ""
}
