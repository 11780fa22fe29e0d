package scanner

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/gdbridge/internal/config"
	"github.com/standardbeagle/gdbridge/internal/diagnostics"
	"github.com/standardbeagle/gdbridge/internal/framing"
	"github.com/standardbeagle/gdbridge/internal/lsp"
)

// editorMsg is the subset of a JSON-RPC message the fake editor inspects.
type editorMsg struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// fakeEditor is a framed JSON-RPC peer that behaves like the Godot language
// server: it answers initialize and, on every didSave, publishes an error
// diagnostic for files whose name contains "broken" and an empty set for
// everything else.
func fakeEditor(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveEditor(conn)
		}
	}()
	return ln.Addr().String()
}

func serveEditor(conn net.Conn) {
	defer conn.Close()
	framer := framing.NewFramer(framing.DefaultMaxBuffer)
	buf := make([]byte, 32*1024)

	send := func(msg interface{}) {
		body, err := json.Marshal(msg)
		if err != nil {
			return
		}
		conn.Write(framing.Encode(body))
	}

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if framer.Append(buf[:n]) != nil {
				return
			}
			for {
				body, ferr := framer.Next()
				if ferr != nil {
					return
				}
				if body == nil {
					break
				}
				var msg editorMsg
				if json.Unmarshal(body, &msg) != nil {
					continue
				}
				switch msg.Method {
				case "initialize":
					var id int64
					json.Unmarshal(msg.ID, &id)
					send(map[string]interface{}{
						"jsonrpc": "2.0",
						"id":      id,
						"result":  map[string]interface{}{"capabilities": map[string]interface{}{}},
					})
				case "textDocument/didSave":
					var p struct {
						TextDocument struct {
							URI string `json:"uri"`
						} `json:"textDocument"`
					}
					if json.Unmarshal(msg.Params, &p) != nil {
						continue
					}
					diags := []map[string]interface{}{}
					if strings.Contains(p.TextDocument.URI, "broken") {
						diags = append(diags, map[string]interface{}{
							"range": map[string]interface{}{
								"start": map[string]int{"line": 5, "character": 14},
								"end":   map[string]int{"line": 5, "character": 22},
							},
							"severity": 1,
							"message":  "Unexpected token",
						})
					}
					send(map[string]interface{}{
						"jsonrpc": "2.0",
						"method":  "textDocument/publishDiagnostics",
						"params": map[string]interface{}{
							"uri":         p.TextDocument.URI,
							"diagnostics": diags,
						},
					})
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// TestScan_OverLiveSession drives a real scan through an lsp.Session talking
// to the fake editor: both files are checked, only the broken one reports an
// issue, and its position comes back 1-indexed.
func TestScan_OverLiveSession(t *testing.T) {
	addr := fakeEditor(t)
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "clean.gd"), []byte("extends Node\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.gd"), []byte("extends Node\nfunc _ready():\n\tpass\n\n\nvar x = = 1\n"), 0644))

	session := lsp.NewSession(
		config.Endpoint{Host: "127.0.0.1", CandidatePorts: []int{6005}, DialTimeoutMs: 1000},
		config.Scan{GraceMs: 2000},
		config.Reconnect{DelayMs: 50},
		root,
		lsp.WithDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}),
		lsp.WithGracePeriod(2*time.Second),
	)
	t.Cleanup(func() { session.Close() })
	require.NoError(t, session.Connect(context.Background()))

	s := New(root, config.Scan{BatchSize: 10}, session)
	report, err := s.Scan(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.FilesScanned)
	assert.Equal(t, 1, report.FilesWithIssues)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 0, report.Warnings)
	assert.Empty(t, report.FailedFiles)

	diags := session.Cache().Get(filepath.Join(root, "broken.gd"))
	require.Len(t, diags, 1)
	assert.Equal(t, 6, diags[0].Line, "positions are 1-indexed")
	assert.Equal(t, 15, diags[0].Column)
	assert.Equal(t, diagnostics.SeverityError, diags[0].Severity)
}
