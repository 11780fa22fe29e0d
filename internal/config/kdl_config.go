package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// LoadKDL attempts to load configuration from a .gdbridge.kdl file.
// A missing file returns (nil, nil) so callers fall back to defaults.
func LoadKDL(path string) (*Config, error) {
	if path == "" {
		path = ".gdbridge.kdl"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}

	cfg, err := parseKDL(string(content))
	if err != nil {
		return nil, err
	}

	// Resolve a relative root against the directory holding the config file.
	if cfg.Project.Root != "" && !filepath.IsAbs(cfg.Project.Root) {
		base := filepath.Dir(path)
		cfg.Project.Root = filepath.Clean(filepath.Join(base, cfg.Project.Root))
	}

	return cfg, nil
}

// parseKDL parses .gdbridge.kdl content over the default configuration.
func parseKDL(content string) (*Config, error) {
	cfg := Default()

	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "project":
			for _, cn := range n.Children { // project { root "." name "mygame" }
				assignSimpleString(cn, "root", func(v string) { cfg.Project.Root = v })
				assignSimpleString(cn, "name", func(v string) { cfg.Project.Name = v })
			}
		case "lsp":
			parseEndpoint(n, &cfg.LSP)
		case "dap":
			for _, cn := range n.Children {
				if nodeName(cn) == "request_timeout_ms" {
					if v, ok := firstIntArg(cn); ok {
						cfg.DAP.RequestTimeout = v
					}
				}
			}
			parseEndpoint(n, &cfg.DAP)
		case "console":
			for _, cn := range n.Children {
				if nodeName(cn) == "capacity" {
					if v, ok := firstIntArg(cn); ok {
						cfg.Console.Capacity = v
					}
				}
			}
		case "scan":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "batch_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Scan.BatchSize = v
					}
				case "batch_delay_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Scan.BatchDelayMs = v
					}
				case "grace_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Scan.GraceMs = v
					}
				case "exclude":
					if patterns := collectStringArgs(cn); len(patterns) > 0 {
						cfg.Scan.Exclude = append(cfg.Scan.Exclude, patterns...)
					}
				}
			}
		case "reconnect":
			for _, cn := range n.Children {
				if nodeName(cn) == "delay_ms" {
					if v, ok := firstIntArg(cn); ok {
						cfg.Reconnect.DelayMs = v
					}
				}
			}
		case "watch":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "enabled":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Watch.Enabled = b
					}
				case "debounce_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Watch.DebounceMs = v
					}
				}
			}
		}
	}

	return cfg, nil
}

func parseEndpoint(n *document.Node, ep *Endpoint) {
	for _, cn := range n.Children {
		switch nodeName(cn) {
		case "host":
			if s, ok := firstStringArg(cn); ok {
				ep.Host = s
			}
		case "port":
			if v, ok := firstIntArg(cn); ok {
				ep.Port = v
			}
		case "dial_timeout_ms":
			if v, ok := firstIntArg(cn); ok {
				ep.DialTimeoutMs = v
			}
		}
	}
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

func collectStringArgs(n *document.Node) []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func assignSimpleString(n *document.Node, target string, set func(string)) {
	if nodeName(n) == target {
		if s, ok := firstStringArg(n); ok {
			set(s)
		}
	}
}
