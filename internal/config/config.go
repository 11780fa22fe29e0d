package config

import (
	"fmt"
	"os"
	"strconv"

	gderrors "github.com/standardbeagle/gdbridge/internal/errors"
)

// Default endpoint candidates for a running Godot editor. The language
// server port moved between editor versions, so both are probed in order.
var (
	DefaultLSPPorts = []int{6005, 6008}
	DefaultDAPPorts = []int{6006, 6007}
)

// Timing and sizing defaults for the bridge.
const (
	DefaultHost           = "127.0.0.1"
	DefaultDialTimeoutMs  = 2000
	DefaultGraceMs        = 300
	DefaultBatchSize      = 50
	DefaultBatchDelayMs   = 200
	DefaultReconnectMs    = 2000
	DefaultRequestTimeout = 5000
	DefaultWatchDebounce  = 250
)

type Config struct {
	Project   Project
	LSP       Endpoint
	DAP       Endpoint
	Console   Console
	Scan      Scan
	Reconnect Reconnect
	Watch     Watch
}

type Project struct {
	Root string // workspace root; empty means auto-detected or peer-pushed
	Name string
}

// Endpoint describes one TCP peer inside the editor process.
type Endpoint struct {
	Host           string
	Port           int   // explicit override; 0 means probe CandidatePorts
	CandidatePorts []int // ordered probe list when Port is unset
	DialTimeoutMs  int
	RequestTimeout int // DAP request timeout, milliseconds
}

// Ports returns the ordered list of ports to probe.
func (e Endpoint) Ports() []int {
	if e.Port != 0 {
		return []int{e.Port}
	}
	return e.CandidatePorts
}

type Console struct {
	Capacity int // ring buffer capacity; invalid values fall back to default
}

type Scan struct {
	BatchSize    int
	BatchDelayMs int
	GraceMs      int // post-save diagnostics grace period
	Exclude      []string
}

type Reconnect struct {
	DelayMs int
}

type Watch struct {
	Enabled    bool
	DebounceMs int
}

// DefaultExcludes are directories never scanned: the addon tree and
// Godot's generated metadata.
var DefaultExcludes = []string{
	"addons/**",
	".godot/**",
	".import/**",
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Project: Project{Name: "godot-project"},
		LSP: Endpoint{
			Host:           DefaultHost,
			CandidatePorts: append([]int(nil), DefaultLSPPorts...),
			DialTimeoutMs:  DefaultDialTimeoutMs,
		},
		DAP: Endpoint{
			Host:           DefaultHost,
			CandidatePorts: append([]int(nil), DefaultDAPPorts...),
			DialTimeoutMs:  DefaultDialTimeoutMs,
			RequestTimeout: DefaultRequestTimeout,
		},
		Console: Console{Capacity: 0}, // 0 = library default
		Scan: Scan{
			BatchSize:    DefaultBatchSize,
			BatchDelayMs: DefaultBatchDelayMs,
			GraceMs:      DefaultGraceMs,
			Exclude:      append([]string(nil), DefaultExcludes...),
		},
		Reconnect: Reconnect{DelayMs: DefaultReconnectMs},
		Watch:     Watch{Enabled: false, DebounceMs: DefaultWatchDebounce},
	}
}

// Load reads configuration from the given .gdbridge.kdl path (missing file
// means defaults), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadKDL(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := NewValidator().ValidateAndSetDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides reads GDBRIDGE_* environment variables into cfg.
// Malformed numeric values fail fast as configuration errors.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("GDBRIDGE_ROOT"); v != "" {
		cfg.Project.Root = v
	}
	if v := os.Getenv("GDBRIDGE_LSP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return gderrors.NewConfigError("GDBRIDGE_LSP_PORT", v, fmt.Errorf("not a number: %w", err))
		}
		cfg.LSP.Port = port
	}
	if v := os.Getenv("GDBRIDGE_DAP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return gderrors.NewConfigError("GDBRIDGE_DAP_PORT", v, fmt.Errorf("not a number: %w", err))
		}
		cfg.DAP.Port = port
	}
	if v := os.Getenv("GDBRIDGE_CONSOLE_CAPACITY"); v != "" {
		// An unparseable capacity falls back to the default rather than
		// failing; capacity is a tuning knob, not a correctness one.
		if capacity, err := strconv.Atoi(v); err == nil {
			cfg.Console.Capacity = capacity
		}
	}
	return nil
}
