package config

import (
	"errors"
	"fmt"

	gderrors "github.com/standardbeagle/gdbridge/internal/errors"
)

// Validator validates configuration and sets smart defaults.
// Port validation fails fast, before any connection attempt; sizing knobs
// with invalid values fall back to defaults instead.
type Validator struct{}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAndSetDefaults validates configuration and applies smart defaults.
// Returns an error if validation fails.
func (v *Validator) ValidateAndSetDefaults(cfg *Config) error {
	if err := v.validateEndpoint(&cfg.LSP); err != nil {
		return gderrors.NewConfigError("lsp", fmt.Sprintf("%d", cfg.LSP.Port), err)
	}
	if err := v.validateEndpoint(&cfg.DAP); err != nil {
		return gderrors.NewConfigError("dap", fmt.Sprintf("%d", cfg.DAP.Port), err)
	}

	v.setSmartDefaults(cfg)
	return nil
}

// validateEndpoint checks an explicit port override for range.
func (v *Validator) validateEndpoint(ep *Endpoint) error {
	if ep.Port != 0 && (ep.Port < 1 || ep.Port > 65535) {
		return fmt.Errorf("port must be between 1 and 65535, got %d", ep.Port)
	}
	if ep.DialTimeoutMs < 0 {
		return errors.New("dial timeout cannot be negative")
	}
	return nil
}

// setSmartDefaults fills in anything unset or out of range.
func (v *Validator) setSmartDefaults(cfg *Config) {
	if cfg.LSP.Host == "" {
		cfg.LSP.Host = DefaultHost
	}
	if cfg.DAP.Host == "" {
		cfg.DAP.Host = DefaultHost
	}
	if len(cfg.LSP.CandidatePorts) == 0 {
		cfg.LSP.CandidatePorts = append([]int(nil), DefaultLSPPorts...)
	}
	if len(cfg.DAP.CandidatePorts) == 0 {
		cfg.DAP.CandidatePorts = append([]int(nil), DefaultDAPPorts...)
	}
	if cfg.LSP.DialTimeoutMs == 0 {
		cfg.LSP.DialTimeoutMs = DefaultDialTimeoutMs
	}
	if cfg.DAP.DialTimeoutMs == 0 {
		cfg.DAP.DialTimeoutMs = DefaultDialTimeoutMs
	}
	if cfg.DAP.RequestTimeout <= 0 {
		cfg.DAP.RequestTimeout = DefaultRequestTimeout
	}

	// Capacity falls back to the buffer default rather than erroring.
	if cfg.Console.Capacity < 0 {
		cfg.Console.Capacity = 0
	}

	if cfg.Scan.BatchSize <= 0 {
		cfg.Scan.BatchSize = DefaultBatchSize
	}
	if cfg.Scan.BatchDelayMs < 0 {
		cfg.Scan.BatchDelayMs = DefaultBatchDelayMs
	}
	if cfg.Scan.GraceMs <= 0 {
		cfg.Scan.GraceMs = DefaultGraceMs
	}
	if len(cfg.Scan.Exclude) == 0 {
		cfg.Scan.Exclude = append([]string(nil), DefaultExcludes...)
	}
	if cfg.Reconnect.DelayMs <= 0 {
		cfg.Reconnect.DelayMs = DefaultReconnectMs
	}
	if cfg.Watch.DebounceMs <= 0 {
		cfg.Watch.DebounceMs = DefaultWatchDebounce
	}
}
