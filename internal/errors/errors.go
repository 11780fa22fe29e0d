package errors

import (
	"fmt"
	"time"
)

// Error types for the Godot bridge
type ErrorType string

const (
	// Configuration errors - invalid ports, capacities, roots
	ErrorTypeConfig ErrorType = "config"

	// Connectivity errors - no reachable port, socket failure, handshake rejection
	ErrorTypeConnect ErrorType = "connect"

	// Protocol errors - malformed frames, undecodable payloads
	ErrorTypeProtocol ErrorType = "protocol"

	// Request errors - DAP request timeout or failure response
	ErrorTypeRequest ErrorType = "request"

	// Path errors - traversal, escape, wrong extension
	ErrorTypePath ErrorType = "path"

	// Internal errors
	ErrorTypeInternal ErrorType = "internal"
)

// ConfigError represents a configuration error raised before any I/O
type ConfigError struct {
	Field      string
	Value      string
	Underlying error
	Timestamp  time.Time
}

// NewConfigError creates a new config error
func NewConfigError(field, value string, err error) *ConfigError {
	return &ConfigError{
		Field:      field,
		Value:      value,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for field %s (value %s): %v", e.Field, e.Value, e.Underlying)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Underlying
}

// ConnectError represents a failed connection attempt against an endpoint
type ConnectError struct {
	Type       ErrorType
	Protocol   string // "lsp" or "dap"
	Host       string
	Ports      []int
	Underlying error
	Timestamp  time.Time
}

// NewConnectError creates a new connect error listing every port tried
func NewConnectError(protocol, host string, ports []int, err error) *ConnectError {
	return &ConnectError{
		Type:       ErrorTypeConnect,
		Protocol:   protocol,
		Host:       host,
		Ports:      ports,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *ConnectError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: no reachable port on %s (tried %v): %v", e.Protocol, e.Host, e.Ports, e.Underlying)
	}
	return fmt.Sprintf("%s: no reachable port on %s (tried %v)", e.Protocol, e.Host, e.Ports)
}

// Unwrap returns the underlying error
func (e *ConnectError) Unwrap() error {
	return e.Underlying
}

// ProtocolError represents a wire-level failure on an established connection
type ProtocolError struct {
	Type       ErrorType
	Protocol   string
	Reason     string
	Underlying error
	Timestamp  time.Time
}

// NewProtocolError creates a new protocol error
func NewProtocolError(protocol, reason string, err error) *ProtocolError {
	return &ProtocolError{
		Type:       ErrorTypeProtocol,
		Protocol:   protocol,
		Reason:     reason,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s protocol error: %s: %v", e.Protocol, e.Reason, e.Underlying)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Protocol, e.Reason)
}

// Unwrap returns the underlying error
func (e *ProtocolError) Unwrap() error {
	return e.Underlying
}

// RequestError represents a single failed request; the session itself survives
type RequestError struct {
	Type       ErrorType
	Command    string
	Seq        int
	Underlying error
	Timestamp  time.Time
}

// NewRequestError creates a new request error
func NewRequestError(command string, seq int, err error) *RequestError {
	return &RequestError{
		Type:       ErrorTypeRequest,
		Command:    command,
		Seq:        seq,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request (seq %d) failed: %v", e.Command, e.Seq, e.Underlying)
}

// Unwrap returns the underlying error
func (e *RequestError) Unwrap() error {
	return e.Underlying
}

// PathError represents a rejected file path
type PathError struct {
	Type      ErrorType
	Path      string
	Root      string
	Reason    string
	Timestamp time.Time
}

// NewPathError creates a new path validation error
func NewPathError(path, root, reason string) *PathError {
	return &PathError{
		Type:      ErrorTypePath,
		Path:      path,
		Root:      root,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface
func (e *PathError) Error() string {
	if e.Root != "" {
		return fmt.Sprintf("invalid path %q (root %q): %s", e.Path, e.Root, e.Reason)
	}
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// MultiError represents multiple errors
type MultiError struct {
	Errors []error
}

// NewMultiError creates a new multi-error
func NewMultiError(errs []error) *MultiError {
	// Filter out nil errors
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	return &MultiError{Errors: filtered}
}

// Error implements the error interface
func (e *MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v", len(e.Errors), e.Errors)
}

// Unwrap returns all errors
func (e *MultiError) Unwrap() []error {
	return e.Errors
}
