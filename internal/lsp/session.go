// Package lsp owns the TCP connection to the Godot editor's language
// server. It performs the initialize handshake, forces re-analysis of
// scripts by replaying open+save notifications, and caches published
// diagnostics per file.
package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.lsp.dev/protocol"

	"github.com/standardbeagle/gdbridge/internal/config"
	"github.com/standardbeagle/gdbridge/internal/debug"
	"github.com/standardbeagle/gdbridge/internal/diagnostics"
	gderrors "github.com/standardbeagle/gdbridge/internal/errors"
	"github.com/standardbeagle/gdbridge/internal/framing"
	"github.com/standardbeagle/gdbridge/internal/security"
	"github.com/standardbeagle/gdbridge/internal/version"
	"github.com/standardbeagle/gdbridge/pkg/pathutil"
)

// State is the connection state of a protocol session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned for operations on a torn-down session.
	ErrClosed = errors.New("lsp: session closed")

	// ErrNotConnected is returned when an operation needs a Ready session.
	ErrNotConnected = errors.New("lsp: not connected to Godot language server")
)

// changeWorkspaceMethod is Godot's peer-specific notification pushed when
// the edited project changes.
const changeWorkspaceMethod = "gdscript/changeWorkspace"

const handshakeTimeout = 10 * time.Second

// Handlers receive session events. Nil members are skipped. All callbacks
// run on the session's read goroutine and must not block.
type Handlers struct {
	OnDiagnostics      func(path string, diags []diagnostics.Diagnostic)
	OnWorkspaceChanged func(root string)
	OnStateChange      func(state State)
}

// Session is the language server client. All exported methods are safe for
// concurrent use.
type Session struct {
	cfg      config.Endpoint
	grace    time.Duration
	redial   time.Duration
	maxFrame int

	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu           sync.Mutex
	state        State
	closed       bool
	reconnecting bool
	inflight     *connectAttempt
	conn         net.Conn
	root         string
	validator    *security.PathValidator
	handlers     Handlers
	initDone     chan error
	docVersion   int32
	diagWaiters  map[string][]chan struct{}

	writeMu sync.Mutex

	cache *diagnostics.Cache

	ctx    context.Context
	cancel context.CancelFunc
}

// connectAttempt is shared by every caller racing a single in-flight
// connect; all observers see the same outcome.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Option configures a Session.
type Option func(*Session)

// WithDialer overrides the TCP dialer, used by tests to count and fake
// connections.
func WithDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(s *Session) { s.dial = dial }
}

// WithGracePeriod overrides the post-save diagnostics grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Session) { s.grace = d }
}

// WithReconnectDelay overrides the fixed reconnect backoff interval.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Session) { s.redial = d }
}

// NewSession creates a disconnected session. root may be empty; the peer
// can push it later via its workspace-change notification.
func NewSession(cfg config.Endpoint, scan config.Scan, reconnect config.Reconnect, root string, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		grace:       time.Duration(scan.GraceMs) * time.Millisecond,
		redial:      time.Duration(reconnect.DelayMs) * time.Millisecond,
		maxFrame:    framing.DefaultMaxBuffer,
		cache:       diagnostics.NewCache(),
		diagWaiters: make(map[string][]chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	if root != "" {
		s.root = filepath.Clean(root)
		s.validator = security.NewPathValidator(s.root)
	}
	dialer := &net.Dialer{Timeout: time.Duration(cfg.DialTimeoutMs) * time.Millisecond}
	s.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandlers registers event callbacks.
func (s *Session) SetHandlers(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

// Cache exposes the diagnostic cache.
func (s *Session) Cache() *diagnostics.Cache {
	return s.cache
}

// CachedDiagnostics returns the last published diagnostics for path
// without contacting the editor.
func (s *Session) CachedDiagnostics(path string) []diagnostics.Diagnostic {
	return s.cache.Get(path)
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkspaceRoot returns the current workspace root, or "" when unknown.
func (s *Session) WorkspaceRoot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// SetWorkspaceRoot sets the workspace root and clears the diagnostic
// cache; entries computed against a prior root must not leak.
func (s *Session) SetWorkspaceRoot(root string) {
	root = filepath.Clean(root)
	s.mu.Lock()
	s.root = root
	s.validator = security.NewPathValidator(root)
	s.mu.Unlock()
	s.cache.ClearAll()
}

// ShouldReconnect reports whether the reconnection policy still applies.
// Once the session is explicitly torn down this is permanently false.
func (s *Session) ShouldReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Connect establishes the connection and completes the handshake.
// Concurrent callers share a single in-flight attempt; they all observe
// the same outcome.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	if att := s.inflight; att != nil {
		s.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &connectAttempt{done: make(chan struct{})}
	s.inflight = att
	s.mu.Unlock()

	att.err = s.connect(ctx)
	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	close(att.done)
	return att.err
}

// connect probes candidate ports in order and performs the handshake on
// the first that accepts.
func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	ports := s.cfg.Ports()
	var lastErr error
	for _, port := range ports {
		addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", port))
		conn, err := s.dial(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		debug.LogLSP("connected to %s\n", addr)
		if err := s.handshake(ctx, conn); err != nil {
			conn.Close()
			s.setState(StateDisconnected)
			return err
		}
		return nil
	}

	s.setState(StateDisconnected)
	return gderrors.NewConnectError("lsp", s.cfg.Host, ports, lastErr)
}

// handshake sends initialize, waits for its response, and confirms with
// the initialized notification.
func (s *Session) handshake(ctx context.Context, conn net.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.initDone = make(chan error, 1)
	initDone := s.initDone
	root := s.root
	s.state = StateHandshaking
	onState := s.handlers.OnStateChange
	s.mu.Unlock()
	if onState != nil {
		onState(StateHandshaking)
	}

	go s.readLoop(conn)

	params := protocol.InitializeParams{
		ProcessID: int32(os.Getpid()),
		ClientInfo: &protocol.ClientInfo{
			Name:    "gdbridge",
			Version: version.Version,
		},
	}
	if root != "" {
		params.RootURI = pathutil.ToURI(root)
		params.WorkspaceFolders = []protocol.WorkspaceFolder{{
			URI:  string(pathutil.ToURI(root)),
			Name: filepath.Base(root),
		}}
	}
	if err := s.sendRequest(1, protocol.MethodInitialize, params); err != nil {
		return err
	}

	select {
	case err := <-initDone:
		if err != nil {
			return err
		}
	case <-time.After(handshakeTimeout):
		return gderrors.NewProtocolError("lsp", "initialize response timed out", nil)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.sendNotification(protocol.MethodInitialized, struct{}{}); err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != conn {
		// The peer dropped us mid-handshake; the disconnect path owns the
		// state from here.
		s.mu.Unlock()
		return gderrors.NewProtocolError("lsp", "connection lost during handshake", nil)
	}
	s.state = StateReady
	onState = s.handlers.OnStateChange
	s.mu.Unlock()
	if onState != nil {
		onState(StateReady)
	}
	return nil
}

// CheckScript opens and saves a script on the peer to force re-analysis,
// waits out the diagnostics grace period, and returns the cached result.
// The cache is eventually consistent; a stale read is survivable.
func (s *Session) CheckScript(ctx context.Context, path string) ([]diagnostics.Diagnostic, error) {
	s.mu.Lock()
	validator := s.validator
	state := s.state
	s.mu.Unlock()

	if validator == nil {
		return nil, gderrors.NewPathError(path, "", "no workspace root configured")
	}
	abs, err := validator.ValidateScriptPath(path)
	if err != nil {
		return nil, err
	}
	if state != StateReady {
		return nil, ErrNotConnected
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	docURI := pathutil.ToURI(abs)
	s.mu.Lock()
	s.docVersion++
	docVersion := s.docVersion
	s.mu.Unlock()

	if err := s.sendNotification(protocol.MethodTextDocumentDidOpen, protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        docURI,
			LanguageID: "gdscript",
			Version:    docVersion,
			Text:       string(content),
		},
	}); err != nil {
		return nil, err
	}

	// The peer only republishes diagnostics on save, so a save with the
	// same full text follows immediately.
	if err := s.sendNotification(protocol.MethodTextDocumentDidSave, protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
		Text:         string(content),
	}); err != nil {
		return nil, err
	}

	s.waitForDiagnostics(ctx, abs)
	return s.cache.Get(abs), nil
}

// waitForDiagnostics blocks for the grace period, waking early when a
// publish event for exactly this path arrives. The early wake is a latency
// optimization only; the deadline bounds the wait either way.
func (s *Session) waitForDiagnostics(ctx context.Context, abs string) {
	waiter := make(chan struct{})
	s.mu.Lock()
	s.diagWaiters[abs] = append(s.diagWaiters[abs], waiter)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		waiters := s.diagWaiters[abs]
		for i, w := range waiters {
			if w == waiter {
				s.diagWaiters[abs] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(s.diagWaiters[abs]) == 0 {
			delete(s.diagWaiters, abs)
		}
		s.mu.Unlock()
	}()

	select {
	case <-waiter:
	case <-time.After(s.grace):
	case <-ctx.Done():
	}
}

// Close tears the session down: reconnection is suppressed permanently,
// the socket is destroyed, and the cache is cleared. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	onState := s.handlers.OnStateChange
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.cache.ClearAll()
	if onState != nil {
		onState(StateClosed)
	}
	return nil
}

// readLoop drains the connection through the framer and dispatches
// messages until the connection dies.
func (s *Session) readLoop(conn net.Conn) {
	framer := framing.NewFramer(s.maxFrame)
	buf := make([]byte, 32*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if aerr := framer.Append(buf[:n]); aerr != nil {
				debug.LogLSP("buffer cap exceeded, disconnecting: %v\n", aerr)
				s.handleDisconnect(conn, aerr)
				return
			}
			if derr := s.drainFrames(framer); derr != nil {
				s.handleDisconnect(conn, derr)
				return
			}
		}
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
	}
}

// drainFrames dispatches every complete message currently buffered.
// Unparseable JSON bodies are logged and skipped; framing-level errors
// propagate and kill the connection.
func (s *Session) drainFrames(framer *framing.Framer) error {
	for {
		body, err := framer.Next()
		if err != nil {
			return err
		}
		if body == nil {
			return nil
		}
		s.dispatch(body)
	}
}

type rpcInbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (s *Session) dispatch(body []byte) {
	var msg rpcInbound
	if err := json.Unmarshal(body, &msg); err != nil {
		debug.LogLSP("skipping unparseable message: %v\n", err)
		return
	}

	if len(msg.ID) > 0 && msg.Method == "" {
		s.handleResponse(msg)
		return
	}

	switch msg.Method {
	case protocol.MethodTextDocumentPublishDiagnostics:
		s.handlePublishDiagnostics(msg.Params)
	case changeWorkspaceMethod:
		s.handleChangeWorkspace(msg.Params)
	default:
		debug.LogLSP("ignoring %q\n", msg.Method)
	}
}

// handleResponse resolves the initialize request; it is the only request
// this client ever sends.
func (s *Session) handleResponse(msg rpcInbound) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil || id != 1 {
		return
	}

	s.mu.Lock()
	initDone := s.initDone
	s.initDone = nil
	s.mu.Unlock()
	if initDone == nil {
		return
	}

	if msg.Error != nil {
		initDone <- gderrors.NewProtocolError("lsp", "initialize rejected: "+msg.Error.Message, nil)
		return
	}
	initDone <- nil
}

func (s *Session) handlePublishDiagnostics(params json.RawMessage) {
	var p protocol.PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		debug.LogLSP("skipping malformed publishDiagnostics: %v\n", err)
		return
	}

	abs := pathutil.FromURI(string(p.URI))
	normalized := make([]diagnostics.Diagnostic, 0, len(p.Diagnostics))
	for _, d := range p.Diagnostics {
		normalized = append(normalized, NormalizeDiagnostic(d))
	}
	s.cache.Set(abs, normalized)

	s.mu.Lock()
	waiters := s.diagWaiters[abs]
	delete(s.diagWaiters, abs)
	onDiags := s.handlers.OnDiagnostics
	s.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if onDiags != nil {
		onDiags(abs, normalized)
	}
}

// handleChangeWorkspace applies Godot's workspace-change push: the root
// moves and the whole cache is cleared, exactly once per event.
func (s *Session) handleChangeWorkspace(params json.RawMessage) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Path == "" {
		debug.LogLSP("skipping malformed changeWorkspace: %v\n", err)
		return
	}

	root := filepath.Clean(p.Path)
	s.mu.Lock()
	s.root = root
	s.validator = security.NewPathValidator(root)
	onChange := s.handlers.OnWorkspaceChanged
	s.mu.Unlock()

	s.cache.ClearAll()
	debug.LogLSP("workspace changed to %s, cache cleared\n", root)
	if onChange != nil {
		onChange(root)
	}
}

// handleDisconnect transitions to Closed and, unless the session was torn
// down, kicks off the reconnect loop. A loop already in flight is not
// duplicated.
func (s *Session) handleDisconnect(conn net.Conn, cause error) {
	conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	onState := s.handlers.OnStateChange
	alreadyReconnecting := s.reconnecting
	if !alreadyReconnecting {
		s.reconnecting = true
	}
	initDone := s.initDone
	s.initDone = nil
	s.mu.Unlock()

	if initDone != nil {
		initDone <- gderrors.NewProtocolError("lsp", "connection lost during handshake", cause)
	}
	if onState != nil {
		onState(StateClosed)
	}
	debug.LogLSP("connection lost: %v\n", cause)

	if alreadyReconnecting {
		return
	}
	go s.reconnectLoop()
}

// reconnectLoop retries at a fixed interval until the session connects or
// is torn down.
func (s *Session) reconnectLoop() {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	policy := backoff.WithContext(backoff.NewConstantBackOff(s.redial), s.ctx)
	_ = backoff.Retry(func() error {
		if !s.ShouldReconnect() {
			return backoff.Permanent(ErrClosed)
		}
		err := s.Connect(s.ctx)
		if err != nil {
			debug.LogLSP("reconnect attempt failed: %v\n", err)
		}
		return err
	}, policy)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.closed && state != StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = state
	onState := s.handlers.OnStateChange
	s.mu.Unlock()
	if onState != nil {
		onState(state)
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

func (s *Session) sendRequest(id int64, method string, params interface{}) error {
	return s.write(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
}

func (s *Session) sendNotification(method string, params interface{}) error {
	return s.write(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Session) write(msg interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := conn.Write(framing.Encode(body)); err != nil {
		return gderrors.NewProtocolError("lsp", "write failed", err)
	}
	return nil
}
