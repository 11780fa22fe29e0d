// Package dap owns the TCP connection to the Godot editor's debug
// adapter. It correlates requests by sequence number, attaches to the
// editor best-effort, and feeds output events into the console buffer.
package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	godap "github.com/google/go-dap"

	"github.com/standardbeagle/gdbridge/internal/config"
	"github.com/standardbeagle/gdbridge/internal/console"
	"github.com/standardbeagle/gdbridge/internal/debug"
	gderrors "github.com/standardbeagle/gdbridge/internal/errors"
	"github.com/standardbeagle/gdbridge/internal/framing"
	"github.com/standardbeagle/gdbridge/internal/version"
)

// State is the connection state of the adapter session.
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
	ErrClosed = errors.New("dap: session closed")

	// ErrNotConnected is returned when an operation needs a Ready session.
	ErrNotConnected = errors.New("dap: not connected to Godot debug adapter")

	errTimeout = errors.New("timed out waiting for response")
)

// Handlers receive session events. Nil members are skipped. Callbacks run
// on the session's read goroutine and must not block.
type Handlers struct {
	OnOutput      func(entry console.Entry)
	OnTerminated  func()
	OnStateChange func(state State)
}

// Session is the debug adapter client. All exported methods are safe for
// concurrent use.
type Session struct {
	cfg        config.Endpoint
	reqTimeout time.Duration
	redial     time.Duration
	maxFrame   int

	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu           sync.Mutex
	state        State
	closed       bool
	reconnecting bool
	inflight     *connectAttempt
	conn         net.Conn
	seq          int
	pending      map[int]*pendingRequest
	attached     bool
	terminated   bool
	handlers     Handlers

	writeMu sync.Mutex

	buffer *console.Buffer

	ctx    context.Context
	cancel context.CancelFunc
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

type pendingRequest struct {
	command string
	ch      chan godap.ResponseMessage
}

// Option configures a Session.
type Option func(*Session)

// WithDialer overrides the TCP dialer for tests.
func WithDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(s *Session) { s.dial = dial }
}

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) { s.reqTimeout = d }
}

// WithReconnectDelay overrides the fixed reconnect backoff interval.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Session) { s.redial = d }
}

// NewSession creates a disconnected session writing output events into
// buffer.
func NewSession(cfg config.Endpoint, reconnect config.Reconnect, buffer *console.Buffer, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		reqTimeout: time.Duration(cfg.RequestTimeout) * time.Millisecond,
		redial:     time.Duration(reconnect.DelayMs) * time.Millisecond,
		maxFrame:   framing.DefaultMaxBuffer,
		pending:    make(map[int]*pendingRequest),
		buffer:     buffer,
		ctx:        ctx,
		cancel:     cancel,
	}
	if s.reqTimeout <= 0 {
		s.reqTimeout = time.Duration(config.DefaultRequestTimeout) * time.Millisecond
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

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attached reports whether the attach request was accepted by the editor.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Terminated reports whether the debuggee has reported termination since
// the last attach.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// ShouldReconnect reports whether the reconnection policy still applies.
func (s *Session) ShouldReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Connect establishes the connection, performs the initialize handshake,
// and attaches best-effort. Concurrent callers share one attempt.
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
		debug.LogDAP("connected to %s\n", addr)
		if err := s.handshake(ctx, conn); err != nil {
			conn.Close()
			s.setState(StateDisconnected)
			return err
		}
		return nil
	}

	s.setState(StateDisconnected)
	return gderrors.NewConnectError("dap", s.cfg.Host, ports, lastErr)
}

func (s *Session) handshake(ctx context.Context, conn net.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.terminated = false
	s.state = StateHandshaking
	onState := s.handlers.OnStateChange
	s.mu.Unlock()
	if onState != nil {
		onState(StateHandshaking)
	}

	go s.readLoop(conn)

	initReq := &godap.InitializeRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Type: "request"},
			Command:         "initialize",
		},
		Arguments: godap.InitializeRequestArguments{
			ClientID:        "gdbridge",
			ClientName:      "gdbridge " + version.Version,
			AdapterID:       "godot",
			Locale:          "en-US",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
			PathFormat:      "path",
		},
	}
	if _, err := s.roundTrip(ctx, initReq); err != nil {
		return err
	}

	// The adapter expects an initialized event from the client before any
	// attach; no response comes back for it.
	s.mu.Lock()
	s.seq++
	evtSeq := s.seq
	s.mu.Unlock()
	if err := s.write(&godap.InitializedEvent{
		Event: godap.Event{
			ProtocolMessage: godap.ProtocolMessage{Seq: evtSeq, Type: "event"},
			Event:           "initialized",
		},
	}); err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return gderrors.NewProtocolError("dap", "connection lost during handshake", nil)
	}
	s.state = StateReady
	onState = s.handlers.OnStateChange
	s.mu.Unlock()
	if onState != nil {
		onState(StateReady)
	}

	// Attach is best-effort: the editor streams output either way, and a
	// rejected attach only means the attached flag stays false.
	if err := s.attach(ctx); err != nil {
		debug.LogDAP("attach declined: %v\n", err)
	}
	return nil
}

// attach asks the adapter to attach to the running editor session.
func (s *Session) attach(ctx context.Context) error {
	req := &godap.AttachRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Type: "request"},
			Command:         "attach",
		},
		Arguments: json.RawMessage(`{}`),
	}
	if _, err := s.roundTrip(ctx, req); err != nil {
		return err
	}
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	return nil
}

// roundTrip assigns a sequence number, sends the request, and waits for
// its correlated response, the per-request timeout, or ctx cancellation.
// A timeout fails only this request; the session stays up.
func (s *Session) roundTrip(ctx context.Context, req godap.RequestMessage) (godap.ResponseMessage, error) {
	r := req.GetRequest()

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.seq++
	seq := s.seq
	r.Seq = seq
	pr := &pendingRequest{command: r.Command, ch: make(chan godap.ResponseMessage, 1)}
	s.pending[seq] = pr
	s.mu.Unlock()

	if err := s.write(req); err != nil {
		s.dropPending(seq)
		return nil, err
	}

	timer := time.NewTimer(s.reqTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-pr.ch:
		if !ok {
			return nil, gderrors.NewRequestError(r.Command, seq, ErrClosed)
		}
		base := resp.GetResponse()
		if !base.Success {
			return resp, gderrors.NewRequestError(r.Command, seq, errors.New(base.Message))
		}
		return resp, nil
	case <-timer.C:
		s.dropPending(seq)
		return nil, gderrors.NewRequestError(r.Command, seq, errTimeout)
	case <-ctx.Done():
		s.dropPending(seq)
		return nil, ctx.Err()
	}
}

func (s *Session) dropPending(seq int) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

// Close tears the session down, rejecting every pending request.
// Idempotent.
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
	s.attached = false
	pending := s.pending
	s.pending = make(map[int]*pendingRequest)
	onState := s.handlers.OnStateChange
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	for _, pr := range pending {
		close(pr.ch)
	}
	if onState != nil {
		onState(StateClosed)
	}
	return nil
}

func (s *Session) readLoop(conn net.Conn) {
	framer := framing.NewFramer(s.maxFrame)
	buf := make([]byte, 32*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if aerr := framer.Append(buf[:n]); aerr != nil {
				debug.LogDAP("buffer cap exceeded, disconnecting: %v\n", aerr)
				s.handleDisconnect(conn, aerr)
				return
			}
			for {
				body, ferr := framer.Next()
				if ferr != nil {
					s.handleDisconnect(conn, ferr)
					return
				}
				if body == nil {
					break
				}
				s.dispatch(body)
			}
		}
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
	}
}

// dispatch decodes one framed body into a typed message. Undecodable
// bodies are logged and skipped.
func (s *Session) dispatch(body []byte) {
	msg, err := godap.DecodeProtocolMessage(body)
	if err != nil {
		debug.LogDAP("skipping undecodable message: %v\n", err)
		return
	}

	switch m := msg.(type) {
	case godap.ResponseMessage:
		s.handleResponse(m)
	case godap.EventMessage:
		s.handleEvent(m)
	default:
		debug.LogDAP("ignoring %T\n", msg)
	}
}

func (s *Session) handleResponse(m godap.ResponseMessage) {
	resp := m.GetResponse()

	s.mu.Lock()
	pr, ok := s.pending[resp.RequestSeq]
	if ok {
		delete(s.pending, resp.RequestSeq)
	}
	s.mu.Unlock()

	if !ok {
		// Late response to a timed-out request; drop it.
		debug.LogDAP("orphan response for seq %d (%s)\n", resp.RequestSeq, resp.Command)
		return
	}
	pr.ch <- m
}

func (s *Session) handleEvent(m godap.EventMessage) {
	switch e := m.(type) {
	case *godap.OutputEvent:
		s.handleOutput(e)
	case *godap.TerminatedEvent:
		s.mu.Lock()
		s.terminated = true
		s.attached = false
		onTerminated := s.handlers.OnTerminated
		s.mu.Unlock()
		debug.LogDAP("debuggee terminated\n")
		if onTerminated != nil {
			onTerminated()
		}
	default:
		debug.LogDAP("ignoring event %T\n", m)
	}
}

// handleOutput records one output event in the console ring.
func (s *Session) handleOutput(e *godap.OutputEvent) {
	entry := console.Entry{
		Category: outputCategory(e.Body.Category),
		Message:  e.Body.Output,
		Line:     e.Body.Line,
	}
	if e.Body.Source != nil {
		// Prefer the full path; fall back to the bare name.
		if e.Body.Source.Path != "" {
			entry.Source = e.Body.Source.Path
		} else {
			entry.Source = e.Body.Source.Name
		}
	}
	s.buffer.Add(entry)

	s.mu.Lock()
	onOutput := s.handlers.OnOutput
	s.mu.Unlock()
	if onOutput != nil {
		onOutput(entry)
	}
}

func outputCategory(category string) string {
	switch category {
	case "stdout":
		return console.CategoryStdout
	case "stderr":
		return console.CategoryStderr
	default:
		return console.CategoryConsole
	}
}

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
	s.attached = false
	pending := s.pending
	s.pending = make(map[int]*pendingRequest)
	onState := s.handlers.OnStateChange
	alreadyReconnecting := s.reconnecting
	if !alreadyReconnecting {
		s.reconnecting = true
	}
	s.mu.Unlock()

	for _, pr := range pending {
		close(pr.ch)
	}
	if onState != nil {
		onState(StateClosed)
	}
	debug.LogDAP("connection lost: %v\n", cause)

	if alreadyReconnecting {
		return
	}
	go s.reconnectLoop()
}

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
			debug.LogDAP("reconnect attempt failed: %v\n", err)
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

func (s *Session) write(msg godap.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := godap.WriteProtocolMessage(conn, msg); err != nil {
		return gderrors.NewProtocolError("dap", "write failed", err)
	}
	return nil
}
