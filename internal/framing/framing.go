// Package framing implements the Content-Length header framing shared by
// the LSP and DAP wire formats: each message is a header block terminated
// by \r\n\r\n followed by exactly Content-Length bytes of JSON payload.
// Lengths are byte counts, never character counts.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxBuffer bounds unassembled bytes accumulated from the peer.
// Exceeding it is a session-fatal condition.
const DefaultMaxBuffer = 8 * 1024 * 1024

const headerTerminator = "\r\n\r\n"

var (
	// ErrBufferOverflow is returned when the unassembled buffer exceeds
	// the configured cap. The owning session must disconnect.
	ErrBufferOverflow = errors.New("framing: buffer cap exceeded")

	// ErrMalformedHeader is returned when a complete header block carries
	// no parseable Content-Length line.
	ErrMalformedHeader = errors.New("framing: header without valid Content-Length")
)

// Framer assembles complete message bodies from raw byte chunks arriving
// in order. It never emits a partial body.
type Framer struct {
	buf bytes.Buffer
	max int
}

// NewFramer creates a framer with the given buffer cap.
// A non-positive cap falls back to DefaultMaxBuffer.
func NewFramer(maxBuffer int) *Framer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Framer{max: maxBuffer}
}

// Append adds a raw chunk to the buffer. It returns ErrBufferOverflow
// when the accumulated unassembled bytes exceed the cap.
func (f *Framer) Append(data []byte) error {
	if f.buf.Len()+len(data) > f.max {
		return ErrBufferOverflow
	}
	f.buf.Write(data)
	return nil
}

// Next returns the next complete message body, or nil when the buffer does
// not yet hold one. A terminated header block without a valid Content-Length
// yields ErrMalformedHeader; the framer state is left untouched so the
// session can decide its policy.
func (f *Framer) Next() ([]byte, error) {
	data := f.buf.Bytes()
	idx := bytes.Index(data, []byte(headerTerminator))
	if idx < 0 {
		return nil, nil
	}

	length, err := parseContentLength(data[:idx])
	if err != nil {
		return nil, err
	}

	bodyStart := idx + len(headerTerminator)
	if len(data) < bodyStart+length {
		return nil, nil
	}

	body := make([]byte, length)
	copy(body, data[bodyStart:bodyStart+length])
	f.buf.Next(bodyStart + length)
	return body, nil
}

// Buffered reports the number of unassembled bytes currently held.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

// Reset discards all buffered bytes.
func (f *Framer) Reset() {
	f.buf.Reset()
}

// parseContentLength scans a header block for a Content-Length line.
// Header names are matched case-insensitively; unknown headers are ignored.
func parseContentLength(header []byte) (int, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, ErrMalformedHeader
		}
		return n, nil
	}
	return 0, ErrMalformedHeader
}

// Encode prepends the framing header to a message body. The length is the
// body's byte length, which differs from its rune count for non-ASCII
// payloads.
func Encode(body []byte) []byte {
	header := fmt.Sprintf("Content-Length: %d%s", len(body), headerTerminator)
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out
}
