// Package protocol implements the line-delimited JSON control protocol
// spoken with the agent CLI subprocess: frame decoding, conversation frame
// typing, and the bidirectional control dialogue (hooks, permissions,
// interrupts).
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxFrameSize bounds a single JSON line read off the subprocess.
const maxFrameSize = 4 * 1024 * 1024

// Frame is one decoded JSON object from the stream.
type Frame map[string]any

// Type returns the frame's "type" field, or "" when absent.
func (f Frame) Type() string {
	t, _ := f["type"].(string)
	return t
}

// ParseError reports a single malformed line. The stream continues past it.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Decoder splits a byte stream on newlines and parses each non-empty line
// as one JSON frame. Partial lines are buffered until a newline arrives.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Decoder{scanner: s}
}

// Next returns the next frame. A malformed line yields a *ParseError and the
// decoder remains usable; io.EOF signals the end of the stream.
func (d *Decoder) Next() (Frame, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			return nil, &ParseError{Line: line, Err: err}
		}
		return f, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
