// Package framing reassembles newline-delimited JSON envelopes from a byte
// stream and writes envelopes in the same format.
package framing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cory-johannsen/flyingchess/internal/protocol"
)

// DefaultMaxFrameSize bounds a single frame when the caller passes no limit.
const DefaultMaxFrameSize = 1 << 20

// Delimiter terminates every frame on the wire.
const Delimiter = '\n'

var (
	// ErrFrameTooLarge reports a partial frame that outgrew the limit and was discarded.
	ErrFrameTooLarge = errors.New("framing: frame exceeds size limit")
	// ErrMalformedFrame reports a complete segment that is not a valid envelope.
	ErrMalformedFrame = errors.New("framing: malformed frame")
)

// Decoder accumulates bytes from one connection and yields complete envelopes.
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf     []byte
	maxSize int
	// discarding is set after an oversized partial frame was dropped; bytes
	// are skipped until the next delimiter.
	discarding bool
}

// NewDecoder returns a Decoder enforcing maxSize per frame.
//
// Precondition: maxSize > 0; non-positive values select DefaultMaxFrameSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed appends p and returns every envelope completed by it, in order.
// Malformed segments are reported in errs and skipped; they never disturb
// the frames that follow.
//
// Postcondition: Buffered() holds only the trailing partial segment.
func (d *Decoder) Feed(p []byte) (envs []protocol.Envelope, errs []error) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, Delimiter)
		if i < 0 {
			if !d.discarding {
				d.buf = append(d.buf, p...)
				if len(d.buf) > d.maxSize {
					errs = append(errs, fmt.Errorf("%w: %d bytes buffered", ErrFrameTooLarge, len(d.buf)))
					d.buf = d.buf[:0]
					d.discarding = true
				}
			}
			return envs, errs
		}

		segment := p[:i]
		p = p[i+1:]
		if d.discarding {
			d.discarding = false
			continue
		}
		if len(d.buf) > 0 {
			segment = append(d.buf, segment...)
		}
		env, ok, err := d.parse(segment)
		d.buf = d.buf[:0]
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			envs = append(envs, env)
		}
	}
	return envs, errs
}

func (d *Decoder) parse(segment []byte) (protocol.Envelope, bool, error) {
	segment = bytes.TrimRight(segment, "\r")
	if len(bytes.TrimSpace(segment)) == 0 {
		return protocol.Envelope{}, false, nil
	}
	if len(segment) > d.maxSize {
		return protocol.Envelope{}, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(segment))
	}
	var env protocol.Envelope
	if err := json.Unmarshal(segment, &env); err != nil {
		return protocol.Envelope{}, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, true, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any buffered partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.discarding = false
}

// Encode serializes env followed by a single delimiter.
func Encode(env protocol.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return append(b, Delimiter), nil
}

// Writer serializes concurrent frame writes to one stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEnvelope encodes env and writes it as one frame.
//
// Postcondition: Frames from concurrent callers are never interleaved.
func (w *Writer) WriteEnvelope(env protocol.Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
