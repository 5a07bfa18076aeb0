package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/cory-johannsen/flyingchess/internal/framing"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
)

// LineClient is a newline-framed JSON test client for stream socket integration tests.
type LineClient struct {
	conn    net.Conn
	decoder *framing.Decoder
	queue   []protocol.Envelope
	t       *testing.T
}

// NewLineClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LineClient or fails the test.
func NewLineClient(t *testing.T, addr string) *LineClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}
	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("line client connected to %s [%s]", addr, time.Since(start))
	return &LineClient{
		conn:    conn,
		decoder: framing.NewDecoder(framing.DefaultMaxFrameSize),
		t:       t,
	}
}

// Send writes env followed by the frame delimiter.
func (c *LineClient) Send(env protocol.Envelope) {
	c.t.Helper()
	b, err := framing.Encode(env)
	if err != nil {
		c.t.Fatalf("encoding %s: %v", env.Event, err)
	}
	c.SendRaw(b)
}

// SendRaw writes raw bytes, allowing tests to split or corrupt frames.
func (c *LineClient) SendRaw(b []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("sending %q: %v", b, err)
	}
}

// Next returns the next envelope received, or fails the test on timeout.
func (c *LineClient) Next(timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	return c.ReadUntil(func(protocol.Envelope) bool { return true }, timeout)
}

// ReadUntil discards envelopes until match returns true, and returns the match.
//
// Postcondition: Returns the first matching envelope, or fails the test on timeout.
func (c *LineClient) ReadUntil(match func(protocol.Envelope) bool, timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	_ = c.conn.SetReadDeadline(deadline)

	tmp := make([]byte, 4096)
	for {
		for len(c.queue) > 0 {
			env := c.queue[0]
			c.queue = c.queue[1:]
			if match(env) {
				return env
			}
		}
		n, err := c.conn.Read(tmp)
		if n > 0 {
			envs, errs := c.decoder.Feed(tmp[:n])
			for _, ferr := range errs {
				c.t.Logf("dropping frame: %v", ferr)
			}
			c.queue = append(c.queue, envs...)
		}
		if err != nil && len(c.queue) == 0 {
			c.t.Fatalf("reading envelope: %v", err)
		}
	}
}

// ReadEvent returns the next envelope carrying event.
func (c *LineClient) ReadEvent(event string, timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	return c.ReadUntil(func(env protocol.Envelope) bool { return env.Event == event && env.Type != protocol.KindResponse }, timeout)
}

// ReadResponse returns the response to requestID.
func (c *LineClient) ReadResponse(requestID string, timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	return c.ReadUntil(func(env protocol.Envelope) bool {
		return env.Type == protocol.KindResponse && env.RequestID == requestID
	}, timeout)
}

// Close closes the underlying connection.
func (c *LineClient) Close() {
	c.conn.Close()
}
