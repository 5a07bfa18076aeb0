package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/framing"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

// ErrClientClosed is returned when sending on a closed Client.
var ErrClientClosed = errors.New("relay: client closed")

// Client is a player's connection to a relay Server. Responses resolve
// pending calls; broadcasts reach Subscribe handlers.
type Client struct {
	*transport.Caller
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	done    chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// Dial connects to the relay at url, e.g. "ws://host:7000/ws".
//
// Postcondition: The returned Client reads until Close or the connection drops.
func Dial(ctx context.Context, url string, policy protocol.RetryPolicy, logger *zap.Logger) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", url, err)
	}
	ws.SetReadLimit(framing.DefaultMaxFrameSize)

	c := &Client{ws: ws, logger: logger, done: make(chan struct{})}
	c.Caller = transport.NewCaller(c.write, policy)
	go c.readLoop()
	return c, nil
}

func (c *Client) write(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping relay frame", zap.Error(err))
			continue
		}
		c.Deliver(env)
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if !c.closed && c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.Caller.Cancel()
}

// Done is closed once the read loop has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that stopped the read loop, or nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close cancels pending calls and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Caller.Close()
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
