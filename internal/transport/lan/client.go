package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/framing"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

// Connection defaults used when the configuration leaves them unset.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultConnectRetries = 5
)

// ErrClientClosed is returned when sending on a closed Client.
var ErrClientClosed = errors.New("lan: client closed")

// Client is a player's framed TCP connection to a LAN Host.
type Client struct {
	*transport.Caller
	conn   net.Conn
	writer *framing.Writer
	logger *zap.Logger
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// Dial connects to the host at addr. Each attempt is bounded by
// cfg.ConnectTimeout and up to cfg.ConnectRetries further attempts are made
// with exponential backoff.
//
// Postcondition: Returns a connected Client, or the last dial error.
func Dial(ctx context.Context, addr string, cfg config.LANConfig, logger *zap.Logger) (*Client, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	retries := cfg.ConnectRetries
	if retries < 0 {
		retries = DefaultConnectRetries
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		attempt++
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("lan dial failed",
				zap.String("addr", addr),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s after %d attempts: %w", addr, attempt, err)
	}

	c := &Client{
		conn:   conn,
		writer: framing.NewWriter(conn),
		logger: logger,
		done:   make(chan struct{}),
	}
	c.Caller = transport.NewCaller(c.write, protocol.SingleAttempt(timeout))
	go c.readLoop(cfg.MaxFrameSize)
	return c, nil
}

func (c *Client) write(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(d)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	return c.writer.WriteEnvelope(env)
}

func (c *Client) readLoop(maxFrame int) {
	defer close(c.done)
	dec := framing.NewDecoder(maxFrame)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			envs, errs := dec.Feed(buf[:n])
			for _, ferr := range errs {
				c.logger.Warn("dropping lan frame", zap.Error(ferr))
			}
			for _, env := range envs {
				c.Deliver(env)
			}
		}
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = err
			}
			c.mu.Unlock()
			c.Caller.Cancel()
			return
		}
	}
}

// Done is closed once the host connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil after Close.
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
	err := c.conn.Close()
	<-c.done
	return err
}
