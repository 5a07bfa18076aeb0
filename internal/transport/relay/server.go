// Package relay carries envelopes over WebSocket between players and a
// central relay process, one JSON envelope per text message.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/framing"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

// ErrRateLimited answers requests that exceed a connection's inbound rate.
var ErrRateLimited = errors.New("relay: too many requests")

const (
	closeGrace          = time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Server upgrades HTTP requests on the configured path to WebSocket and feeds
// every connection into a hub.
type Server struct {
	cfg      config.RelayConfig
	hub      *transport.Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	running  bool
}

// NewServer creates a relay Server.
//
// Precondition: cfg.HeartbeatInterval must be positive; hub and logger must be non-nil.
func NewServer(cfg config.RelayConfig, hub *transport.Hub, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Game clients are native apps, not browsers on a known origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	path := s.cfg.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.serveWS)
	return mux
}

// ListenAndServe listens on the configured address and serves until Stop.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (s *Server) ListenAndServe() error {
	start := time.Now()
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listener = listener
	s.srv = srv
	s.running = true
	s.mu.Unlock()

	s.logger.Info("relay listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", s.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving relay: %w", err)
	}
	return nil
}

// Addr returns the listening address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stop stops accepting, closes every connection and waits for their goroutines.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.srv
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if wasRunning && srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("relay shutdown", zap.Error(err))
		}
	}
	s.hub.CloseAll(context.Background())
	s.wg.Wait()
	s.logger.Info("relay stopped")
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serveConn(ws)
}

func (s *Server) serveConn(ws *websocket.Conn) {
	start := time.Now()
	c := s.hub.Attach(ws.RemoteAddr().String(), func() error {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		return ws.Close()
	})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go s.heartbeat(ctx, ws)
	go func() {
		err := s.hub.Pump(ctx, c, func(env protocol.Envelope) error {
			if err := ws.SetWriteDeadline(time.Now().Add(s.writeTimeout())); err != nil {
				return err
			}
			return ws.WriteJSON(env)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("relay write failed", zap.String("conn", c.Key()), zap.Error(err))
			_ = ws.Close()
		}
	}()

	s.readPump(ctx, ws, c)
	s.hub.Detach(context.WithoutCancel(ctx), c)
	s.logger.Info("relay connection closed",
		zap.String("conn", c.Key()),
		zap.String("remote_addr", c.Remote()),
		zap.Duration("duration", time.Since(start)),
	)
}

func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, c *transport.Conn) {
	pongWait := 2 * s.cfg.HeartbeatInterval
	ws.SetReadLimit(framing.DefaultMaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	limit := rate.Inf
	if s.cfg.RateLimit > 0 {
		limit = rate.Limit(s.cfg.RateLimit)
	}
	limiter := rate.NewLimiter(limit, max(s.cfg.RateBurst, 1))

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("relay read failed", zap.String("conn", c.Key()), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			s.hub.Reject(c, fmt.Errorf("unexpected websocket message type %d", kind))
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.hub.Reject(c, fmt.Errorf("decoding envelope: %w", err))
			continue
		}
		if !limiter.Allow() {
			s.hub.Reject(c, ErrRateLimited)
			if env.Type == protocol.KindEvent && env.RequestID != "" {
				_ = c.Send(protocol.NewResponse(env, nil, ErrRateLimited))
			}
			continue
		}
		s.hub.Dispatch(ctx, c, env)
	}
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return defaultWriteTimeout
}

// heartbeat pings the peer; a missed pong lets the read deadline expire.
func (s *Server) heartbeat(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout())); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
