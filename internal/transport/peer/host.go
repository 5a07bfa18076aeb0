package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/negotiation"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

// DefaultConnectTimeout bounds negotiation until the data channel opens.
const DefaultConnectTimeout = 30 * time.Second

// Host answers offers from guests and serves each negotiated channel as a
// hub connection bound to the guest's player id.
type Host struct {
	id             string
	hub            *transport.Hub
	path           SignalPath
	factory        negotiation.Factory
	connectTimeout time.Duration
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()

	mu       sync.Mutex
	sessions map[string]*negotiation.Session
}

// NewHost creates a Host and starts answering signals addressed to id.
//
// Precondition: hub, path, factory and logger must be non-nil; id non-empty.
func NewHost(id string, hub *transport.Hub, path SignalPath, factory negotiation.Factory, connectTimeout time.Duration, logger *zap.Logger) *Host {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		id:             id,
		hub:            hub,
		path:           path,
		factory:        factory,
		connectTimeout: connectTimeout,
		logger:         logger.With(zap.String("transport", "peer")),
		ctx:            ctx,
		cancel:         cancel,
		sessions:       make(map[string]*negotiation.Session),
	}
	h.unsub = path.OnSignal(h.handleSignal)
	return h
}

// Serve blocks until Stop.
//
// Postcondition: Returns nil after Stop.
func (h *Host) Serve() error {
	h.logger.Info("peer host accepting offers", zap.String("host", h.id))
	<-h.ctx.Done()
	return nil
}

// Sessions returns the number of sessions negotiating or open.
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Host) handleSignal(ctx context.Context, sig negotiation.Signal) {
	if sig.To != h.id || sig.From == "" || h.ctx.Err() != nil {
		return
	}
	sess, err := h.session(sig)
	if err != nil {
		h.logger.Warn("refusing peer", zap.String("remote", sig.From), zap.Error(err))
		return
	}
	if sess == nil {
		h.logger.Debug("ignoring signal for unknown session",
			zap.String("remote", sig.From),
			zap.String("type", string(sig.Type)),
		)
		return
	}
	if err := sess.HandleSignal(ctx, sig); err != nil {
		h.logger.Warn("applying signal", zap.String("remote", sig.From), zap.Error(err))
		_ = sess.Close()
	}
}

// session returns the live session for sig.From, creating one when an offer
// or an early candidate opens a new negotiation.
func (h *Host) session(sig negotiation.Signal) (*negotiation.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.sessions[sig.From]; ok {
		if sig.Type != negotiation.SignalOffer || !sess.State().Terminal() {
			return sess, nil
		}
	}
	if sig.Type == negotiation.SignalAnswer {
		return nil, nil
	}
	sess, err := negotiation.NewSession(h.id, sig.From, h.factory, h.path, h.logger)
	if err != nil {
		return nil, err
	}
	h.sessions[sig.From] = sess

	c := h.hub.Attach("peer:"+sig.From, sess.Close)
	h.hub.Rekey(c, sig.From)
	sess.OnMessage(func(msg []byte) {
		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.hub.Reject(c, err)
			return
		}
		h.hub.Dispatch(h.ctx, c, env)
	})
	h.wg.Add(1)
	go h.serve(sess, c)
	return sess, nil
}

// serve pumps the hub connection c onto sess for the session's lifetime.
func (h *Host) serve(sess *negotiation.Session, c *transport.Conn) {
	defer h.wg.Done()
	start := time.Now()
	remote := sess.Remote()

	timer := time.NewTimer(h.connectTimeout)
	select {
	case <-sess.Opened():
		timer.Stop()
		h.logger.Info("peer channel open",
			zap.String("remote", remote),
			zap.Duration("negotiation", time.Since(start)),
		)
		go func() {
			<-sess.Done()
			_ = c.Close()
		}()
		err := h.hub.Pump(h.ctx, c, func(env protocol.Envelope) error {
			msg, err := json.Marshal(env)
			if err != nil {
				return err
			}
			return sess.Send(msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Debug("peer write failed", zap.String("remote", remote), zap.Error(err))
		}
	case <-sess.Done():
		timer.Stop()
	case <-timer.C:
		h.logger.Warn("peer negotiation timed out", zap.String("remote", remote))
	case <-h.ctx.Done():
		timer.Stop()
	}

	_ = sess.Close()
	h.hub.Detach(context.WithoutCancel(h.ctx), c)

	h.mu.Lock()
	if h.sessions[remote] == sess {
		delete(h.sessions, remote)
	}
	h.mu.Unlock()
	h.logger.Info("peer connection closed",
		zap.String("remote", remote),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop stops answering offers, closes every session and waits for them to finish.
func (h *Host) Stop() {
	h.cancel()
	h.unsub()
	h.hub.CloseAll(context.Background())
	h.wg.Wait()
	h.logger.Info("peer host stopped")
}
