package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChannelLabel names the data channel that carries envelopes.
const ChannelLabel = "game"

// signalTimeout bounds delivery of one trickled candidate.
const signalTimeout = 10 * time.Second

// Session negotiates and owns the connection to one remote peer.
//
// The offering side calls Offer; both sides feed incoming signals to HandleSignal.
type Session struct {
	local    string
	remote   string
	pc       PeerConnection
	signaler Signaler
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	remoteSet bool
	pending   []Candidate
	dc        DataChannel
	onMessage func([]byte)
	onState   []func(State)

	opened     chan struct{}
	openOnce   sync.Once
	done       chan struct{}
	doneOnce   sync.Once
	cleanupErr error
}

// NewSession creates a session between local and remote using a fresh
// connection from factory.
//
// Precondition: factory, signaler and logger must be non-nil; local and remote non-empty.
// Postcondition: Returns a session in StateNew, or an error wrapping ErrCapabilityUnavailable.
func NewSession(local, remote string, factory Factory, signaler Signaler, logger *zap.Logger) (*Session, error) {
	pc, err := factory()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		local:    local,
		remote:   remote,
		pc:       pc,
		signaler: signaler,
		logger:   logger.With(zap.String("local", local), zap.String("remote", remote)),
		ctx:      ctx,
		cancel:   cancel,
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	pc.OnCandidate(s.trickle)
	pc.OnStateChange(s.transition)
	pc.OnDataChannel(func(dc DataChannel) {
		if dc.Label() != ChannelLabel {
			s.logger.Warn("ignoring unexpected data channel", zap.String("label", dc.Label()))
			return
		}
		s.attach(dc)
	})
	return s, nil
}

// Remote returns the remote peer id.
func (s *Session) Remote() string { return s.remote }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Opened is closed when the data channel opens.
func (s *Session) Opened() <-chan struct{} { return s.opened }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// PendingCandidates returns the number of remote candidates buffered until
// the remote description is set.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OnMessage sets the handler for data channel messages.
func (s *Session) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnStateChange registers a state transition observer.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

// Offer creates the data channel and sends the local offer.
//
// Precondition: The session is in StateNew and this side is the offerer.
func (s *Session) Offer(ctx context.Context) error {
	dc, err := s.pc.CreateDataChannel(ChannelLabel)
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	s.attach(dc)

	sdp, err := s.pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	s.transition(StateConnecting)
	if err := s.signaler.Signal(ctx, Signal{Type: SignalOffer, From: s.local, To: s.remote, SDP: sdp}); err != nil {
		return fmt.Errorf("sending offer: %w", err)
	}
	return nil
}

// HandleSignal applies one signal received from the remote peer.
// Candidates that arrive before the remote description are buffered and
// applied once it is set.
func (s *Session) HandleSignal(ctx context.Context, sig Signal) error {
	if s.State().Terminal() {
		return nil
	}
	switch sig.Type {
	case SignalOffer:
		if err := s.pc.SetRemoteDescription(SignalOffer, sig.SDP); err != nil {
			return fmt.Errorf("applying offer: %w", err)
		}
		s.flush()
		sdp, err := s.pc.CreateAnswer(ctx)
		if err != nil {
			return fmt.Errorf("creating answer: %w", err)
		}
		s.transition(StateConnecting)
		if err := s.signaler.Signal(ctx, Signal{Type: SignalAnswer, From: s.local, To: s.remote, SDP: sdp}); err != nil {
			return fmt.Errorf("sending answer: %w", err)
		}
	case SignalAnswer:
		if err := s.pc.SetRemoteDescription(SignalAnswer, sig.SDP); err != nil {
			return fmt.Errorf("applying answer: %w", err)
		}
		s.flush()
	case SignalCandidate:
		if sig.Candidate == nil {
			return nil
		}
		s.mu.Lock()
		if !s.remoteSet {
			s.pending = append(s.pending, *sig.Candidate)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		if err := s.pc.AddCandidate(*sig.Candidate); err != nil {
			return fmt.Errorf("adding candidate: %w", err)
		}
	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
	return nil
}

func (s *Session) flush() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddCandidate(c); err != nil {
			s.logger.Warn("applying buffered candidate", zap.Error(err))
		}
	}
	if len(pending) > 0 {
		s.logger.Debug("flushed buffered candidates", zap.Int("count", len(pending)))
	}
}

func (s *Session) trickle(c *Candidate) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, signalTimeout)
	defer cancel()
	err := s.signaler.Signal(ctx, Signal{Type: SignalCandidate, From: s.local, To: s.remote, Candidate: c})
	if err != nil && s.ctx.Err() == nil {
		s.logger.Warn("sending candidate", zap.Error(err))
	}
}

func (s *Session) attach(dc DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.openOnce.Do(func() { close(s.opened) })
		s.logger.Debug("data channel open")
	})
	dc.OnMessage(func(msg []byte) {
		s.mu.Lock()
		fn := s.onMessage
		s.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	})
	dc.OnClose(func() {
		s.transition(StateClosed)
	})
}

// transition moves forward to next unless the session is already terminal, and
// cleans up on entering a terminal state.
func (s *Session) transition(next State) {
	s.mu.Lock()
	if s.state.Terminal() || next <= s.state {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	observers := append([]func(State){}, s.onState...)
	s.mu.Unlock()

	s.logger.Debug("negotiation state",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
	)
	if next.Terminal() {
		s.cleanup()
	}
	for _, fn := range observers {
		fn(next)
	}
}

func (s *Session) cleanup() {
	s.doneOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		dc := s.dc
		s.pending = nil
		s.mu.Unlock()
		if dc != nil {
			_ = dc.Close()
		}
		s.cleanupErr = s.pc.Close()
		close(s.done)
	})
}

// Send writes one message on the data channel.
func (s *Session) Send(msg []byte) error {
	select {
	case <-s.opened:
	default:
		return ErrChannelNotOpen
	}
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	return dc.Send(msg)
}

// Close ends the session and releases the connection.
//
// Postcondition: State() == StateClosed unless the session had already failed.
func (s *Session) Close() error {
	s.transition(StateClosed)
	<-s.done
	return s.cleanupErr
}
