// Package negotiation establishes peer data channels by exchanging offers,
// answers and network candidates over an out-of-band signaling path.
package negotiation

import (
	"context"
	"errors"
)

// ErrCapabilityUnavailable is returned when the runtime cannot create peer connections.
var ErrCapabilityUnavailable = errors.New("negotiation: peer connections unavailable")

// ErrChannelNotOpen is returned when sending before the data channel opened.
var ErrChannelNotOpen = errors.New("negotiation: data channel not open")

// State is the connection state of a Session.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// SignalType is the kind of a signaling message.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Candidate is one network candidate discovered by a peer connection.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal is one message on the signaling path. It is the payload of the
// peer:signal envelope.
type Signal struct {
	Type      SignalType `json:"type"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Signaler delivers signals to the remote peer named in Signal.To.
type Signaler interface {
	Signal(ctx context.Context, sig Signal) error
}

// DataChannel is an ordered message channel between two peers.
type DataChannel interface {
	Label() string
	Send(msg []byte) error
	OnOpen(fn func())
	OnMessage(fn func(msg []byte))
	OnClose(fn func())
	Close() error
}

// PeerConnection abstracts the negotiated connection implementation.
type PeerConnection interface {
	// CreateOffer creates and applies the local offer, returning its SDP.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer creates and applies the local answer, returning its SDP.
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(kind SignalType, sdp string) error
	AddCandidate(c Candidate) error
	CreateDataChannel(label string) (DataChannel, error)
	// OnCandidate is called for each local candidate, and with nil once gathering completes.
	OnCandidate(fn func(*Candidate))
	OnStateChange(fn func(State))
	OnDataChannel(fn func(DataChannel))
	Close() error
}

// Factory creates a PeerConnection. Failures wrap ErrCapabilityUnavailable.
type Factory func() (PeerConnection, error)
