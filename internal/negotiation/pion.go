package negotiation

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NewPionFactory returns a Factory backed by WebRTC peer connections.
//
// Postcondition: Connections use iceServers (STUN/TURN URLs) for candidate gathering.
func NewPionFactory(iceServers []string) Factory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return func() (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
		}
		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer(context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer(context.Context) (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetRemoteDescription(kind SignalType, sdp string) error {
	desc := webrtc.SessionDescription{SDP: sdp}
	switch kind {
	case SignalOffer:
		desc.Type = webrtc.SDPTypeOffer
	case SignalAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported description type %q", kind)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddCandidate(c Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (p *pionPeer) OnCandidate(fn func(*Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		cand := c.ToJSON()
		fn(&Candidate{Candidate: cand.Candidate, SDPMid: cand.SDPMid, SDPMLineIndex: cand.SDPMLineIndex})
	})
}

func (p *pionPeer) OnStateChange(fn func(State)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateNew:
			fn(StateNew)
		case webrtc.PeerConnectionStateConnecting:
			fn(StateConnecting)
		case webrtc.PeerConnectionStateConnected:
			fn(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			fn(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(StateClosed)
		}
		// Disconnected may recover on its own; failure is reported separately.
	})
}

func (p *pionPeer) OnDataChannel(fn func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

// Send writes msg as a text message; every message is one JSON envelope.
func (c *pionChannel) Send(msg []byte) error { return c.dc.SendText(string(msg)) }

func (c *pionChannel) OnOpen(fn func()) { c.dc.OnOpen(fn) }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(m webrtc.DataChannelMessage) { fn(m.Data) })
}

func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) Close() error { return c.dc.Close() }
