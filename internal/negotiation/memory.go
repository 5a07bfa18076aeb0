package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemorySignaler delivers signals between sessions registered in the same process.
type MemorySignaler struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemorySignaler returns an empty MemorySignaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{sessions: make(map[string]*Session)}
}

// Register routes signals addressed to id to s.
func (m *MemorySignaler) Register(id string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = s
}

// Signal hands sig to the session registered for sig.To on a new goroutine.
func (m *MemorySignaler) Signal(_ context.Context, sig Signal) error {
	m.mu.Lock()
	target, ok := m.sessions[sig.To]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session registered for %q", sig.To)
	}
	go func() { _ = target.HandleSignal(context.Background(), sig) }()
	return nil
}

// MemoryNetwork connects PeerConnections created by its Factory entirely in
// process. A pair connects once both descriptions are applied and each side
// has received at least one remote candidate.
type MemoryNetwork struct {
	mu    sync.Mutex
	peers map[string]*memoryPeer
	// Unavailable makes the factory fail as on a runtime without peer support.
	Unavailable bool
}

// NewMemoryNetwork returns an empty MemoryNetwork.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(map[string]*memoryPeer)}
}

// Factory returns a Factory creating connections on this network.
func (n *MemoryNetwork) Factory() Factory {
	return func() (PeerConnection, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.Unavailable {
			return nil, fmt.Errorf("%w: memory network disabled", ErrCapabilityUnavailable)
		}
		p := &memoryPeer{network: n, id: uuid.NewString()}
		n.peers[p.id] = p
		return p, nil
	}
}

func (n *MemoryNetwork) lookup(id string) *memoryPeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

type memoryPeer struct {
	network *MemoryNetwork
	id      string

	mu          sync.Mutex
	localSet    bool
	remoteSet   bool
	candidates  int
	remote      *memoryPeer
	channels    []*memoryChannel
	state       State
	onCandidate func(*Candidate)
	onState     func(State)
	onDC        func(DataChannel)
}

func (p *memoryPeer) CreateOffer(context.Context) (string, error) {
	return p.describe("offer")
}

func (p *memoryPeer) CreateAnswer(context.Context) (string, error) {
	p.mu.Lock()
	ok := p.remoteSet
	p.mu.Unlock()
	if !ok {
		return "", errors.New("memory peer: answer requires a remote offer")
	}
	return p.describe("answer")
}

func (p *memoryPeer) describe(kind string) (string, error) {
	p.mu.Lock()
	p.localSet = true
	gather := p.onCandidate
	p.mu.Unlock()
	if gather != nil {
		go func() {
			gather(&Candidate{Candidate: "candidate:memory " + p.id})
			gather(nil)
		}()
	}
	p.maybeConnect()
	return kind + ":" + p.id, nil
}

func (p *memoryPeer) SetRemoteDescription(kind SignalType, sdp string) error {
	prefix := string(kind) + ":"
	if !strings.HasPrefix(sdp, prefix) {
		return fmt.Errorf("memory peer: malformed %s description", kind)
	}
	other := p.network.lookup(strings.TrimPrefix(sdp, prefix))
	if other == nil {
		return fmt.Errorf("memory peer: unknown remote %q", sdp)
	}
	p.mu.Lock()
	p.remote = other
	p.remoteSet = true
	p.mu.Unlock()
	if kind == SignalOffer {
		other.mu.Lock()
		other.remote = p
		other.mu.Unlock()
	}
	p.maybeConnect()
	return nil
}

func (p *memoryPeer) AddCandidate(Candidate) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.mu.Unlock()
		return errors.New("memory peer: candidate before remote description")
	}
	p.candidates++
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *memoryPeer) ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localSet && p.remoteSet && p.candidates > 0 && p.state == StateNew
}

// maybeConnect links both sides once they are ready. The answering side
// receives a peer channel for each channel created by the offering side.
func (p *memoryPeer) maybeConnect() {
	p.mu.Lock()
	other := p.remote
	p.mu.Unlock()
	if other == nil || !p.ready() || !other.ready() {
		return
	}

	first, second := p, other
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	if first.state != StateNew || second.state != StateNew {
		second.mu.Unlock()
		first.mu.Unlock()
		return
	}
	first.state, second.state = StateConnected, StateConnected
	type link struct {
		local  *memoryChannel
		remote *memoryChannel
		owner  *memoryPeer
	}
	var links []link
	pair := func(peer *memoryPeer, created []*memoryChannel) {
		for _, ch := range created {
			remote := newMemoryChannel(ch.label)
			ch.peer, remote.peer = remote, ch
			peer.channels = append(peer.channels, remote)
			links = append(links, link{local: ch, remote: remote, owner: peer})
		}
	}
	firstCreated := append([]*memoryChannel(nil), first.channels...)
	secondCreated := append([]*memoryChannel(nil), second.channels...)
	pair(second, firstCreated)
	pair(first, secondCreated)
	firstState, secondState := first.onState, second.onState
	second.mu.Unlock()
	first.mu.Unlock()

	if firstState != nil {
		firstState(StateConnected)
	}
	if secondState != nil {
		secondState(StateConnected)
	}
	for _, l := range links {
		l.owner.mu.Lock()
		onDC := l.owner.onDC
		l.owner.mu.Unlock()
		if onDC != nil {
			onDC(l.remote)
		}
		l.local.open()
		l.remote.open()
	}
}

func (p *memoryPeer) CreateDataChannel(label string) (DataChannel, error) {
	ch := newMemoryChannel(label)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateNew {
		return nil, errors.New("memory peer: data channels must be created before connecting")
	}
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *memoryPeer) OnCandidate(fn func(*Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *memoryPeer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *memoryPeer) OnDataChannel(fn func(DataChannel)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDC = fn
}

// Close closes every channel and moves both sides to StateClosed.
func (p *memoryPeer) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosed
	channels := p.channels
	remote := p.remote
	onState := p.onState
	p.mu.Unlock()

	p.network.mu.Lock()
	delete(p.network.peers, p.id)
	p.network.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	if onState != nil {
		onState(StateClosed)
	}
	if remote != nil {
		go func() { _ = remote.Close() }()
	}
	return nil
}

type memoryChannel struct {
	label string
	inbox chan []byte

	mu        sync.Mutex
	peer      *memoryChannel
	isOpen    bool
	closed    bool
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

func newMemoryChannel(label string) *memoryChannel {
	return &memoryChannel{label: label, inbox: make(chan []byte, 256)}
}

func (c *memoryChannel) Label() string { return c.label }

func (c *memoryChannel) open() {
	c.mu.Lock()
	if c.isOpen || c.closed {
		c.mu.Unlock()
		return
	}
	c.isOpen = true
	fn := c.onOpen
	c.mu.Unlock()

	go c.deliver()
	if fn != nil {
		fn()
	}
}

func (c *memoryChannel) deliver() {
	for msg := range c.inbox {
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (c *memoryChannel) Send(msg []byte) error {
	c.mu.Lock()
	peer := c.peer
	ok := c.isOpen && !c.closed
	c.mu.Unlock()
	if !ok || peer == nil {
		return ErrChannelNotOpen
	}
	return peer.enqueue(append([]byte(nil), msg...))
}

func (c *memoryChannel) enqueue(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelNotOpen
	}
	select {
	case c.inbox <- msg:
		return nil
	default:
		return errors.New("memory channel: inbox full")
	}
}

func (c *memoryChannel) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

func (c *memoryChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *memoryChannel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.inbox)
	peer := c.peer
	fn := c.onClose
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
	if peer != nil {
		_ = peer.Close()
	}
	return nil
}
