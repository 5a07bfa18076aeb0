package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/observability"
)

// EventKind classifies a change in the discovered-room table.
type EventKind int

const (
	// RoomFound is emitted the first time a room is seen.
	RoomFound EventKind = iota
	// RoomUpdated is emitted when a refresh changes the advertised fields.
	RoomUpdated
	// RoomExpired is emitted when a room was not refreshed within the expiry.
	RoomExpired
)

func (k EventKind) String() string {
	switch k {
	case RoomFound:
		return "found"
	case RoomUpdated:
		return "updated"
	case RoomExpired:
		return "expired"
	}
	return "unknown"
}

// Event reports a change to one discovered room.
type Event struct {
	Kind EventKind
	Room Descriptor
}

type entry struct {
	desc Descriptor
	seen time.Time
	gen  uint64
	// timer is stopped when the entry is refreshed or the listener closes.
	timer *time.Timer
}

// Listener receives room advertisements and maintains the discovered-room table.
// All methods are safe for concurrent use.
type Listener struct {
	port    int
	expiry  time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	rooms   map[string]*entry
	subs    map[uint64]func(Event)
	nextSub uint64
	closed  bool
}

// NewListener creates a Listener for the given UDP port.
//
// Precondition: logger must be non-nil; metrics may be nil.
// Postcondition: A non-positive expiry selects DefaultExpiry.
func NewListener(port int, expiry time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Listener {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Listener{
		port:    port,
		expiry:  expiry,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		rooms:   make(map[string]*entry),
		subs:    make(map[uint64]func(Event)),
	}
}

// Run binds the discovery port and processes datagrams until ctx is cancelled.
//
// Postcondition: The socket is closed and every expiry timer stopped when Run returns.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := listenShared(ctx, ":"+strconv.Itoa(l.port))
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer l.Close()

	l.logger.Info("discovery listener started", zap.String("addr", conn.LocalAddr().String()))

	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info("discovery listener stopped")
				return nil
			}
			l.logger.Warn("reading discovery datagram", zap.Error(err))
			continue
		}
		if err := l.Observe(buf[:n], from); err != nil {
			l.logger.Debug("dropping discovery datagram",
				zap.Stringer("from", from),
				zap.Error(err),
			)
		}
	}
}

// Observe processes one datagram received from the given sender address.
// An absent hostIP is filled from the sender.
//
// Postcondition: A valid descriptor is present in Rooms() and its expiry timer restarted.
func (l *Listener) Observe(b []byte, from net.Addr) error {
	desc, err := ParseDescriptor(b)
	if err != nil {
		return err
	}
	if desc.HostIP == "" {
		if ua, ok := from.(*net.UDPAddr); ok {
			desc.HostIP = ua.IP.String()
		}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	e, exists := l.rooms[desc.RoomID]
	kind := RoomFound
	if exists {
		e.timer.Stop()
		kind = RoomUpdated
		if sameAdvertisement(e.desc, desc) {
			kind = -1
		}
	} else {
		e = &entry{}
		l.rooms[desc.RoomID] = e
	}
	e.desc = desc
	e.seen = l.now()
	e.gen++
	gen, id := e.gen, desc.RoomID
	e.timer = time.AfterFunc(l.expiry, func() { l.expire(id, gen) })
	count := len(l.rooms)
	handlers := l.handlers()
	l.mu.Unlock()

	l.metrics.SetDiscoveredRooms(count)
	if kind >= 0 {
		notify(handlers, Event{Kind: kind, Room: desc})
	}
	return nil
}

func (l *Listener) expire(id string, gen uint64) {
	l.mu.Lock()
	e, ok := l.rooms[id]
	if !ok || e.gen != gen {
		l.mu.Unlock()
		return
	}
	delete(l.rooms, id)
	count := len(l.rooms)
	handlers := l.handlers()
	l.mu.Unlock()

	l.logger.Debug("discovered room expired", zap.String("room_id", id))
	l.metrics.SetDiscoveredRooms(count)
	notify(handlers, Event{Kind: RoomExpired, Room: e.desc})
}

// Rooms returns every room refreshed within the expiry, ordered by name then id.
func (l *Listener) Rooms() []Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.expiry)
	out := make([]Descriptor, 0, len(l.rooms))
	for _, e := range l.rooms {
		if e.seen.After(cutoff) {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomName != out[j].RoomName {
			return out[i].RoomName < out[j].RoomName
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// Room returns one discovered room by id.
func (l *Listener) Room(id string) (Descriptor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rooms[id]
	if !ok || !e.seen.After(l.now().Add(-l.expiry)) {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Subscribe registers fn for table changes. Handlers run on the goroutine that
// observed the change and must not block.
//
// Postcondition: Calling the returned func removes the subscription.
func (l *Listener) Subscribe(fn func(Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// Close stops every expiry timer and clears the table. Later datagrams are ignored.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, e := range l.rooms {
		e.timer.Stop()
		delete(l.rooms, id)
	}
}

func (l *Listener) handlers() []func(Event) {
	out := make([]func(Event), 0, len(l.subs))
	for _, fn := range l.subs {
		out = append(out, fn)
	}
	return out
}

func notify(handlers []func(Event), ev Event) {
	for _, fn := range handlers {
		fn(ev)
	}
}

func sameAdvertisement(a, b Descriptor) bool {
	a.Timestamp, b.Timestamp = 0, 0
	return a == b
}
