// Package lan serves a room from a player's own device: newline-framed JSON
// over TCP for play, UDP broadcast descriptors for discovery.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/discovery"
	"github.com/cory-johannsen/flyingchess/internal/framing"
	"github.com/cory-johannsen/flyingchess/internal/observability"
	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

const readBufferSize = 4096

// RoomLister is the registry view the discovery descriptor is built from.
type RoomLister interface {
	GetAllRooms(ctx context.Context) ([]*registry.Room, error)
}

// Host accepts player connections for the room hosted on this device and,
// when a discovery port is configured, advertises that room.
type Host struct {
	cfg      config.LANConfig
	hostName string
	hub      *transport.Hub
	rooms    RoomLister
	logger   *zap.Logger
	metrics  *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// NewHost creates a LAN Host. hostName is advertised in discovery descriptors.
//
// Precondition: hub, rooms and logger must be non-nil; metrics may be nil.
func NewHost(cfg config.LANConfig, hostName string, hub *transport.Hub, rooms RoomLister, logger *zap.Logger, metrics *observability.Metrics) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:      cfg,
		hostName: hostName,
		hub:      hub,
		rooms:    rooms,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ListenAndServe accepts connections and advertises the hosted room until Stop.
//
// Postcondition: Returns nil after Stop, discovery.ErrBroadcastUnsupported when
// the platform cannot broadcast, or the listen error.
func (h *Host) ListenAndServe() error {
	start := time.Now()
	listener, err := net.Listen("tcp", h.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.cfg.Addr(), err)
	}
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.logger.Info("lan host listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	g, ctx := errgroup.WithContext(h.ctx)
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	g.Go(func() error { return h.accept(ctx, listener) })
	if h.cfg.DiscoveryPort > 0 {
		b := discovery.NewBroadcaster(discovery.BroadcasterConfig{
			Port:             h.cfg.DiscoveryPort,
			Interval:         h.cfg.BroadcastInterval,
			FailureThreshold: h.cfg.FailureThreshold,
			Addresses:        h.cfg.BroadcastAddresses,
		}, func() (discovery.Descriptor, bool) {
			return h.Descriptor(ctx)
		}, h.logger, h.metrics)
		g.Go(func() error { return b.Run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (h *Host) accept(ctx context.Context, listener net.Listener) error {
	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				h.logger.Warn("accepting connection", zap.Error(err))
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		h.wg.Add(1)
		go h.serveConn(ctx, raw)
	}
}

func (h *Host) serveConn(ctx context.Context, raw net.Conn) {
	defer h.wg.Done()
	start := time.Now()
	c := h.hub.Attach(raw.RemoteAddr().String(), raw.Close)

	w := framing.NewWriter(raw)
	go func() {
		if err := h.hub.Pump(ctx, c, w.WriteEnvelope); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Debug("lan write failed", zap.String("conn", c.Key()), zap.Error(err))
			_ = raw.Close()
		}
	}()

	dec := framing.NewDecoder(h.cfg.MaxFrameSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := raw.Read(buf)
		if n > 0 {
			envs, errs := dec.Feed(buf[:n])
			for _, ferr := range errs {
				h.hub.Reject(c, ferr)
			}
			for _, env := range envs {
				h.hub.Dispatch(ctx, c, env)
			}
		}
		if err != nil {
			break
		}
	}

	h.hub.Detach(context.WithoutCancel(ctx), c)
	h.logger.Info("lan connection closed",
		zap.String("conn", c.Key()),
		zap.String("remote_addr", c.Remote()),
		zap.Duration("duration", time.Since(start)),
	)
}

// Descriptor describes the oldest room in the registry, the one this device hosts.
//
// Postcondition: Returns false when no room is hosted or the host is not listening.
func (h *Host) Descriptor(ctx context.Context) (discovery.Descriptor, bool) {
	port := h.Port()
	if port == 0 {
		return discovery.Descriptor{}, false
	}
	rooms, err := h.rooms.GetAllRooms(ctx)
	if err != nil {
		h.logger.Warn("reading hosted room", zap.Error(err))
		return discovery.Descriptor{}, false
	}
	if len(rooms) == 0 {
		return discovery.Descriptor{}, false
	}
	r := rooms[0]
	return discovery.Descriptor{
		RoomID:         r.ID,
		RoomName:       r.Name,
		HostName:       h.hostName,
		HostIP:         h.hostIP(),
		Port:           port,
		MaxPlayers:     r.MaxPlayers,
		CurrentPlayers: len(r.Players),
		GameType:       r.GameType,
		Timestamp:      time.Now().UnixMilli(),
	}, true
}

// hostIP is the listener's own address when it is bound to one, otherwise the
// address of the first broadcast-capable interface. Listeners fall back to the
// datagram source when it is empty.
func (h *Host) hostIP() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		if tcp, ok := h.listener.Addr().(*net.TCPAddr); ok && tcp.IP != nil && !tcp.IP.IsUnspecified() {
			return tcp.IP.String()
		}
	}
	return discovery.LocalIPv4()
}

// Addr returns the listening address, or "" before ListenAndServe.
func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return ""
}

// Port returns the listening TCP port, or 0 before ListenAndServe.
func (h *Host) Port() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return 0
	}
	if tcp, ok := h.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Stop stops advertising, closes every connection and waits for them to finish.
func (h *Host) Stop() {
	h.cancel()
	h.hub.CloseAll(context.Background())
	h.wg.Wait()
	h.logger.Info("lan host stopped")
}
