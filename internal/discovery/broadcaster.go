package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/observability"
)

var (
	// ErrBroadcasterActive is returned when a second broadcaster is started in one process.
	ErrBroadcasterActive = errors.New("discovery: a broadcaster is already running")
	// ErrBroadcastUnsupported is returned when the platform cannot send broadcast datagrams.
	ErrBroadcastUnsupported = errors.New("discovery: broadcast not supported on this platform")
)

// A device hosts at most one room, so at most one broadcaster runs per process.
var broadcasterActive atomic.Bool

// SourceFunc returns the descriptor to advertise. It returns false when there
// is nothing to advertise at the moment.
type SourceFunc func() (Descriptor, bool)

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// Port is the UDP port listeners bind.
	Port int
	// Interval is the advertisement period.
	Interval time.Duration
	// FailureThreshold is the count of consecutive failed rounds tolerated; one more triggers a socket rebuild.
	FailureThreshold int
	// Addresses are broadcast targets in addition to the limited and interface broadcast addresses.
	Addresses []string
}

// Broadcaster periodically sends the current room descriptor to every
// broadcast target.
type Broadcaster struct {
	cfg     BroadcasterConfig
	source  SourceFunc
	logger  *zap.Logger
	metrics *observability.Metrics

	open     func(ctx context.Context) (net.PacketConn, error)
	targets  func() []string
	failures int
}

// NewBroadcaster creates a Broadcaster.
//
// Precondition: source and logger must be non-nil; metrics may be nil.
// Postcondition: Zero-valued config fields are replaced by the package defaults.
func NewBroadcaster(cfg BroadcasterConfig, source SourceFunc, logger *zap.Logger, metrics *observability.Metrics) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	b := &Broadcaster{
		cfg:     cfg,
		source:  source,
		logger:  logger,
		metrics: metrics,
		open:    listenBroadcast,
	}
	b.targets = func() []string { return BroadcastAddresses(b.cfg.Addresses) }
	return b
}

// Run advertises until ctx is cancelled.
//
// Postcondition: Returns ErrBroadcasterActive when another broadcaster is running,
// ErrBroadcastUnsupported on platforms without broadcast, nil on cancellation, or
// the error that made a socket rebuild give up.
func (b *Broadcaster) Run(ctx context.Context) error {
	if !broadcasterActive.CompareAndSwap(false, true) {
		return ErrBroadcasterActive
	}
	defer broadcasterActive.Store(false)

	conn, err := b.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	targets := b.resolve()
	b.logger.Info("discovery broadcaster started",
		zap.Int("port", b.cfg.Port),
		zap.Strings("targets", targetStrings(targets)),
		zap.Duration("interval", b.cfg.Interval),
	)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		if !b.round(conn, targets) {
			b.failures++
			if b.failures > b.cfg.FailureThreshold {
				b.logger.Warn("broadcast failing, rebuilding socket",
					zap.Int("consecutive_failures", b.failures),
				)
				conn.Close()
				conn = nil
				next, err := b.rebuild(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("rebuilding broadcast socket: %w", err)
				}
				conn = next
				b.metrics.SocketRebuilt()
				targets = b.resolve()
				b.failures = 0
			}
		} else {
			b.failures = 0
		}

		select {
		case <-ctx.Done():
			b.logger.Info("discovery broadcaster stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// round sends one advertisement to every target. It reports false when no
// target accepted the datagram.
func (b *Broadcaster) round(conn net.PacketConn, targets []*net.UDPAddr) bool {
	desc, ok := b.source()
	if !ok {
		return true
	}
	desc.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(desc)
	if err != nil {
		b.logger.Error("encoding descriptor", zap.Error(err))
		return true
	}

	sent := 0
	for _, addr := range targets {
		if _, err := conn.WriteTo(payload, addr); err != nil {
			b.metrics.BroadcastFailed()
			b.logger.Debug("broadcast send failed",
				zap.String("target", addr.String()),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent > 0
}

func (b *Broadcaster) rebuild(ctx context.Context) (net.PacketConn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.Interval / 4
	eb.MaxInterval = 4 * b.cfg.Interval

	return backoff.Retry(ctx, func() (net.PacketConn, error) {
		pc, err := b.open(ctx)
		if errors.Is(err, ErrBroadcastUnsupported) {
			return nil, backoff.Permanent(err)
		}
		return pc, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("broadcast socket rebuild failed",
				zap.Error(err),
				zap.Duration("retry_in", next),
			)
		}),
	)
}

func (b *Broadcaster) resolve() []*net.UDPAddr {
	var out []*net.UDPAddr
	for _, host := range b.targets() {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(b.cfg.Port)))
		if err != nil {
			b.logger.Warn("skipping broadcast target", zap.String("host", host), zap.Error(err))
			continue
		}
		out = append(out, addr)
	}
	return out
}

func targetStrings(addrs []*net.UDPAddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// BroadcastAddresses returns the limited broadcast address, the directed
// broadcast address of every up, non-loopback IPv4 interface, and extras,
// without duplicates.
func BroadcastAddresses(extras []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(net.IPv4bcast.String())

	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if ipnet, ok := a.(*net.IPNet); ok {
					if bc := directedBroadcast(ipnet); bc != nil {
						add(bc.String())
					}
				}
			}
		}
	}
	for _, e := range extras {
		add(e)
	}
	return out
}

// LocalIPv4 returns the first IPv4 address of an up, non-loopback,
// broadcast-capable interface, or "" when there is none.
func LocalIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				if ip := ipnet.IP.To4(); ip != nil && !ip.IsLoopback() {
					return ip.String()
				}
			}
		}
	}
	return ""
}

func directedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if ip == nil || len(mask) != net.IPv4len {
		return nil
	}
	bc := make(net.IP, net.IPv4len)
	for i := range ip {
		bc[i] = ip[i] | ^mask[i]
	}
	return bc
}
