// Package main provides a line-oriented player client. It connects through
// the configured mode's transport and turns stdin commands into requests;
// type "help" for the command list.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/console"
	"github.com/cory-johannsen/flyingchess/internal/discovery"
	"github.com/cory-johannsen/flyingchess/internal/negotiation"
	"github.com/cory-johannsen/flyingchess/internal/observability"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/transport/lan"
	"github.com/cory-johannsen/flyingchess/internal/transport/peer"
	"github.com/cory-johannsen/flyingchess/internal/transport/relay"
)

// conn is what every client transport offers.
type conn interface {
	console.Client
	Done() <-chan struct{}
	Close() error
}

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to configuration file")
	addr := flag.String("addr", "", "relay URL or LAN host:port; empty = from config (relay) or discovery (lan)")
	hostID := flag.String("host", "", "player id of the host to negotiate with (peer mode)")
	name := flag.String("name", "Player", "display name")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := observability.NewProcessLogger(cfg, "player")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	c, err := connect(ctx, cfg, *addr, *hostID, logger)
	if err != nil {
		logger.Fatal("connecting", zap.String("mode", cfg.Server.Mode), zap.Error(err))
	}
	defer c.Close()

	con := console.New(c, *name, os.Stdout)
	defer con.Watch()()

	err = con.Run(ctx, os.Stdin, c.Done())
	switch {
	case errors.Is(err, console.ErrQuit):
	case err != nil:
		logger.Error("reading commands", zap.Error(err))
	default:
		select {
		case <-c.Done():
			logger.Info("connection closed")
		default:
		}
	}
}

func connect(ctx context.Context, cfg config.Config, addr, hostID string, logger *zap.Logger) (conn, error) {
	switch cfg.Server.Mode {
	case config.ModeRelay:
		if addr == "" {
			addr = "ws://" + cfg.Relay.Addr() + cfg.Relay.Path
		}
		return relay.Dial(ctx, addr, peer.RetryPolicy(cfg.Peer), logger)
	case config.ModeLAN:
		if addr == "" {
			desc, err := discover(ctx, cfg.LAN, logger)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(os.Stdout, "found room %s (%s) at %s\n", desc.RoomID, desc.RoomName, desc.Addr())
			addr = desc.Addr()
		}
		return lan.Dial(ctx, addr, cfg.LAN, logger)
	case config.ModePeer:
		if hostID == "" {
			return nil, errors.New("peer mode requires -host")
		}
		url := addr
		if url == "" {
			url = cfg.Peer.SignalingURL
		}
		signals, err := relay.Dial(ctx, url, peer.RetryPolicy(cfg.Peer), logger)
		if err != nil {
			return nil, err
		}
		id := uuid.NewString()
		signals.SetPlayerID(id)
		if _, err := signals.Call(ctx, protocol.EventRoomList, nil); err != nil {
			_ = signals.Close()
			return nil, fmt.Errorf("registering with signaling relay: %w", err)
		}
		c, err := peer.Dial(ctx, id, hostID, peer.NewRelaySignaler(signals, logger),
			negotiation.NewPionFactory(cfg.Peer.ICEServers), cfg.Peer, logger)
		if err != nil {
			_ = signals.Close()
			return nil, err
		}
		return &peerConn{Client: c, signals: signals}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", cfg.Server.Mode)
}

// peerConn closes the signaling relay together with the data channel.
type peerConn struct {
	*peer.Client
	signals *relay.Client
}

func (p *peerConn) Close() error {
	err := p.Client.Close()
	_ = p.signals.Close()
	return err
}

// discover waits for the first joinable room advertised on the LAN.
func discover(ctx context.Context, cfg config.LANConfig, logger *zap.Logger) (discovery.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*cfg.BroadcastInterval+time.Second)
	defer cancel()

	l := discovery.NewListener(cfg.DiscoveryPort, cfg.DiscoveryExpiry, logger, nil)
	found := make(chan discovery.Descriptor, 1)
	unsub := l.Subscribe(func(ev discovery.Event) {
		if ev.Kind != discovery.RoomExpired && !ev.Room.Full() {
			select {
			case found <- ev.Room:
			default:
			}
		}
	})
	defer unsub()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	select {
	case d := <-found:
		cancel()
		<-errCh
		return d, nil
	case err := <-errCh:
		if err == nil {
			err = ctx.Err()
		}
		return discovery.Descriptor{}, fmt.Errorf("discovering rooms: %w", err)
	}
}
