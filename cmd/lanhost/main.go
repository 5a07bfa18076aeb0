// Package main provides the device host binary: it owns one room, seats its
// own player through an in-process connection, and serves guests over the LAN
// stream socket (server.mode lan) or negotiated data channels (server.mode peer).
// The host's player takes turns through commands typed on stdin; type "help"
// for the list.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/console"
	"github.com/cory-johannsen/flyingchess/internal/gameserver"
	"github.com/cory-johannsen/flyingchess/internal/negotiation"
	"github.com/cory-johannsen/flyingchess/internal/observability"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/server"
	"github.com/cory-johannsen/flyingchess/internal/transport"
	"github.com/cory-johannsen/flyingchess/internal/transport/lan"
	"github.com/cory-johannsen/flyingchess/internal/transport/peer"
	"github.com/cory-johannsen/flyingchess/internal/transport/relay"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/lan.yaml", "path to configuration file")
	roomName := flag.String("room", "Flying Chess", "name of the hosted room")
	playerName := flag.String("player", "Host", "display name of the hosting player")
	maxPlayers := flag.Int("max-players", registry.MaxPlayers, "room capacity")
	startAt := flag.Int("start-at", 0, "start the game once this many players are seated; 0 = max-players")
	interactive := flag.Bool("console", true, "read the host player's commands from stdin")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.Server.Mode == config.ModeRelay {
		log.Fatalf("lanhost requires server.mode %q or %q", config.ModeLAN, config.ModePeer)
	}

	logger, err := observability.NewProcessLogger(cfg, "lanhost")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	stack, err := gameserver.Build(ctx, cfg, nil, logger, metrics)
	if err != nil {
		logger.Fatal("building game stack", zap.Error(err))
	}
	defer stack.Close(ctx)

	local := transport.NewLocal(ctx, stack.Hub, "")
	resp, err := local.Call(ctx, protocol.EventRoomCreate, gameserver.CreateRequest{
		RoomName:   *roomName,
		PlayerName: *playerName,
		MaxPlayers: *maxPlayers,
	})
	if err != nil {
		logger.Fatal("creating room", zap.Error(err))
	}
	var room registry.Room
	if err := json.Unmarshal(resp.Data, &room); err != nil {
		logger.Fatal("decoding room", zap.Error(err))
	}
	logger.Info("hosting room",
		zap.String("room", room.ID),
		zap.String("name", room.Name),
		zap.String("host", local.PlayerID()),
		zap.String("mode", cfg.Server.Mode),
	)

	threshold := *startAt
	if threshold <= 0 || threshold > room.MaxPlayers {
		threshold = room.MaxPlayers
	}
	unsub := autoStart(ctx, local, room.ID, threshold, logger)
	defer unsub()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	lifecycle := server.NewLifecycle(logger)
	if *interactive {
		con := console.New(local, *playerName, os.Stdout)
		con.SetRoom(room.ID)
		defer con.Watch()()
		// quit shuts the host down; end of input only stops reading.
		lifecycle.Add("console", server.NewContextService(func(ctx context.Context) error {
			err := con.Run(ctx, os.Stdin, nil)
			if errors.Is(err, console.ErrQuit) {
				stop()
				return nil
			}
			return err
		}))
	}
	if metrics != nil {
		lifecycle.Add("metrics", server.NewHTTPService("metrics", cfg.Metrics.Addr(), metrics.Handler(), logger))
	}

	switch cfg.Server.Mode {
	case config.ModeLAN:
		host := lan.NewHost(cfg.LAN, cfg.Server.Name, stack.Hub, stack.Registry, logger, metrics)
		lifecycle.Add("lan", &server.FuncService{
			StartFn: host.ListenAndServe,
			StopFn:  host.Stop,
		})
	case config.ModePeer:
		signals, err := relay.Dial(ctx, cfg.Peer.SignalingURL, peer.RetryPolicy(cfg.Peer), logger)
		if err != nil {
			logger.Fatal("connecting to signaling relay", zap.Error(err))
		}
		defer signals.Close()
		// Any request naming the player binds the relay connection to it, so
		// guests can address their offers to the host's player id.
		signals.SetPlayerID(local.PlayerID())
		if _, err := signals.Call(ctx, protocol.EventRoomList, nil); err != nil {
			logger.Fatal("registering with signaling relay", zap.Error(err))
		}
		host := peer.NewHost(local.PlayerID(), stack.Hub, peer.NewRelaySignaler(signals, logger),
			negotiation.NewPionFactory(cfg.Peer.ICEServers), cfg.Peer.ConnectTimeout, logger)
		lifecycle.Add("peer", &server.FuncService{
			StartFn: host.Serve,
			StopFn:  host.Stop,
		})
	}

	// The host leaving dissolves the room; do it while guests are still connected
	// so they receive room:closed.
	lifecycle.OnShutdown(func() { local.Close(context.Background()) })

	logger.Info("host initialized",
		zap.Int("start_at", threshold),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(runCtx); err != nil {
		logger.Fatal("host stopped", zap.Error(err))
	}
}

// autoStart starts the game once threshold players are seated in roomID.
// Broadcast handlers run on the delivery goroutine, so the start request is
// issued from its own goroutine.
func autoStart(ctx context.Context, local *transport.Local, roomID string, threshold int, logger *zap.Logger) func() {
	started := false
	return local.Subscribe(protocol.EventRoomUpdate, func(env protocol.Envelope) {
		var room registry.Room
		if err := env.Decode(&room); err != nil || room.ID != roomID {
			return
		}
		if started || room.Status != registry.StatusWaiting || len(room.Players) < threshold {
			return
		}
		started = true
		go func() {
			if _, err := local.Call(ctx, protocol.EventGameStart, gameserver.RoomRequest{RoomID: roomID}); err != nil {
				logger.Warn("starting game", zap.String("room", roomID), zap.Error(err))
				return
			}
			logger.Info("game started", zap.String("room", roomID), zap.Int("players", len(room.Players)))
		}()
	})
}
