// Package main provides a LAN room scanner that listens for discovery
// descriptors and prints rooms as they appear, change and expire.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/discovery"
	"github.com/cory-johannsen/flyingchess/internal/observability"
	"github.com/cory-johannsen/flyingchess/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/lan.yaml", "path to configuration file")
	duration := flag.Duration("duration", 0, "stop after this long; 0 = until interrupted")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewProcessLogger(cfg, "lanscan")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	listener := discovery.NewListener(cfg.LAN.DiscoveryPort, cfg.LAN.DiscoveryExpiry, logger, nil)
	defer listener.Close()
	var found atomic.Int64
	unsub := listener.Subscribe(func(ev discovery.Event) {
		if ev.Kind == discovery.RoomFound {
			found.Add(1)
		}
		r := ev.Room
		fmt.Fprintf(os.Stdout, "%-7s %s  %-20s host=%s addr=%s players=%d/%d\n",
			ev.Kind, r.RoomID, r.RoomName, r.HostName, r.Addr(), r.CurrentPlayers, r.MaxPlayers)
	})
	defer unsub()

	ctx := context.Background()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("discovery", server.NewContextService(listener.Run))

	logger.Info("scanning for rooms",
		zap.Int("port", cfg.LAN.DiscoveryPort),
		zap.Duration("expiry", cfg.LAN.DiscoveryExpiry),
	)
	start := time.Now()
	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("scanner stopped", zap.Error(err))
	}
	logger.Info("scan finished",
		zap.Int64("rooms_found", found.Load()),
		zap.Duration("elapsed", time.Since(start)),
	)
}
