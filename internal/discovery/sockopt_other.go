//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package discovery

import (
	"context"
	"fmt"
	"net"
)

func listenBroadcast(context.Context) (net.PacketConn, error) {
	return nil, ErrBroadcastUnsupported
}

func listenShared(ctx context.Context, addr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("binding discovery listener on %s: %w", addr, err)
	}
	return pc, nil
}
