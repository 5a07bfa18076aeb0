//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package discovery

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenBroadcast opens a UDP socket permitted to send to broadcast addresses.
func listenBroadcast(ctx context.Context) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		return setSockopts(c, unix.SO_BROADCAST)
	}}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("opening broadcast socket: %w", err)
	}
	return pc, nil
}

// listenShared binds the discovery port so that several listeners on one
// machine can receive the same broadcasts.
func listenShared(ctx context.Context, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		return setSockopts(c, unix.SO_REUSEADDR, unix.SO_REUSEPORT, unix.SO_BROADCAST)
	}}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("binding discovery listener on %s: %w", addr, err)
	}
	return pc, nil
}

func setSockopts(c syscall.RawConn, opts ...int) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range opts {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); sockErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		return fmt.Errorf("%w: %v", ErrBroadcastUnsupported, sockErr)
	}
	return nil
}
