// Package netbind builds dialers and listen configs whose sockets are bound
// to a specific network device via SO_BINDTODEVICE, independent of whatever
// routes the destination address would otherwise pick.
//
// Grounded in firestack's intra/protect/protect.go, which attaches a
// syscall.RawConn.Control callback to a *net.Dialer/*net.ListenConfig to bind
// outbound sockets to a caller-chosen interface (there: per-app Bind4/Bind6
// callbacks into platform code; here: a fixed gateway device name, since this
// proxy runs as a standalone process rather than embedded in a mobile VPN
// service). Uses golang.org/x/sys/unix for the bind syscall itself, the same
// package firestack's tunnel.go reaches for when doing raw fd/device work.
package netbind

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/coldwire/coldwire/internal/logx"
)

// Device names the network interface outbound sockets should be bound to.
// Empty means "no binding, use default routing" (e.g. when not running
// behind a TUN device).
var Device string

func controlBindToDevice(network, address string, c syscall.RawConn) error {
	if Device == "" {
		return nil
	}
	var ctlErr error
	err := c.Control(func(fd uintptr) {
		ctlErr = unix.BindToDevice(int(fd), Device)
	})
	if err != nil {
		return err
	}
	if ctlErr != nil {
		logx.W("netbind: bind to device %q failed for %s: %v", Device, network, ctlErr)
	}
	return nil
}

// Dialer returns a *net.Dialer whose sockets are bound to Device.
func Dialer() *net.Dialer {
	return &net.Dialer{Control: controlBindToDevice}
}

// ListenConfig returns a *net.ListenConfig whose sockets are bound to Device.
func ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: controlBindToDevice}
}

// DialGatewayUDP opens a UDP socket (network is "udp4" or "udp6") bound to
// Device, suitable for issuing upstream DNS queries that must egress the
// physical interface rather than loop back through a TUN redirect.
func DialGatewayUDP(ctx context.Context, network string) (net.PacketConn, error) {
	lc := ListenConfig()
	return lc.ListenPacket(ctx, network, ":0")
}

// DialContext dials address over network using a device-bound socket.
func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return Dialer().DialContext(ctx, network, address)
}
