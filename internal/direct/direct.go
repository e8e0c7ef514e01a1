// Package direct implements the "direct" outbound kind (spec §4.7): resolve
// the destination, dial the first address returned, and hand the stream (or
// a wildcard-bound UDP socket) straight back to the dispatcher unmodified.
//
// Grounded in firestack's split-resolution helper (intra/split/ips.go),
// which likewise tries DNS-resolved addresses as a fixed ordered list and
// takes the first that dials successfully, though here the core spec calls
// only for the first returned address rather than a full Happy-Eyeballs
// fallback sweep.
package direct

import (
	"context"
	"fmt"
	"net"

	"github.com/coldwire/coldwire/internal/netbind"
	"github.com/coldwire/coldwire/internal/resolver"
	"github.com/coldwire/coldwire/internal/session"
)

// Outbound is the direct TCP/UDP outbound handler.
type Outbound struct {
	Resolver *resolver.Resolver
}

// DialTCP resolves s.Destination if needed and connects to the first
// address returned.
func (o *Outbound) DialTCP(ctx context.Context, s session.Session) (net.Conn, error) {
	addr, err := o.resolve(ctx, s.Destination)
	if err != nil {
		return nil, fmt.Errorf("direct: resolve: %w", err)
	}
	conn, err := netbind.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("direct: dial %s: %w", addr, err)
	}
	return conn, nil
}

// DialUDP opens a fresh UDP socket bound to the wildcard address for the
// destination's family; the caller sends/receives using the session's
// resolved destination as the peer address.
func (o *Outbound) DialUDP(ctx context.Context, s session.Session) (net.PacketConn, error) {
	network := "udp4"
	if ap, ok := s.Destination.Resolved(); ok && ap.Addr().Is6() {
		network = "udp6"
	}
	pc, err := netbind.ListenConfig().ListenPacket(ctx, network, ":0")
	if err != nil {
		return nil, fmt.Errorf("direct: listen udp: %w", err)
	}
	return pc, nil
}

func (o *Outbound) resolve(ctx context.Context, dest session.Address) (string, error) {
	if ap, ok := dest.Resolved(); ok {
		return ap.String(), nil
	}
	host, _ := dest.Domain()
	addrs, err := o.Resolver.Lookup(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("direct: no addresses for %q", host)
	}
	return net.JoinHostPort(addrs[0].String(), fmt.Sprintf("%d", dest.Port())), nil
}
