// Package udpassoc implements the UDP Association Manager (spec §4.8): a
// mutex-guarded source→association map with an uplink/downlink goroutine
// pair per flow, guaranteeing at most one association exists per
// source_peer_addr at a time.
//
// Grounded in firestack's intra/udp.go (the per-flow uplink/downlink
// goroutine shape) and intra/core/expiringmap.go (a single-mutex map of
// live flows, the same granularity spec §5 calls for — "more granular
// sharding is unnecessary and risks violating the at-most-one-association
// invariant").
package udpassoc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/coldwire/coldwire/internal/logx"
	"github.com/coldwire/coldwire/internal/resolver"
	"github.com/coldwire/coldwire/internal/session"
)

// errUnresolvedDest means a Packet's Dest was still a domain name and either
// no Resolver was configured or resolution produced no usable address.
var errUnresolvedDest = errors.New("udpassoc: destination could not be resolved")

var errUplinkFull = errors.New("uplink channel full")

// ResourceError reports a bounded-resource exhaustion (spec §7
// "ResourceError"), e.g. a full uplink channel.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

const uplinkChannelCapacity = 100

// Packet is one UDP datagram travelling through an association, carrying
// the destination it should be forwarded to (spec §3 "NatEntry (UDP)").
type Packet struct {
	Data []byte
	Dest session.Address
}

// ReplyFunc delivers a downlink datagram's raw payload back to the inbound
// socket's per-source send loop.
type ReplyFunc func(data []byte) error

// DialUDPFunc opens the outbound datagram handle for a newly observed
// source_peer_addr; it mirrors outbound.UDPHandler.DialUDP without this
// package needing to import the outbound package (it only needs the one
// method from whichever handler the dispatcher selected).
type DialUDPFunc func(ctx context.Context, s session.Session) (net.PacketConn, error)

type association struct {
	uplink chan Packet
	cancel context.CancelFunc
}

// Manager implements at-most-one-association-per-source-peer (spec §3, §4.8).
type Manager struct {
	mu       sync.Mutex
	assoc    map[netip.AddrPort]*association
	resolver *resolver.Resolver
}

// New builds an empty Manager. res resolves Packet.Dest values that are
// still domain names (SOCKS5 UDP datagrams may legally carry ATYP=DOMAIN);
// it may be nil, in which case domain destinations fail to forward.
func New(res *resolver.Resolver) *Manager {
	return &Manager{assoc: make(map[netip.AddrPort]*association), resolver: res}
}

// SendPacket enqueues packet for delivery to packet.Dest on behalf of
// sourcePeer, creating a new association (and its uplink/downlink
// goroutines) if one does not already exist. localPeer (with Network fixed
// to UDP) builds the Session handed to dial when an association must be
// created.
//
// The enqueue is non-blocking (spec §5 "Shared resources": the bounded
// uplink channel signals overflow as a failure on the producing side rather
// than blocking the caller — original_source/src/app/udp_association_manager.rs's
// do_send uses a non-blocking try_send for the same reason). A full channel
// therefore never stalls delivery to any other source_peer_addr sharing the
// same inbound socket.
func (m *Manager) SendPacket(
	ctx context.Context,
	sourcePeer netip.AddrPort,
	localPeer netip.AddrPort,
	packet Packet,
	reply ReplyFunc,
	dial DialUDPFunc,
) error {
	m.mu.Lock()
	a, ok := m.assoc[sourcePeer]
	if !ok {
		a = m.createLocked(sourcePeer, localPeer, packet.Dest, reply, dial)
	}
	m.mu.Unlock()

	select {
	case a.uplink <- packet:
		return nil
	default:
		return &ResourceError{Resource: "udp uplink", Err: errUplinkFull}
	}
}

// createLocked must be called with m.mu held; it builds the association,
// registers it, and spawns its uplink/downlink goroutines.
func (m *Manager) createLocked(
	sourcePeer netip.AddrPort,
	localPeer netip.AddrPort,
	dest session.Address,
	reply ReplyFunc,
	dial DialUDPFunc,
) *association {
	ctx, cancel := context.WithCancel(context.Background())

	a := &association{
		uplink: make(chan Packet, uplinkChannelCapacity),
		cancel: cancel,
	}
	m.assoc[sourcePeer] = a

	s := session.Session{
		Destination: dest,
		PeerAddr:    sourcePeer,
		LocalPeer:   localPeer,
		Network:     session.UDP,
	}

	go m.run(ctx, sourcePeer, s, a, reply, dial)
	return a
}

// run dials the outbound datagram handle and drives the uplink/downlink
// goroutine pair until either the uplink channel or reply sink closes.
func (m *Manager) run(ctx context.Context, sourcePeer netip.AddrPort, s session.Session, a *association, reply ReplyFunc, dial DialUDPFunc) {
	defer m.remove(sourcePeer)
	defer a.cancel()

	pc, err := dial(ctx, s)
	if err != nil {
		logx.D("udpassoc: dial outbound for %s failed: %v", sourcePeer, err)
		return
	}
	defer pc.Close()

	done := make(chan struct{})
	go m.downlink(pc, reply, done)

	m.uplink(ctx, pc, a.uplink, done)
}

// uplink drains a's bounded channel, resolving each packet's destination
// (caching resolutions by hostname for the lifetime of the association) and
// writing it to pc.
func (m *Manager) uplink(ctx context.Context, pc net.PacketConn, in <-chan Packet, done <-chan struct{}) {
	resolved := make(map[string]netip.AddrPort)
	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				return
			}
			addr, err := m.resolveDest(ctx, pkt.Dest, resolved)
			if err != nil {
				logx.D("udpassoc: bad destination %v: %v", pkt.Dest, err)
				continue
			}
			if _, err := pc.WriteTo(pkt.Data, addr); err != nil {
				logx.D("udpassoc: uplink write failed: %v", err)
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// downlink loops ReadFrom on pc, forwarding raw bytes to reply until pc
// closes or reply returns an error (its sink has gone away).
func (m *Manager) downlink(pc net.PacketConn, reply ReplyFunc, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 64*1024)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if err := reply(buf[:n]); err != nil {
			logx.D("udpassoc: downlink delivery failed: %v", err)
			return
		}
	}
}

func (m *Manager) remove(sourcePeer netip.AddrPort) {
	m.mu.Lock()
	delete(m.assoc, sourcePeer)
	m.mu.Unlock()
}

// resolveDest turns dest into a net.Addr, resolving it via m.resolver (and
// caching the result in cache, keyed by hostname, for the lifetime of the
// calling uplink loop) when dest is still a domain name — the SOCKS5 UDP
// header legally carries ATYP=DOMAIN (spec §4.5/§6), so this must not be a
// permanent failure the way it would be for a malformed packet.
func (m *Manager) resolveDest(ctx context.Context, dest session.Address, cache map[string]netip.AddrPort) (net.Addr, error) {
	if ap, ok := dest.Resolved(); ok {
		return net.UDPAddrFromAddrPort(ap), nil
	}

	host, _ := dest.Domain()
	if ap, ok := cache[host]; ok {
		return net.UDPAddrFromAddrPort(ap), nil
	}
	if m.resolver == nil {
		return nil, errUnresolvedDest
	}

	addrs, err := m.resolver.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errUnresolvedDest
	}

	ap := netip.AddrPortFrom(addrs[0], dest.Port())
	cache[host] = ap
	return net.UDPAddrFromAddrPort(ap), nil
}
