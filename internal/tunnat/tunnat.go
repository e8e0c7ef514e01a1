// Package tunnat implements the TUN TCP NAT engine (spec §4.10): fake
// source-address allocation out of a reserved /24, a dual (src,dest)↔fake
// mapping, FSM-driven teardown, and IP/TCP checksum recomputation for
// packets rewritten in place.
//
// Grounded directly in original_source/src/proxy/tun/tcp.rs's Nat/TcpTun
// types — the allocation loop, the two-map insert/remove pairing, and the
// handle_packet branch structure here are a line-for-line port of that
// file's logic into Go, using internal/natcache (itself generalized from
// firestack's intra/core/expiringmap.go) in place of the original's
// lru_time_cache for the 24h-expiring maps, and
// gvisor.dev/gvisor/pkg/tcpip/header purely for its IPv4/TCP checksum
// helpers — not gVisor's netstack/TCP-forwarder machinery, since this
// engine rewrites packet bytes in place rather than reimplementing a
// TCP/IP stack.
package tunnat

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/coldwire/coldwire/internal/logx"
	"github.com/coldwire/coldwire/internal/natcache"
	"github.com/coldwire/coldwire/internal/netbind"
)

const (
	natExpiry    = 24 * time.Hour
	freePoolSize = 10
	minEphemeral = 1024
	maxPort      = 65535
)

// State is the TCP teardown state tracked per TcpConnection (spec §3).
type State int

const (
	Established State = iota
	FinWait
	LastAck
)

type tcpConnection struct {
	src, dest, fake netip.AddrPort
	state           State
}

// Nat owns the dual mapping tables: (src,dest)→fake and fake→entry. Both
// are expiry-bounded so abandoned flows self-clean after 24h (spec §3
// "Lifecycles").
type Nat struct {
	mu          sync.Mutex
	mapping     *natcache.Map[mappingKey, netip.AddrPort]
	connections *natcache.Map[netip.AddrPort, *tcpConnection]
}

type mappingKey struct {
	src, dest netip.AddrPort
}

func newNat() *Nat {
	return &Nat{
		mapping:     natcache.New[mappingKey, netip.AddrPort](natExpiry),
		connections: natcache.New[netip.AddrPort, *tcpConnection](natExpiry),
	}
}

// Engine is the TUN TCP NAT subsystem: it owns the fake-address pool, the
// Nat tables, and the local redirect listener's bound address.
type Engine struct {
	freeAddrs    []netip.Addr
	nat          *Nat
	listenerAddr netip.AddrPort
}

// New allocates the /24's listener address (first host) and up to
// freePoolSize further hosts as the fake source pool, and starts the
// redirect listener.
func New(ctx context.Context, tunCIDR netip.Prefix) (*Engine, error) {
	hosts := iterHosts(tunCIDR)
	if len(hosts) == 0 {
		return nil, fmt.Errorf("tunnat: %s has no usable host addresses", tunCIDR)
	}

	listenerIP := hosts[0]
	lc := netbind.ListenConfig()
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(listenerIP.String(), "0"))
	if err != nil {
		return nil, fmt.Errorf("tunnat: listen on redirect address: %w", err)
	}
	localAddr := ln.Addr().(*net.TCPAddr)
	listenerAddr := netip.AddrPortFrom(listenerIP, uint16(localAddr.Port))

	rest := hosts[1:]
	if len(rest) > freePoolSize {
		rest = rest[:freePoolSize]
	}

	e := &Engine{
		freeAddrs:    rest,
		nat:          newNat(),
		listenerAddr: listenerAddr,
	}

	go e.acceptLoop(ctx, ln)
	return e, nil
}

func iterHosts(p netip.Prefix) []netip.Addr {
	var hosts []netip.Addr
	addr := p.Masked().Addr()
	for {
		if p.Contains(addr) && addr != p.Masked().Addr() {
			hosts = append(hosts, addr)
		}
		addr = addr.Next()
		if !p.Contains(addr) {
			break
		}
	}
	return hosts
}

// HandlePacket implements the spec §4.10 handle_packet algorithm: it
// decides the rewritten (src,dest) pair for one TCP segment, updates the
// teardown state, and returns (newSrc, newDest, ok=true) when the packet
// should be forwarded.
func (e *Engine) HandlePacket(src, dest netip.AddrPort, syn, ack, rst, fin bool) (netip.AddrPort, netip.AddrPort, bool) {
	e.nat.mu.Lock()
	defer e.nat.mu.Unlock()

	var conn *tcpConnection
	isReply := false

	switch {
	case syn && !ack:
		conn = e.allocateLocked(src, dest)
	default:
		if fake, ok := e.nat.mapping.Get(mappingKey{src, dest}); ok {
			conn, _ = e.nat.connections.Get(fake)
		} else if c, ok := e.nat.connections.Get(dest); ok {
			conn = c
			isReply = true
		} else {
			logx.D("tunnat: unknown connection from %s -> %s", src, dest)
			return netip.AddrPort{}, netip.AddrPort{}, false
		}
	}
	if conn == nil {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}

	var newSrc, newDest netip.AddrPort
	if isReply {
		newSrc, newDest = conn.dest, conn.src
	} else {
		newSrc, newDest = conn.fake, e.listenerAddr
	}

	switch {
	case rst || (ack && conn.state == LastAck):
		e.nat.mapping.Del(mappingKey{conn.src, conn.dest})
		e.nat.connections.Del(conn.fake)
	case fin:
		switch conn.state {
		case Established:
			conn.state = FinWait
		case FinWait:
			conn.state = LastAck
		}
	}

	return newSrc, newDest, true
}

// allocateLocked samples a fresh (fake ip, ephemeral port) pair and
// registers both map entries together (spec §3 invariant: mapping and
// connections entries are inserted/removed as a pair).
func (e *Engine) allocateLocked(src, dest netip.AddrPort) *tcpConnection {
	for {
		ip := e.freeAddrs[rand.Intn(len(e.freeAddrs))]
		port := uint16(rand.Intn(maxPort-minEphemeral+1) + minEphemeral)
		fake := netip.AddrPortFrom(ip, port)

		if _, exists := e.nat.connections.Get(fake); exists {
			continue
		}
		conn := &tcpConnection{src: src, dest: dest, fake: fake, state: Established}
		e.nat.mapping.Add(mappingKey{src, dest}, fake)
		e.nat.connections.Add(fake, conn)
		return conn
	}
}

// acceptLoop accepts connections on the redirect listener; each accepted
// connection's remote address is the fake address chosen at allocation
// time, which recovers the real (src,dest) pair to dial out to.
func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logx.W("tunnat: accept error: %v", err)
			continue
		}

		remote, err := netip.ParseAddrPort(conn.RemoteAddr().String())
		if err != nil {
			logx.W("tunnat: bad remote addr %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		e.nat.mu.Lock()
		entry, ok := e.nat.connections.Get(remote)
		e.nat.mu.Unlock()
		if !ok {
			logx.W("tunnat: unknown connection from %s", remote)
			conn.Close()
			continue
		}

		go e.handleRedirect(ctx, conn, entry.fake, entry.dest)
	}
}

// handleRedirect dials out to dest, binding the local side to fake so that
// the reply traffic the kernel routes back carries fake as its
// destination — the fix spec §9's open question calls for, since the
// original implementation dials out without pinning the source address.
func (e *Engine) handleRedirect(ctx context.Context, local net.Conn, fake, dest netip.AddrPort) {
	defer local.Close()

	d := &net.Dialer{
		LocalAddr: net.TCPAddrFromAddrPort(fake),
		Control:   netbind.Dialer().Control,
	}
	remote, err := d.DialContext(ctx, "tcp", dest.String())
	if err != nil {
		logx.D("tunnat: connect to %s failed: %v", dest, err)
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(remote, local) }()
	go func() { defer wg.Done(); _, _ = io.Copy(local, remote) }()
	wg.Wait()
}

// RewriteHeaders recomputes and writes back the IPv4/TCP headers in packet
// (which must be a complete IPv4 datagram) after its (src,dest) have been
// changed to newSrc/newDest, preserving total length in place.
func RewriteHeaders(packet []byte, newSrc, newDest netip.AddrPort) error {
	if len(packet) < header.IPv4MinimumSize {
		return fmt.Errorf("tunnat: packet too short for ipv4 header")
	}
	ip := header.IPv4(packet)
	ihl := int(ip.HeaderLength())
	if len(packet) < ihl+header.TCPMinimumSize {
		return fmt.Errorf("tunnat: packet too short for tcp header")
	}

	srcAddr := tcpipAddr(newSrc.Addr())
	dstAddr := tcpipAddr(newDest.Addr())

	ip.SetSourceAddress(srcAddr)
	ip.SetDestinationAddress(dstAddr)
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	tcpBuf := packet[ihl:]
	tcp := header.TCP(tcpBuf)
	tcp.SetSourcePort(newSrc.Port())
	tcp.SetDestinationPort(newDest.Port())
	tcp.SetChecksum(0)
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, srcAddr, dstAddr, uint16(len(tcpBuf)))
	xsum = header.Checksum(tcpBuf[tcp.DataOffset():], xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))

	return nil
}

func tcpipAddr(a netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(a.As4())
}
