// Package dispatch implements the connection dispatch pipeline (spec
// §4.1): sniff-on-443, route, select outbound, connect, and relay.
//
// Grounded in firestack's intra/tcp.go handleTCP/forward shape: accept a
// connection, decide where it goes, then run two io.Copy goroutines joined
// by a WaitGroup, logging but never surfacing mid-relay errors.
package dispatch

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/coldwire/coldwire/internal/logx"
	"github.com/coldwire/coldwire/internal/outbound"
	"github.com/coldwire/coldwire/internal/router"
	"github.com/coldwire/coldwire/internal/session"
	"github.com/coldwire/coldwire/internal/sniffer"
	"github.com/coldwire/coldwire/internal/udpassoc"
)

const sniffPort = 443

// Dispatcher wires together the router, outbound registry and UDP
// association manager behind the two entry points the inbound listeners
// call (spec §4.1 "Contract").
type Dispatcher struct {
	Router   *router.Router
	Outbound *outbound.Registry
	UDP      *udpassoc.Manager
}

// New builds a Dispatcher from its three collaborators.
func New(r *router.Router, reg *outbound.Registry, udp *udpassoc.Manager) *Dispatcher {
	return &Dispatcher{Router: r, Outbound: reg, UDP: udp}
}

// DispatchTCP runs the full TCP pipeline for one accepted connection. It
// always closes stream before returning.
func (d *Dispatcher) DispatchTCP(ctx context.Context, stream net.Conn, s session.Session) {
	defer stream.Close()

	local := net.Conn(stream)
	if s.LocalPeer.Port() == sniffPort {
		local, s = d.sniff(local, s)
	}

	tag, ok := d.Router.Route(s)
	if !ok {
		logx.D("dispatch: no route for %s, dropping", s.Destination)
		return
	}

	h, ok := d.Outbound.Lookup(tag)
	if !ok || h.TCP == nil {
		logx.D("dispatch: outbound %q has no tcp handler, dropping", tag)
		return
	}

	remote, err := h.TCP.DialTCP(ctx, s)
	if err != nil {
		logx.D("dispatch: outbound %q dial failed for %s: %v", tag, s.Destination, err)
		return
	}
	defer remote.Close()

	relay(local, remote)
}

// sniff wraps stream in a Sniffer when session.local_peer.port == 443 and,
// on success, rewrites s.Destination to the extracted SNI (spec §4.1 step 1).
func (d *Dispatcher) sniff(stream net.Conn, s session.Session) (net.Conn, session.Session) {
	sni, buffered, ok := sniffer.Peek(stream)
	wrapped := sniffer.NewStream(stream, buffered)
	if !ok {
		return wrapped, s
	}

	port := s.Destination.Port()
	logx.V("dispatch: sniffed sni %q for %s", sni, s.PeerAddr)
	return wrapped, s.WithDestination(session.NewDomain(sni, port))
}

// DispatchUDP routes session, selects the UDP outbound, and forwards packet
// through the association manager (spec §4.8).
func (d *Dispatcher) DispatchUDP(ctx context.Context, s session.Session, data []byte, reply udpassoc.ReplyFunc) error {
	tag, ok := d.Router.Route(s)
	if !ok {
		logx.D("dispatch: no udp route for %s, dropping", s.Destination)
		return nil
	}
	h, ok := d.Outbound.Lookup(tag)
	if !ok || h.UDP == nil {
		logx.D("dispatch: outbound %q has no udp handler, dropping", tag)
		return nil
	}

	pkt := udpassoc.Packet{Data: data, Dest: s.Destination}
	return d.UDP.SendPacket(ctx, s.PeerAddr, s.LocalPeer, pkt, reply, h.UDP.DialUDP)
}

// relay copies bytes bidirectionally between a and b until either side
// closes, logging but never surfacing copy errors (spec §4.1 step 5).
func relay(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := io.Copy(b, a); err != nil {
			logx.V("dispatch: relay a->b: %v", err)
		}
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		if _, err := io.Copy(a, b); err != nil {
			logx.V("dispatch: relay b->a: %v", err)
		}
		closeWrite(a)
	}()
	wg.Wait()
}

// closeWrite half-closes conn's write side when it supports it, so the
// other copy direction observes EOF instead of blocking until the full
// connection is torn down.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
	}
}
