package tunnat

import (
	"net/netip"
	"testing"
)

// newTestEngine builds an Engine with a fixed fake-address pool and
// listener address, bypassing New's real socket bind so HandlePacket's NAT
// bookkeeping can be tested in isolation.
func newTestEngine() *Engine {
	return &Engine{
		freeAddrs:    []netip.Addr{netip.MustParseAddr("10.0.0.7")},
		nat:          newNat(),
		listenerAddr: netip.MustParseAddrPort("10.0.0.1:9999"),
	}
}

func TestHandlePacketNewConnectionAllocatesFake(t *testing.T) {
	e := newTestEngine()
	src := netip.MustParseAddrPort("10.0.0.5:33000")
	dest := netip.MustParseAddrPort("8.8.8.8:443")

	newSrc, newDest, ok := e.HandlePacket(src, dest, true, false, false, false)
	if !ok {
		t.Fatalf("expected SYN to allocate a mapping")
	}
	if newSrc.Addr() != netip.MustParseAddr("10.0.0.7") {
		t.Fatalf("unexpected fake src: %v", newSrc)
	}
	if newDest != e.listenerAddr {
		t.Fatalf("expected rewrite to listener addr, got %v", newDest)
	}
}

func TestHandlePacketReplyRewrite(t *testing.T) {
	e := newTestEngine()
	src := netip.MustParseAddrPort("10.0.0.5:33000")
	dest := netip.MustParseAddrPort("8.8.8.8:443")

	fakeSrc, _, _ := e.HandlePacket(src, dest, true, false, false, false)

	// a reply arrives as (listenerAddr -> fakeSrc)
	newSrc, newDest, ok := e.HandlePacket(e.listenerAddr, fakeSrc, false, true, false, false)
	if !ok {
		t.Fatalf("expected reply packet to be recognized")
	}
	if newSrc != dest || newDest != src {
		t.Fatalf("expected reply rewritten to (%v,%v), got (%v,%v)", dest, src, newSrc, newDest)
	}
}

func TestHandlePacketTeardownSequence(t *testing.T) {
	e := newTestEngine()
	src := netip.MustParseAddrPort("10.0.0.5:33000")
	dest := netip.MustParseAddrPort("8.8.8.8:443")

	fake, _, _ := e.HandlePacket(src, dest, true, false, false, false)

	// client FIN: Established -> FinWait
	if _, _, ok := e.HandlePacket(src, dest, false, true, false, true); !ok {
		t.Fatalf("expected client FIN to be handled")
	}
	conn, ok := e.nat.connections.Get(fake)
	if !ok || conn.state != FinWait {
		t.Fatalf("expected FinWait after client FIN, got %+v ok=%v", conn, ok)
	}

	// server FIN (arrives as a reply): FinWait -> LastAck
	if _, _, ok := e.HandlePacket(e.listenerAddr, fake, false, true, false, true); !ok {
		t.Fatalf("expected server FIN to be handled")
	}
	conn, ok = e.nat.connections.Get(fake)
	if !ok || conn.state != LastAck {
		t.Fatalf("expected LastAck after server FIN, got %+v ok=%v", conn, ok)
	}

	// final client ACK while in LastAck removes both map entries
	if _, _, ok := e.HandlePacket(src, dest, false, true, false, false); !ok {
		t.Fatalf("expected final ACK to be handled")
	}
	if _, ok := e.nat.connections.Get(fake); ok {
		t.Fatalf("expected connections entry removed after final ACK")
	}
	if _, ok := e.nat.mapping.Get(mappingKey{src, dest}); ok {
		t.Fatalf("expected mapping entry removed after final ACK")
	}
}

func TestHandlePacketUnknownDropped(t *testing.T) {
	e := newTestEngine()
	_, _, ok := e.HandlePacket(
		netip.MustParseAddrPort("10.0.0.9:1234"),
		netip.MustParseAddrPort("1.1.1.1:80"),
		false, true, false, false,
	)
	if ok {
		t.Fatalf("expected unknown connection to be dropped")
	}
}
