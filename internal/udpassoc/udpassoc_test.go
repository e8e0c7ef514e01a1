package udpassoc

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/coldwire/coldwire/internal/resolver"
	"github.com/coldwire/coldwire/internal/session"
	"github.com/miekg/dns"
)

// fakePacketConn is an in-memory net.PacketConn good enough to exercise the
// uplink/downlink goroutines without touching the network.
type fakePacketConn struct {
	writes chan []byte
	reads  chan []byte
	closed chan struct{}
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		writes: make(chan []byte, 16),
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case b := <-c.reads:
		return copy(p, b), &net.UDPAddr{}, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	b := append([]byte(nil), p...)
	select {
	case c.writes <- b:
	default:
	}
	return len(p), nil
}

func (c *fakePacketConn) Close() error                       { close(c.closed); return nil }
func (c *fakePacketConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (c *fakePacketConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakePacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakePacketConn) SetWriteDeadline(t time.Time) error { return nil }

func TestConcurrentFirstPacketsCreateOneAssociation(t *testing.T) {
	m := New(nil)
	source := netip.MustParseAddrPort("10.0.0.5:5000")
	local := netip.MustParseAddrPort("10.0.0.1:1080")
	dest := session.NewResolved(netip.MustParseAddrPort("8.8.8.8:53"))

	var dialCount int
	var dialMu sync.Mutex
	pc := newFakePacketConn()
	dial := func(ctx context.Context, s session.Session) (net.PacketConn, error) {
		dialMu.Lock()
		dialCount++
		dialMu.Unlock()
		return pc, nil
	}
	reply := func(data []byte) error { return nil }

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = m.SendPacket(context.Background(), source, local, Packet{Data: []byte("x"), Dest: dest}, reply, dial)
		}()
	}
	wg.Wait()

	// allow the (at most one) goroutine to finish dialing
	time.Sleep(20 * time.Millisecond)

	dialMu.Lock()
	defer dialMu.Unlock()
	if dialCount != 1 {
		t.Fatalf("expected exactly one dial for concurrent first packets, got %d", dialCount)
	}
}

func TestUplinkWritesToDestination(t *testing.T) {
	m := New(nil)
	source := netip.MustParseAddrPort("10.0.0.5:6000")
	local := netip.MustParseAddrPort("10.0.0.1:1080")
	dest := session.NewResolved(netip.MustParseAddrPort("1.1.1.1:53"))

	pc := newFakePacketConn()
	dial := func(ctx context.Context, s session.Session) (net.PacketConn, error) { return pc, nil }
	reply := func(data []byte) error { return nil }

	if err := m.SendPacket(context.Background(), source, local, Packet{Data: []byte("query"), Dest: dest}, reply, dial); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	select {
	case w := <-pc.writes:
		if string(w) != "query" {
			t.Fatalf("unexpected write: %q", w)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for uplink write")
	}
}

// TestSendPacketOverflowReturnsResourceErrorWithoutBlocking fills an
// association's bounded uplink channel (with its dial held open so nothing
// ever drains it) and asserts that SendPacket reports overflow as a
// *ResourceError immediately, rather than blocking until the channel drains
// or the context is cancelled (spec §5 "Shared resources").
func TestSendPacketOverflowReturnsResourceErrorWithoutBlocking(t *testing.T) {
	m := New(nil)
	source := netip.MustParseAddrPort("10.0.0.5:7000")
	local := netip.MustParseAddrPort("10.0.0.1:1080")
	dest := session.NewResolved(netip.MustParseAddrPort("1.1.1.1:53"))

	dialBlock := make(chan struct{})
	defer close(dialBlock)
	dial := func(ctx context.Context, s session.Session) (net.PacketConn, error) {
		<-dialBlock
		return newFakePacketConn(), nil
	}
	reply := func(data []byte) error { return nil }

	for i := 0; i < uplinkChannelCapacity; i++ {
		pkt := Packet{Data: []byte("x"), Dest: dest}
		if err := m.SendPacket(context.Background(), source, local, pkt, reply, dial); err != nil {
			t.Fatalf("SendPacket %d: unexpected error filling channel: %v", i, err)
		}
	}

	result := make(chan error, 1)
	go func() {
		pkt := Packet{Data: []byte("overflow"), Dest: dest}
		result <- m.SendPacket(context.Background(), source, local, pkt, reply, dial)
	}()

	select {
	case err := <-result:
		if err == nil {
			t.Fatalf("expected overflow error, got nil")
		}
		var rerr *ResourceError
		if !errors.As(err, &rerr) {
			t.Fatalf("expected *ResourceError, got %T: %v", err, err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("SendPacket blocked instead of returning an overflow error")
	}
}

// startFakeUDPDNS answers every A query for "example.com." with addr and
// refuses everything else, mirroring resolver_test.go's startFakeDNS.
func startFakeUDPDNS(t *testing.T, addr net.IP) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)

			q := req.Question[0]
			if q.Name != "example.com." {
				resp.Rcode = dns.RcodeNameError
			} else if q.Qtype == dns.TypeA {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   addr,
				})
			}
			wire, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(wire, raddr)
		}
	}()

	udpAddr := conn.LocalAddr().(*net.UDPAddr)
	ap, _ := netip.AddrFromSlice(udpAddr.IP.To4())
	return netip.AddrPortFrom(ap, uint16(udpAddr.Port))
}

// TestUplinkResolvesDomainDestination asserts that a Packet whose Dest is
// still a domain name (legal per spec §4.5/§6 — SOCKS5 UDP datagrams may
// carry ATYP=DOMAIN) is actually resolved and forwarded, instead of being
// dropped forever by errUnresolvedDest.
func TestUplinkResolvesDomainDestination(t *testing.T) {
	upstream := startFakeUDPDNS(t, net.IPv4(93, 184, 216, 34))
	res := resolver.New(resolver.Config{UseIPv6: false}, []netip.AddrPort{upstream})
	m := New(res)

	source := netip.MustParseAddrPort("10.0.0.5:8000")
	local := netip.MustParseAddrPort("10.0.0.1:1080")
	dest := session.NewDomain("example.com", 80)

	pc := newFakePacketConn()
	dial := func(ctx context.Context, s session.Session) (net.PacketConn, error) { return pc, nil }
	reply := func(data []byte) error { return nil }

	if err := m.SendPacket(context.Background(), source, local, Packet{Data: []byte("payload"), Dest: dest}, reply, dial); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	select {
	case w := <-pc.writes:
		if string(w) != "payload" {
			t.Fatalf("unexpected write: %q", w)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for uplink write to resolved domain destination")
	}
}
