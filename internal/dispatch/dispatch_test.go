package dispatch

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/coldwire/coldwire/internal/outbound"
	"github.com/coldwire/coldwire/internal/router"
	"github.com/coldwire/coldwire/internal/session"
	"github.com/coldwire/coldwire/internal/udpassoc"
)

type fakeTCPHandler struct {
	remote net.Conn
	got    session.Session
}

func (f *fakeTCPHandler) DialTCP(ctx context.Context, s session.Session) (net.Conn, error) {
	f.got = s
	return f.remote, nil
}

func TestDispatchTCPRoutesAndRelays(t *testing.T) {
	rt := router.New([]router.Rule{{Target: "direct", Domain: []string{"example.com"}}})

	clientRemote, serverRemote := net.Pipe()
	h := &fakeTCPHandler{remote: serverRemote}
	reg, err := outbound.NewRegistry([]*outbound.Handler{{Tag: "direct", TCP: h}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	d := New(rt, reg, udpassoc.New(nil))

	local, far := net.Pipe()
	s := session.Session{
		Destination: session.NewDomain("example.com", 443),
		PeerAddr:    netip.MustParseAddrPort("10.0.0.1:1234"),
		LocalPeer:   netip.MustParseAddrPort("10.0.0.2:8080"),
		Network:     session.TCP,
	}

	done := make(chan struct{})
	go func() {
		d.DispatchTCP(context.Background(), far, s)
		close(done)
	}()

	if _, err := local.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(clientRemote, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}
	if h.got.Destination.Host() != "example.com" {
		t.Fatalf("unexpected destination: %v", h.got.Destination)
	}

	local.Close()
	clientRemote.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DispatchTCP did not return after both sides closed")
	}
}

func TestDispatchTCPNoRouteDropsConnection(t *testing.T) {
	rt := router.New(nil)
	reg, _ := outbound.NewRegistry(nil)
	d := New(rt, reg, udpassoc.New(nil))

	local, far := net.Pipe()
	s := session.Session{
		Destination: session.NewDomain("unmatched.example", 80),
		PeerAddr:    netip.MustParseAddrPort("10.0.0.1:1234"),
		LocalPeer:   netip.MustParseAddrPort("10.0.0.2:8080"),
		Network:     session.TCP,
	}

	done := make(chan struct{})
	go func() {
		d.DispatchTCP(context.Background(), far, s)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected DispatchTCP to return immediately with no matching route")
	}

	if _, err := local.Write([]byte("x")); err == nil {
		t.Fatal("expected write to closed local side to fail")
	}
}
