package socks

import (
	"net"
	"net/netip"
	"testing"

	"github.com/coldwire/coldwire/internal/session"
)

func TestNegotiateSelectsNoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{ver5, 2, 0x02, methodNoAuth})
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- Negotiate(server) }()

	reply := make([]byte, 2)
	if _, err := readAll(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != ver5 || reply[1] != methodNoAuth {
		t.Fatalf("unexpected negotiation reply: %v", reply)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
}

func TestReadRequestConnectDomain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := []byte{ver5, cmdConnect, 0x00, atypDomain, byte(len("example.com"))}
		req = append(req, "example.com"...)
		req = append(req, 0x01, 0xBB) // port 443
		_, _ = client.Write(req)
	}()

	cmd, dest, err := ReadRequest(server)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if cmd != CmdConnect {
		t.Fatalf("expected CmdConnect, got %v", cmd)
	}
	host, ok := dest.Domain()
	if !ok || host != "example.com" || dest.Port() != 443 {
		t.Fatalf("unexpected dest: %+v", dest)
	}
}

func TestReadRequestUDPAssociateIPv4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := []byte{ver5, cmdUDP, 0x00, atypIPv4, 127, 0, 0, 1, 0x00, 0x35}
		_, _ = client.Write(req)
	}()

	cmd, dest, err := ReadRequest(server)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if cmd != CmdUDPAssociate {
		t.Fatalf("expected CmdUDPAssociate, got %v", cmd)
	}
	ap, ok := dest.Resolved()
	if !ok || ap.String() != "127.0.0.1:53" {
		t.Fatalf("unexpected dest: %+v", dest)
	}
}

func TestParseUDPHeaderRejectsFragmented(t *testing.T) {
	packet := []byte{0x00, 0x00, 0x01, atypIPv4, 1, 2, 3, 4, 0x00, 0x50, 'h', 'i'}
	if _, _, err := ParseUDPHeader(packet); err == nil {
		t.Fatalf("expected fragmented datagram to be rejected")
	}
}

func TestParseUDPHeaderRoundTrip(t *testing.T) {
	dest := session.NewResolved(netip.MustParseAddrPort("8.8.8.8:53"))
	wrapped := WriteUDPHeader(dest, []byte("payload"))

	gotDest, payload, err := ParseUDPHeader(wrapped)
	if err != nil {
		t.Fatalf("ParseUDPHeader: %v", err)
	}
	ap, ok := gotDest.Resolved()
	if !ok || ap.String() != "8.8.8.8:53" {
		t.Fatalf("unexpected dest: %+v", gotDest)
	}
	if string(payload) != "payload" {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

func readAll(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
