package shadowsocks

import (
	"context"
	"fmt"
	"net"

	"github.com/coldwire/coldwire/internal/netbind"
	"github.com/coldwire/coldwire/internal/session"
	"github.com/coldwire/coldwire/internal/socks"
)

// Outbound is the "shadowsocks" outbound kind (spec §4.9): it tunnels a TCP
// connection through an upstream shadowsocks server over the AEAD stream
// codec. The first plaintext bytes written are the SOCKS5-style target
// address header, the wire convention every shadowsocks server expects to
// learn where to connect next — a detail the core spec's framing section
// leaves implicit but which original_source's cipher.rs does not cover
// either, since it only implements the AEAD primitive, not the outbound
// dial path.
type Outbound struct {
	Upstream string
	Cipher   *Cipher
}

// DialTCP connects to o.Upstream and wraps the connection in the AEAD
// stream codec, writing s.Destination as the shadowsocks target header.
func (o *Outbound) DialTCP(ctx context.Context, s session.Session) (net.Conn, error) {
	conn, err := netbind.DialContext(ctx, "tcp", o.Upstream)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks: dial upstream: %w", err)
	}

	sc := &streamConn{Conn: conn, r: NewReader(conn, o.Cipher), w: NewWriter(conn, o.Cipher)}
	if err := socks.WriteAddressHeader(sc.w, s.Destination); err != nil {
		conn.Close()
		return nil, fmt.Errorf("shadowsocks: write target header: %w", err)
	}
	return sc, nil
}

// streamConn adapts a Reader/Writer pair over a net.Conn into a net.Conn,
// the same "wrap the inner conn, expose Read/Write" shape sniffer.Stream
// uses for TLS replay.
type streamConn struct {
	net.Conn
	r *Reader
	w *Writer
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.w.Write(p) }
