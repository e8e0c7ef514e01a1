package socks

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/coldwire/coldwire/internal/session"
)

// Client dials connections through an upstream SOCKS5 server, used by the
// "socks" outbound kind (spec §4.6).
type Client struct {
	Upstream string // host:port of the upstream SOCKS5 server
	Dialer   net.Dialer
}

// DialTCP implements outbound.TCPHandler: it tunnels s's destination
// through the upstream SOCKS5 server named by c.Upstream.
func (c *Client) DialTCP(ctx context.Context, s session.Session) (net.Conn, error) {
	return c.DialConnect(ctx, s.Destination)
}

// DialConnect performs the full CONNECT handshake against c.Upstream and
// returns a net.Conn ready to relay to dest.
func (c *Client) DialConnect(ctx context.Context, dest session.Address) (net.Conn, error) {
	conn, err := c.Dialer.DialContext(ctx, "tcp", c.Upstream)
	if err != nil {
		return nil, fmt.Errorf("socks5 client: dial upstream: %w", err)
	}

	if err := clientNegotiate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := clientSendConnect(conn, dest); err != nil {
		conn.Close()
		return nil, err
	}
	if err := clientReadReply(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func clientNegotiate(conn net.Conn) error {
	if _, err := conn.Write([]byte{ver5, 1, methodNoAuth}); err != nil {
		return err
	}
	var reply [2]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return err
	}
	if reply[0] != ver5 || reply[1] != methodNoAuth {
		return fmt.Errorf("socks5 client: upstream rejected negotiation: %v", reply)
	}
	return nil
}

func clientSendConnect(conn net.Conn, dest session.Address) error {
	if _, err := conn.Write([]byte{ver5, cmdConnect, 0x00}); err != nil {
		return err
	}
	return writeAddress(conn, dest)
}

func clientReadReply(conn net.Conn) error {
	var hdr [3]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != ver5 {
		return errUnsupportedVersion
	}
	if hdr[1] != RepSuccess {
		return fmt.Errorf("socks5 client: upstream refused connect: rep=0x%02x", hdr[1])
	}
	if _, _, err := readAddress(conn); err != nil { // BND.ADDR/BND.PORT, discarded
		return err
	}
	return nil
}
