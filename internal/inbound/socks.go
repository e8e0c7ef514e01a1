// Package inbound owns the listener loops that accept client connections,
// build Sessions, and hand them off to the Dispatcher (spec §4.1
// "Listener/Inbound Mgr").
//
// Grounded in firestack's intra/tcp.go/intra/udp.go accept-loop shape: one
// goroutine per listener, one goroutine per accepted connection, with
// accept errors logged and looped past rather than fatal.
package inbound

import (
	"context"
	"net"
	"net/netip"

	"github.com/coldwire/coldwire/internal/dispatch"
	"github.com/coldwire/coldwire/internal/logx"
	"github.com/coldwire/coldwire/internal/session"
	"github.com/coldwire/coldwire/internal/socks"
)

// SocksListener runs a SOCKS5 TCP+UDP inbound (spec §4.5) bound to addr.
type SocksListener struct {
	Tag        string
	Addr       string
	Dispatcher *dispatch.Dispatcher
}

// ListenAndServe accepts connections on l.Addr until ctx is cancelled.
func (l *SocksListener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	udpAddr, err := net.ResolveUDPAddr("udp", l.Addr)
	if err == nil {
		pc, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			logx.W("inbound[%s]: udp listen failed: %v", l.Tag, err)
		} else {
			go func() {
				<-ctx.Done()
				pc.Close()
			}()
			go l.serveUDP(ctx, pc)
		}
	}

	logx.I("inbound[%s]: listening on %s", l.Tag, l.Addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			logx.W("inbound[%s]: accept: %v", l.Tag, err)
			continue
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *SocksListener) handleConn(ctx context.Context, conn net.Conn) {
	if err := socks.Negotiate(conn); err != nil {
		logx.D("inbound[%s]: negotiate failed: %v", l.Tag, err)
		conn.Close()
		return
	}

	cmd, dest, err := socks.ReadRequest(conn)
	if err != nil {
		logx.D("inbound[%s]: read request failed: %v", l.Tag, err)
		conn.Close()
		return
	}

	local, _ := netip.ParseAddrPort(conn.LocalAddr().String())
	peer, _ := netip.ParseAddrPort(conn.RemoteAddr().String())

	switch cmd {
	case socks.CmdConnect:
		if err := socks.WriteReply(conn, socks.RepSuccess, local); err != nil {
			conn.Close()
			return
		}
		s := session.Session{
			Destination: dest,
			PeerAddr:    peer,
			LocalPeer:   local,
			Network:     session.TCP,
		}
		l.Dispatcher.DispatchTCP(ctx, conn, s)
	case socks.CmdUDPAssociate:
		// The UDP relay runs on the listener's own UDP socket; the TCP
		// connection is held open only to signal association lifetime.
		if err := socks.WriteReply(conn, socks.RepSuccess, local); err != nil {
			conn.Close()
			return
		}
		<-ctx.Done()
		conn.Close()
	default:
		_ = socks.WriteReply(conn, socks.RepCommandNotSupported, local)
		conn.Close()
	}
}

// serveUDP implements the SOCKS5 UDP ASSOCIATE datagram path (spec §4.5,
// §4.8): each datagram carries a {RSV,FRAG,ATYP,DST,PORT} header, and
// replies carry the same header back to the originating peer.
func (l *SocksListener) serveUDP(ctx context.Context, pc *net.UDPConn) {
	local, _ := netip.ParseAddrPort(pc.LocalAddr().String())
	buf := make([]byte, 64*1024)
	for {
		n, peerAddr, err := pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		peer, ok := netip.AddrFromSlice(peerAddr.IP)
		if !ok {
			continue
		}
		peer = peer.Unmap()
		peerPort := netip.AddrPortFrom(peer, uint16(peerAddr.Port))

		dest, payload, err := socks.ParseUDPHeader(buf[:n])
		if err != nil {
			logx.D("inbound[%s]: bad udp header from %s: %v", l.Tag, peerPort, err)
			continue
		}

		data := make([]byte, len(payload))
		copy(data, payload)

		s := session.Session{
			Destination: dest,
			PeerAddr:    peerPort,
			LocalPeer:   local,
			Network:     session.UDP,
		}

		reply := func(respPayload []byte) error {
			out := socks.WriteUDPHeader(dest, respPayload)
			_, err := pc.WriteToUDP(out, peerAddr)
			return err
		}

		if err := l.Dispatcher.DispatchUDP(ctx, s, data, reply); err != nil {
			logx.D("inbound[%s]: dispatch udp failed: %v", l.Tag, err)
		}
	}
}
