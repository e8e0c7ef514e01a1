// Package socks implements the server side of the SOCKS5 handshake (RFC 1928
// CONNECT and UDP ASSOCIATE) used by the inbound listener, and a SOCKS5
// outbound client for proxying through an
// upstream SOCKS5 server (spec §4.7).
//
// The teacher's go.mod lists github.com/txthinking/socks5 as a direct
// dependency, but no file anywhere in the retrieval pack actually imports
// it, so its exact wire-struct API could not be grounded against real
// source — see DESIGN.md. The wire codec below is instead hand-rolled with
// encoding/binary, in the same low-level byte-parsing style already used
// for TLS ClientHello parsing in internal/sniffer, which firestack itself
// favors over a wire-format library wherever it owns the protocol (e.g. its
// own DNS message fallbacks alongside miekg/dns).
package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/coldwire/coldwire/internal/session"
)

const (
	ver5 = 0x05

	methodNoAuth      = 0x00
	methodNoAcceptable = 0xFF

	cmdConnect = 0x01
	cmdUDP     = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	RepSuccess               = 0x00
	RepServerFailure         = 0x01
	RepNetworkUnreachable    = 0x03
	RepHostUnreachable       = 0x04
	RepConnectionRefused     = 0x05
	RepCommandNotSupported   = 0x07
	RepAddressNotSupported   = 0x08
)

var (
	errUnsupportedVersion = errors.New("socks5: unsupported protocol version")
	errNoAcceptableMethod = errors.New("socks5: no acceptable auth method")
	errBadATYP            = errors.New("socks5: unrecognized address type")
	errFragmented         = errors.New("socks5: fragmented udp datagrams not supported")
)

// readAddress reads one ATYP+address+port triple from r, per RFC 1928 §5.
func readAddress(r io.Reader) (session.Address, byte, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return session.Address{}, 0, err
	}

	switch atyp[0] {
	case atypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return session.Address{}, 0, err
		}
		port, err := readPort(r)
		if err != nil {
			return session.Address{}, 0, err
		}
		addr := netip.AddrFrom4(b)
		return session.NewResolved(netip.AddrPortFrom(addr, port)), atyp[0], nil

	case atypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return session.Address{}, 0, err
		}
		port, err := readPort(r)
		if err != nil {
			return session.Address{}, 0, err
		}
		addr := netip.AddrFrom16(b)
		return session.NewResolved(netip.AddrPortFrom(addr, port)), atyp[0], nil

	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return session.Address{}, 0, err
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return session.Address{}, 0, err
		}
		port, err := readPort(r)
		if err != nil {
			return session.Address{}, 0, err
		}
		return session.NewDomain(string(name), port), atyp[0], nil

	default:
		return session.Address{}, 0, fmt.Errorf("%w: 0x%02x", errBadATYP, atyp[0])
	}
}

func readPort(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// WriteAddressHeader serializes addr in ATYP+address+port form to w. It is
// exported so other outbound codecs that borrow the same SOCKS5-style
// address header (e.g. shadowsocks' target-address prefix) can reuse it.
func WriteAddressHeader(w io.Writer, addr session.Address) error {
	return writeAddress(w, addr)
}

// writeAddress serializes addr in ATYP+address+port form, preferring a
// domain encoding over a resolved IP when addr is still a hostname.
func writeAddress(w io.Writer, addr session.Address) error {
	if host, ok := addr.Domain(); ok {
		if len(host) > 255 {
			return fmt.Errorf("socks5: domain too long: %d bytes", len(host))
		}
		buf := make([]byte, 0, 2+len(host)+2)
		buf = append(buf, atypDomain, byte(len(host)))
		buf = append(buf, host...)
		buf = appendPort(buf, addr.Port())
		_, err := w.Write(buf)
		return err
	}

	ap, _ := addr.Resolved()
	ip := ap.Addr()
	if ip.Is4() {
		b := ip.As4()
		buf := append([]byte{atypIPv4}, b[:]...)
		buf = appendPort(buf, addr.Port())
		_, err := w.Write(buf)
		return err
	}
	b := ip.As16()
	buf := append([]byte{atypIPv6}, b[:]...)
	buf = appendPort(buf, addr.Port())
	_, err := w.Write(buf)
	return err
}

func appendPort(buf []byte, port uint16) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	return append(buf, p[:]...)
}

// atypForIP reports the ATYP byte a net.IP's family maps to, used when
// echoing back a bind address that is always IP (never a domain).
func atypForIP(ip net.IP) byte {
	if ip.To4() != nil {
		return atypIPv4
	}
	return atypIPv6
}
