// Package session holds the value types that flow through the dispatch
// pipeline: addresses, network kind, and the per-connection session record.
// Modeled on the plain value-object style firestack uses for its own
// request plumbing (intra/core/proto.go, intra/tcp.go's Session-adjacent
// locals) rather than on any particular upstream type.
package session

import (
	"fmt"
	"net"
	"net/netip"
)

// Network identifies the transport a Session was accepted on.
type Network int

const (
	TCP Network = iota
	UDP
)

func (n Network) String() string {
	if n == UDP {
		return "udp"
	}
	return "tcp"
}

// Address is a tagged union of a domain+port or a resolved socket address.
// Only one of the two forms is ever populated.
type Address struct {
	domain string
	port   uint16
	addr   netip.Addr
	isIP   bool
}

// NewDomain builds a Domain-form Address.
func NewDomain(host string, port uint16) Address {
	return Address{domain: host, port: port}
}

// NewResolved builds a Resolved-form Address.
func NewResolved(ap netip.AddrPort) Address {
	return Address{addr: ap.Addr(), port: ap.Port(), isIP: true}
}

// ParseAddress parses host as an IP literal first, falling back to a domain
// name, per spec §3's construction rule.
func ParseAddress(host string, port uint16) Address {
	if ip, err := netip.ParseAddr(host); err == nil {
		return NewResolved(netip.AddrPortFrom(ip, port))
	}
	return NewDomain(host, port)
}

// IsDomain reports whether this Address is the Domain variant.
func (a Address) IsDomain() bool { return !a.isIP }

// IsResolved reports whether this Address is the Resolved variant.
func (a Address) IsResolved() bool { return a.isIP }

// Domain returns the hostname and ok=true iff this is the Domain variant.
func (a Address) Domain() (string, bool) {
	if a.isIP {
		return "", false
	}
	return a.domain, true
}

// Resolved returns the socket address and ok=true iff this is the Resolved
// variant.
func (a Address) Resolved() (netip.AddrPort, bool) {
	if !a.isIP {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.addr, a.port), true
}

// Port normalizes the port accessor across both variants.
func (a Address) Port() uint16 { return a.port }

// Host returns the string form of the host part, regardless of variant.
func (a Address) Host() string {
	if a.isIP {
		return a.addr.String()
	}
	return a.domain
}

// String renders "host:port", used verbatim by the router's Regex matcher.
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), fmt.Sprintf("%d", a.port))
}

// Session describes one accepted client flow. Sessions are created at
// accept time and are read-only thereafter, except that the sniffer may
// rewrite Destination (spec §3, §8 "Session immutability").
type Session struct {
	Destination Address
	PeerAddr    netip.AddrPort // remote side of the inbound connection (client)
	LocalPeer   netip.AddrPort // local listener socket that accepted the peer
	Network     Network
}

// WithDestination returns a copy of s with Destination replaced; used by the
// sniffer to rewrite the target without mutating PeerAddr/LocalPeer/Network.
func (s Session) WithDestination(d Address) Session {
	s.Destination = d
	return s
}
