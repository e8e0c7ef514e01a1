// Package outbound defines the capability-record handler types the
// dispatcher programs against (spec §4.1, §9 "Polymorphic handlers") and a
// registry mapping configured tags to handlers.
//
// Grounded in firestack's intra/ipn/proxies.go, whose Proxy/Proxies
// interfaces are the same shape: a named handler exposing per-protocol
// capabilities, looked up from a registry by tag rather than switched on by
// a type tag.
package outbound

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/coldwire/coldwire/internal/session"
)

// TCPHandler opens a connected remote stream for a TCP session.
type TCPHandler interface {
	DialTCP(ctx context.Context, s session.Session) (net.Conn, error)
}

// UDPHandler opens a datagram handle capable of sending to / receiving from
// a UDP session's destination.
type UDPHandler interface {
	DialUDP(ctx context.Context, s session.Session) (net.PacketConn, error)
}

// Handler is the capability record named by tag (spec §3 "OutboundHandler").
// At least one of TCP/UDP is expected to be non-nil.
type Handler struct {
	Tag string
	TCP TCPHandler
	UDP UDPHandler
}

// Registry maps outbound tags to their Handler, built once at startup and
// read-only thereafter (spec §5 "Shared resources").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewRegistry builds a Registry from handlers; a duplicate tag is an error
// since outbound tags must be unique (spec §3 invariant).
func NewRegistry(handlers []*Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]*Handler, len(handlers))}
	for _, h := range handlers {
		if _, exists := r.handlers[h.Tag]; exists {
			return nil, fmt.Errorf("outbound: duplicate tag %q", h.Tag)
		}
		r.handlers[h.Tag] = h
	}
	return r, nil
}

// Lookup returns the handler registered under tag.
func (r *Registry) Lookup(tag string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[tag]
	return h, ok
}
