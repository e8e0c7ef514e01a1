// Package resolver implements outbound hostname resolution over UDP DNS
// (spec §4.4): a pool of upstream resolvers, A/AAAA policy driven by
// {use_ipv6, prefer_ipv6}, a per-query timeout, and queries issued from a
// socket bound to the OS default gateway so lookups egress the physical
// interface even when a TUN device is active.
//
// Grounded in firestack's own DNS transport (intra/dnsx/transport.go),
// which is also built on github.com/miekg/dns for message construction and
// parsing; the resolver here is considerably simpler (no DoH/DNSCrypt/ALG),
// matching spec §4.4's narrower contract.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"

	"github.com/coldwire/coldwire/internal/netbind"
)

const (
	queryTimeout  = 500 * time.Millisecond
	queryAttempts = 3
)

// ResolveError wraps a non-NoError DNS response code (spec §7).
type ResolveError struct {
	Host  string
	Rcode int
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: rcode=%s", e.Host, dns.RcodeToString[e.Rcode])
}

var errNoAnswers = errors.New("resolver: no answers")

// Config controls which record types are queried (spec §4.4 table).
type Config struct {
	UseIPv6    bool
	PreferIPv6 bool
}

// Resolver holds a fixed set of upstream DNS servers and issues lookups per
// Config policy.
type Resolver struct {
	cfg       Config
	upstreams []netip.AddrPort
	cache     *gocache.Cache
	rand      *rand.Rand
	mu        sync.Mutex
}

// New builds a Resolver over the given upstream ip:port servers.
func New(cfg Config, upstreams []netip.AddrPort) *Resolver {
	return &Resolver{
		cfg:       cfg,
		upstreams: upstreams,
		cache:     gocache.New(30*time.Second, time.Minute),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Lookup resolves host to a set of IP addresses per the configured
// {use_ipv6, prefer_ipv6} policy.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if cached, ok := r.cache.Get(host); ok {
		return cached.([]netip.Addr), nil
	}

	var qtypes []uint16
	switch {
	case !r.cfg.UseIPv6:
		qtypes = []uint16{dns.TypeA}
	case r.cfg.PreferIPv6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	type result struct {
		addrs []netip.Addr
		err   error
	}
	ch := make(chan result, len(qtypes))
	for _, qt := range qtypes {
		qt := qt
		go func() {
			addrs, err := r.queryOne(ctx, host, qt)
			ch <- result{addrs, err}
		}()
	}

	var all []netip.Addr
	var firstErr error
	for range qtypes {
		res := <-ch
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		all = append(all, res.addrs...)
	}

	if len(all) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, errNoAnswers
	}

	r.cache.SetDefault(host, all)
	return all, nil
}

// queryOne issues a single A or AAAA query, making up to queryAttempts
// attempts in total with a fresh random upstream and transaction id each.
func (r *Resolver) queryOne(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	var lastErr error
	for attempt := 0; attempt < queryAttempts; attempt++ {
		addrs, err := r.tryOnce(ctx, host, qtype)
		if err == nil {
			return addrs, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Resolver) tryOnce(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	upstream := r.pickUpstream()

	msg := new(dns.Msg)
	msg.Id = r.txID()
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(host),
		Qtype:  qtype,
		Qclass: dns.ClassINET,
	}}
	wire, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	family := "udp4"
	if upstream.Addr().Is6() {
		family = "udp6"
	}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conn, err := netbind.DialGatewayUDP(qctx, family)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if dl, ok := qctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if _, err := conn.WriteTo(wire, net.UDPAddrFromAddrPort(upstream)); err != nil {
		return nil, err
	}

	buf := make([]byte, 4096)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(buf[:n]); err != nil {
		return nil, err
	}
	if resp.Id != msg.Id {
		return nil, fmt.Errorf("resolver: transaction id mismatch")
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &ResolveError{Host: host, Rcode: resp.Rcode}
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				addrs = append(addrs, a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) == 0 {
		return nil, errNoAnswers
	}
	return addrs, nil
}

func (r *Resolver) pickUpstream() netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstreams[r.rand.Intn(len(r.upstreams))]
}

func (r *Resolver) txID() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint16(r.rand.Intn(1 << 16))
}
