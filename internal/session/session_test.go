package session

import (
	"net/netip"
	"testing"
)

func TestParseAddressIPLiteral(t *testing.T) {
	a := ParseAddress("93.184.216.34", 443)
	if !a.IsResolved() {
		t.Fatalf("expected resolved address for ip literal")
	}
	ap, ok := a.Resolved()
	if !ok || ap.Port() != 443 {
		t.Fatalf("unexpected resolved value: %+v ok=%v", ap, ok)
	}
}

func TestParseAddressDomain(t *testing.T) {
	a := ParseAddress("example.com", 80)
	if !a.IsDomain() {
		t.Fatalf("expected domain address")
	}
	host, ok := a.Domain()
	if !ok || host != "example.com" {
		t.Fatalf("unexpected domain: %q ok=%v", host, ok)
	}
	if a.String() != "example.com:80" {
		t.Fatalf("unexpected String(): %q", a.String())
	}
}

func TestWithDestinationPreservesRest(t *testing.T) {
	peer := netip.MustParseAddrPort("10.0.0.5:51234")
	local := netip.MustParseAddrPort("10.0.0.1:443")
	s := Session{
		Destination: ParseAddress("10.0.0.9", 443),
		PeerAddr:    peer,
		LocalPeer:   local,
		Network:     TCP,
	}
	rewritten := s.WithDestination(NewDomain("sniffed.example", 443))

	if rewritten.PeerAddr != peer || rewritten.LocalPeer != local || rewritten.Network != TCP {
		t.Fatalf("WithDestination must not touch the rest of the session")
	}
	host, ok := rewritten.Destination.Domain()
	if !ok || host != "sniffed.example" {
		t.Fatalf("destination not rewritten: %+v", rewritten.Destination)
	}
	if orig, _ := s.Destination.Resolved(); orig.Port() != 443 {
		t.Fatalf("original session must remain untouched")
	}
}
