// Package sniffer implements the TLS ClientHello SNI sniffer (spec §4.3)
// and the stream wrapper that replays buffered bytes transparently to a
// downstream reader. Grounded in firestack's general "wrap the inner
// net.Conn and expose the same interface" style (intra/netstack/tcp.go's
// GTCPConn wraps a gonet.TCPConn the same way), applied here to TLS
// record parsing instead of a netstack endpoint.
package sniffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/coldwire/coldwire/internal/logx"
)

const (
	maxAttempts    = 3
	attemptTimeout = 500 * time.Millisecond

	contentTypeHandshake = 0x16
	handshakeTypeClient  = 0x01
	extensionSNI         = 0x00
	sniHostName          = 0x00
)

var (
	errNotTLS          = errors.New("sniffer: not tls")
	errBadMajorVersion = errors.New("sniffer: bad major version")
	errNotClientHello  = errors.New("sniffer: not client hello")
	errNoSNI           = errors.New("sniffer: no sni extension")
	errUnderrun        = errors.New("sniffer: underrun")
)

// Peek reads up to maxAttempts times (attemptTimeout each) from conn,
// accumulating bytes into a replay buffer, and tries to extract the SNI
// hostname from a TLS ClientHello record. It returns the replay buffer
// (every byte actually read, regardless of outcome) alongside the SNI, if
// any, so the caller can wrap conn with a Stream that replays those bytes
// before delivering fresh reads.
func Peek(conn net.Conn) (sni string, buffered []byte, ok bool) {
	var buf bytes.Buffer
	tmp := make([]byte, 4096)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		_ = conn.SetReadDeadline(time.Now().Add(attemptTimeout))
		n, err := conn.Read(tmp)
		if n > 0 {
			// Only the bytes actually read are appended — appending a
			// full-capacity temp buffer here would splice in stale bytes
			// from a prior iteration (spec §9 Open Question).
			buf.Write(tmp[:n])
		}
		if err != nil && n == 0 {
			// this attempt timed out or failed without data; spend the
			// attempt and try again rather than giving up immediately
			continue
		}

		name, perr := parseClientHello(buf.Bytes())
		if perr == nil {
			_ = conn.SetReadDeadline(time.Time{})
			return name, buf.Bytes(), true
		}
		if !errors.Is(perr, errUnderrun) {
			// structural rejection: definitely not a sniffable ClientHello
			logx.D("sniffer: rejected: %v", perr)
			break
		}
		// underrun: read more and retry
	}

	_ = conn.SetReadDeadline(time.Time{})
	return "", buf.Bytes(), false
}

// parseClientHello attempts to extract the SNI hostname from a single TLS
// record buffer. errUnderrun means "read more and retry"; any other error
// means "give up, this isn't a sniffable ClientHello".
func parseClientHello(b []byte) (string, error) {
	if len(b) < 5 {
		return "", errUnderrun
	}
	if b[0] != contentTypeHandshake {
		return "", errNotTLS
	}
	if b[1] != 0x03 {
		return "", errBadMajorVersion
	}
	recLen := int(binary.BigEndian.Uint16(b[3:5]))
	if len(b) < 5+recLen {
		return "", errUnderrun
	}
	hs := b[5 : 5+recLen]

	if len(hs) < 4 {
		return "", errUnderrun
	}
	if hs[0] != handshakeTypeClient {
		return "", errNotClientHello
	}
	chLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	if len(hs) < 4+chLen {
		return "", errUnderrun
	}
	ch := hs[4 : 4+chLen]

	// ProtoVersion(2) + Random(32)
	off := 2 + 32
	if len(ch) < off+1 {
		return "", errUnderrun
	}

	// SessionID: u8-prefixed
	sidLen := int(ch[off])
	off++
	if len(ch) < off+sidLen+2 {
		return "", errUnderrun
	}
	off += sidLen

	// CipherSuites: u16-prefixed
	csLen := int(binary.BigEndian.Uint16(ch[off : off+2]))
	off += 2
	if len(ch) < off+csLen+1 {
		return "", errUnderrun
	}
	off += csLen

	// CompressionMethods: u8-prefixed
	cmLen := int(ch[off])
	off++
	if len(ch) < off+cmLen+2 {
		return "", errUnderrun
	}
	off += cmLen

	// Extensions: u16-prefixed
	if len(ch) < off+2 {
		return "", errUnderrun
	}
	extTotalLen := int(binary.BigEndian.Uint16(ch[off : off+2]))
	off += 2
	if len(ch) < off+extTotalLen {
		return "", errUnderrun
	}
	exts := ch[off : off+extTotalLen]

	eoff := 0
	for eoff+4 <= len(exts) {
		extType := binary.BigEndian.Uint16(exts[eoff : eoff+2])
		extLen := int(binary.BigEndian.Uint16(exts[eoff+2 : eoff+4]))
		eoff += 4
		if eoff+extLen > len(exts) {
			return "", errUnderrun
		}
		body := exts[eoff : eoff+extLen]
		eoff += extLen

		if extType != extensionSNI {
			continue
		}
		name, err := parseSNI(body)
		if err != nil {
			return "", err
		}
		return name, nil
	}

	return "", errNoSNI
}

func parseSNI(body []byte) (string, error) {
	if len(body) < 2 {
		return "", errNoSNI
	}
	listLen := int(binary.BigEndian.Uint16(body[0:2]))
	list := body[2:]
	if len(list) < listLen {
		return "", errNoSNI
	}
	off := 0
	for off+3 <= len(list) {
		nameType := list[off]
		nameLen := int(binary.BigEndian.Uint16(list[off+1 : off+3]))
		off += 3
		if off+nameLen > len(list) {
			return "", errNoSNI
		}
		if nameType == sniHostName {
			return string(list[off : off+nameLen]), nil
		}
		off += nameLen
	}
	return "", errNoSNI
}

// Stream wraps a net.Conn so that reads first drain a replay buffer before
// falling through to the underlying connection; writes, flushes and
// shutdowns pass through untouched.
type Stream struct {
	net.Conn
	replay *bytes.Reader
}

// NewStream wraps conn, replaying buffered in front of any future Read.
func NewStream(conn net.Conn, buffered []byte) *Stream {
	return &Stream{Conn: conn, replay: bytes.NewReader(buffered)}
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.replay.Len() > 0 {
		n, err := s.replay.Read(p)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}
	return s.Conn.Read(p)
}
