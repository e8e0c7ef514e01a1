package sniffer

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// buildClientHello constructs a minimal, syntactically valid TLS record
// containing a ClientHello with a single SNI host_name entry.
func buildClientHello(host string) []byte {
	sni := []byte{0x00} // HostName
	sni = append(sni, u16(uint16(len(host)))...)
	sni = append(sni, []byte(host)...)

	serverNameList := u16(uint16(len(sni)))
	serverNameList = append(serverNameList, sni...)

	sniExt := u16(extensionSNI)
	sniExt = append(sniExt, u16(uint16(len(serverNameList)))...)
	sniExt = append(sniExt, serverNameList...)

	extensions := sniExt
	extBlock := u16(uint16(len(extensions)))
	extBlock = append(extBlock, extensions...)

	ch := []byte{0x03, 0x03} // proto version
	ch = append(ch, make([]byte, 32)...)
	ch = append(ch, 0x00)       // session id len
	ch = append(ch, u16(2)...)  // cipher suites len
	ch = append(ch, 0x00, 0x00) // one cipher suite
	ch = append(ch, 0x01, 0x00) // compression methods: len 1, null
	ch = append(ch, extBlock...)

	hs := []byte{handshakeTypeClient}
	hs = append(hs, u24(uint32(len(ch)))...)
	hs = append(hs, ch...)

	rec := []byte{contentTypeHandshake, 0x03, 0x03}
	rec = append(rec, u16(uint16(len(hs)))...)
	rec = append(rec, hs...)
	return rec
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u24(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestPeekExtractsSNIWholeRecord(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	record := buildClientHello("example.com")
	go func() {
		_, _ = client.Write(record)
	}()

	sni, buffered, ok := Peek(server)
	if !ok {
		t.Fatalf("expected Peek to succeed")
	}
	if sni != "example.com" {
		t.Fatalf("unexpected sni: %q", sni)
	}
	if len(buffered) != len(record) {
		t.Fatalf("expected buffered to equal full record, got %d want %d", len(buffered), len(record))
	}
}

func TestPeekExtractsSNISplitAcrossReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	record := buildClientHello("split.example")
	mid := len(record) / 2
	go func() {
		_, _ = client.Write(record[:mid])
		time.Sleep(10 * time.Millisecond)
		_, _ = client.Write(record[mid:])
	}()

	sni, _, ok := Peek(server)
	if !ok {
		t.Fatalf("expected Peek to succeed across split writes")
	}
	if sni != "split.example" {
		t.Fatalf("unexpected sni: %q", sni)
	}
}

func TestPeekRejectsNonTLS(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\n"))
	}()

	_, buffered, ok := Peek(server)
	if ok {
		t.Fatalf("expected Peek to reject non-TLS data")
	}
	if len(buffered) == 0 {
		t.Fatalf("expected rejected bytes to still be returned for replay")
	}
}

func TestStreamReplaysBufferedThenLive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	buffered := []byte("buffered-bytes")
	go func() {
		_, _ = client.Write([]byte("-live-bytes"))
	}()

	s := NewStream(server, buffered)
	out := make([]byte, len(buffered))
	n, err := s.Read(out)
	if err != nil || n != len(buffered) || string(out) != string(buffered) {
		t.Fatalf("expected replay of buffered bytes, got %q err=%v", out[:n], err)
	}

	live := make([]byte, len("-live-bytes"))
	n, err = s.Read(live)
	if err != nil || string(live[:n]) != "-live-bytes" {
		t.Fatalf("expected live bytes after replay drained, got %q err=%v", live[:n], err)
	}
}
