package shadowsocks

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxChunkSize = 0x3FFF // 14-bit length field (spec §4.9)

type readerState int

const (
	readerWaitingSalt readerState = iota
	readerWaitingLength
	readerWaitingPayload
)

// Reader decrypts a shadowsocks AEAD stream framed as repeated
// [encrypted length][length tag][encrypted payload][payload tag] chunks,
// preceded by one salt the peer chose for this connection.
type Reader struct {
	src    io.Reader
	cipher *Cipher
	state  readerState
	nonce  *nonce
	aead   interface {
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		Overhead() int
		NonceSize() int
	}

	pending []byte // decrypted payload not yet returned to the caller
}

// NewReader builds a Reader over src using cipher. The salt is read lazily
// on the first Read call.
func NewReader(src io.Reader, cipher *Cipher) *Reader {
	return &Reader{src: src, cipher: cipher, state: readerWaitingSalt}
}

func (r *Reader) Read(p []byte) (int, error) {
	for {
		if len(r.pending) > 0 {
			n := copy(p, r.pending)
			r.pending = r.pending[n:]
			return n, nil
		}

		switch r.state {
		case readerWaitingSalt:
			salt := make([]byte, r.cipher.SaltLen())
			if _, err := io.ReadFull(r.src, salt); err != nil {
				return 0, err
			}
			aead, err := r.cipher.aead(salt)
			if err != nil {
				return 0, err
			}
			r.aead = aead
			r.nonce = newNonce(aead.NonceSize())
			r.state = readerWaitingLength
		case readerWaitingLength:
			n, err := r.readLength()
			if err != nil {
				return 0, err
			}
			payload, err := r.readPayload(n)
			if err != nil {
				return 0, err
			}
			r.pending = payload
			r.state = readerWaitingLength
		case readerWaitingPayload:
			// unreachable: readLength/readPayload are called together above
			return 0, fmt.Errorf("shadowsocks: reader in inconsistent state")
		}
	}
}

func (r *Reader) readLength() (int, error) {
	sealed := make([]byte, 2+r.aead.Overhead())
	if _, err := io.ReadFull(r.src, sealed); err != nil {
		return 0, err
	}
	opened, err := r.aead.Open(sealed[:0], r.nonce.next(), sealed, nil)
	if err != nil {
		return 0, fmt.Errorf("shadowsocks: length auth failed: %w", err)
	}
	n := int(binary.BigEndian.Uint16(opened)) & maxChunkSize
	return n, nil
}

func (r *Reader) readPayload(n int) ([]byte, error) {
	sealed := make([]byte, n+r.aead.Overhead())
	if _, err := io.ReadFull(r.src, sealed); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	opened, err := r.aead.Open(sealed[:0], r.nonce.next(), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks: payload auth failed: %w", err)
	}
	return opened, nil
}

type writerState int

const (
	writerWaitingSalt writerState = iota
	writerReady
)

// Writer encrypts writes into the same framed AEAD chunk format Reader
// consumes, writing its random salt once before the first chunk.
type Writer struct {
	dst    io.Writer
	cipher *Cipher
	state  writerState
	nonce  *nonce
	aead   interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Overhead() int
		NonceSize() int
	}
}

// NewWriter builds a Writer over dst using cipher.
func NewWriter(dst io.Writer, cipher *Cipher) *Writer {
	return &Writer{dst: dst, cipher: cipher, state: writerWaitingSalt}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.state == writerWaitingSalt {
		salt, err := w.cipher.NewSalt()
		if err != nil {
			return 0, err
		}
		aead, err := w.cipher.aead(salt)
		if err != nil {
			return 0, err
		}
		w.aead = aead
		w.nonce = newNonce(aead.NonceSize())
		if _, err := w.dst.Write(salt); err != nil {
			return 0, err
		}
		w.state = writerReady
	}

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunkSize {
			chunk = chunk[:maxChunkSize]
		}
		if err := w.writeChunk(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (w *Writer) writeChunk(chunk []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(chunk)))
	sealedLen := w.aead.Seal(nil, w.nonce.next(), lenBuf[:], nil)
	if _, err := w.dst.Write(sealedLen); err != nil {
		return err
	}
	sealedPayload := w.aead.Seal(nil, w.nonce.next(), chunk, nil)
	_, err := w.dst.Write(sealedPayload)
	return err
}
