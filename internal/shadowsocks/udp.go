package shadowsocks

import "fmt"

// EncryptPacket seals a single UDP datagram using a freshly generated salt
// and a zero nonce, per spec §4.9's "one-shot" AEAD form: the wire layout is
// salt‖AEAD(plaintext)‖tag, with a brand new salt (and thus a brand new
// subkey) minted for every packet.
func (c *Cipher) EncryptPacket(plaintext []byte) ([]byte, error) {
	salt, err := c.NewSalt()
	if err != nil {
		return nil, err
	}
	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	zeroNonce := make([]byte, aead.NonceSize())
	sealed := aead.Seal(nil, zeroNonce, plaintext, nil)
	out := make([]byte, 0, len(salt)+len(sealed))
	out = append(out, salt...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptPacket opens a single UDP datagram previously produced by
// EncryptPacket.
func (c *Cipher) DecryptPacket(packet []byte) ([]byte, error) {
	if len(packet) < c.params.saltLen {
		return nil, fmt.Errorf("shadowsocks: packet shorter than salt")
	}
	salt := packet[:c.params.saltLen]
	sealed := packet[c.params.saltLen:]

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	zeroNonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, zeroNonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks: packet auth failed: %w", err)
	}
	return plaintext, nil
}
