package mse

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rc4"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/chacha20"
)

// CipherKind identifies one of the three stream ciphers MSE can negotiate.
type CipherKind byte

const (
	CipherRC4      CipherKind = 0x01
	CipherAES      CipherKind = 0x02
	CipherChaCha20 CipherKind = 0x03
)

const rc4DiscardBytes = 1024 // MSE-RC4: mandatory keystream discard after KSA

var errInvalidKey = errors.New("mse: invalid cipher key size")

// Cipher is the uniform interface every MSE stream cipher implements.
// Instances are stateful: every call advances an internal keystream
// position. RC4 shares one keystream between Encrypt and Decrypt; AES-CFB
// and ChaCha20 keep separate encrypt and decrypt streams. Either way a
// fresh instance is required to decrypt what another instance encrypted
// from the start.
type Cipher interface {
	Encrypt(p []byte) []byte
	Decrypt(c []byte) []byte
	KeySize() int
}

// NewCipher constructs the cipher identified by kind from key material
// derived via DeriveKey (or SHA-256 for ChaCha20; see deriveChaCha20Key).
// iv is required for AES and ChaCha20 and ignored for RC4.
func NewCipher(kind CipherKind, key, iv []byte) (Cipher, error) {
	switch kind {
	case CipherRC4:
		return newRC4Cipher(key)
	case CipherAES:
		return newAESCFBCipher(key, iv)
	case CipherChaCha20:
		return newChaCha20Cipher(key, iv)
	default:
		return nil, errors.New("mse: unknown cipher kind")
	}
}

// rc4Cipher wraps crypto/rc4 with the mandatory MSE 1024-byte discard.
// Skipping the discard breaks interoperability with compliant MSE peers, so
// it is performed unconditionally at construction.
type rc4Cipher struct {
	c *rc4.Cipher
}

func newRC4Cipher(key []byte) (Cipher, error) {
	if len(key) == 0 {
		return nil, errInvalidKey
	}
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, errInvalidKey
	}
	discard := make([]byte, rc4DiscardBytes)
	c.XORKeyStream(discard, discard)
	return &rc4Cipher{c: c}, nil
}

func (r *rc4Cipher) Encrypt(p []byte) []byte {
	if len(p) == 0 {
		return []byte{}
	}
	out := make([]byte, len(p))
	r.c.XORKeyStream(out, p)
	return out
}

func (r *rc4Cipher) Decrypt(c []byte) []byte { return r.Encrypt(c) }
func (r *rc4Cipher) KeySize() int            { return 16 }

// aesCFBCipher wraps AES in CFB mode. Encrypt and Decrypt use distinct
// stream instances sharing the same key+IV, since CFB encrypt/decrypt
// streams are not interchangeable in Go's crypto/cipher API.
type aesCFBCipher struct {
	encStream cipher.Stream
	decStream cipher.Stream
	keySize   int
}

func newAESCFBCipher(key, iv []byte) (Cipher, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, errInvalidKey
	}
	if len(iv) != aes.BlockSize {
		return nil, errInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errInvalidKey
	}
	return &aesCFBCipher{
		encStream: cipher.NewCFBEncrypter(block, iv),
		decStream: cipher.NewCFBDecrypter(block, iv),
		keySize:   len(key),
	}, nil
}

func (a *aesCFBCipher) Encrypt(p []byte) []byte {
	if len(p) == 0 {
		return []byte{}
	}
	out := make([]byte, len(p))
	a.encStream.XORKeyStream(out, p)
	return out
}

func (a *aesCFBCipher) Decrypt(c []byte) []byte {
	if len(c) == 0 {
		return []byte{}
	}
	out := make([]byte, len(c))
	a.decStream.XORKeyStream(out, c)
	return out
}

func (a *aesCFBCipher) KeySize() int { return a.keySize }

// chacha20Cipher wraps golang.org/x/crypto/chacha20. MSE has no published
// ChaCha20 key schedule; this implementation derives a full 32-byte key via
// SHA-256 (see deriveChaCha20Key).
type chacha20Cipher struct {
	enc *chacha20.Cipher
	dec *chacha20.Cipher
}

func newChaCha20Cipher(key, nonce []byte) (Cipher, error) {
	if len(key) != chacha20.KeySize {
		return nil, errInvalidKey
	}
	if len(nonce) != chacha20.NonceSize {
		return nil, errInvalidKey
	}
	enc, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, errInvalidKey
	}
	dec, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, errInvalidKey
	}
	return &chacha20Cipher{enc: enc, dec: dec}, nil
}

func (c *chacha20Cipher) Encrypt(p []byte) []byte {
	if len(p) == 0 {
		return []byte{}
	}
	out := make([]byte, len(p))
	c.enc.XORKeyStream(out, p)
	return out
}

func (c *chacha20Cipher) Decrypt(p []byte) []byte {
	if len(p) == 0 {
		return []byte{}
	}
	out := make([]byte, len(p))
	c.dec.XORKeyStream(out, p)
	return out
}

func (c *chacha20Cipher) KeySize() int { return chacha20.KeySize }

// deriveChaCha20Key extends the shared secret into a 32-byte ChaCha20 key
// via SHA-256(secret ∥ info_hash), with no pad. MSE has no published
// ChaCha20 variant, so the derivation is pinned here and only peers running
// this implementation agree on it. ChaCha20 is negotiated only when it is in
// the configured allowed ciphers, which DefaultConfig leaves out.
func deriveChaCha20Key(secret, infoHash []byte) []byte {
	h := sha256.New()
	h.Write(secret)
	h.Write(infoHash)
	return h.Sum(nil)
}

// deriveChaCha20Nonce derives the stream nonce from the shared secret with a
// domain-separated pad, truncated to the cipher's nonce size.
func deriveChaCha20Nonce(secret, infoHash []byte) ([]byte, error) {
	k, err := DeriveKey(secret, infoHash, []byte("mse-chacha20-nonce\x00\x00"))
	if err != nil {
		return nil, err
	}
	return k[:chacha20.NonceSize], nil
}

// deriveAESIV derives the AES IV from the shared secret and info_hash via
// a domain-separated SHA-1 digest rather than transmitting it on the wire,
// so both sides arrive at the same IV without extra round trips.
func deriveAESIV(secret, infoHash []byte) ([]byte, error) {
	k, err := DeriveKey(secret, infoHash, []byte("mse-aes-iv\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"))
	if err != nil {
		return nil, err
	}
	return k[:aes.BlockSize], nil
}
