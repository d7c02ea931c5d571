// Package mse implements Message Stream Encryption (MSE/PE): Diffie-Hellman
// key exchange over the fixed MSE groups, the three stream ciphers MSE can
// negotiate, and the SKEYE/RKEYE/CRYPTO handshake that ties them together.
package mse

import (
	"crypto/rand"
	"crypto/sha1" // nolint:gosec // required verbatim by the MSE key derivation formula
	"errors"
	"math/big"
)

// KeySize selects the DH group size in bits.
type KeySize int

const (
	KeySize768  KeySize = 768
	KeySize1024 KeySize = 1024
)

var (
	errInvalidInfoHash = errors.New("mse: info_hash must be exactly 20 bytes")
	errInvalidKeySize  = errors.New("mse: dh key size must be 768 or 1024")
)

// Fixed RFC 2409 Oakley group primes. Generating fresh parameters at
// runtime would guarantee non-interoperability with every other BitTorrent
// client; the well-known constants are required.
//
// Group 1 is the 768-bit MODP group; Group 2 is the 1024-bit MODP group
// (RFC 2409 §6.1/§6.2). MSE's standard DH parameters use these two sizes.
var (
	oakleyGroup1Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
		"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B" +
		"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9" +
		"A63A3620FFFFFFFFFFFFFFFF"
	oakleyGroup2Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
		"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B" +
		"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9" +
		"A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE6" +
		"49286651ECE65381FFFFFFFFFFFFFFFF"
)

var groupPrimes = map[KeySize]*big.Int{
	KeySize768:  mustHexBig(oakleyGroup1Hex),
	KeySize1024: mustHexBig(oakleyGroup2Hex),
}

func mustHexBig(hexStr string) *big.Int {
	n, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		panic("mse: invalid fixed DH prime constant")
	}
	return n
}

const generator = 2

// KeyPair is a Diffie-Hellman private/public key pair over a fixed MSE
// group.
type KeyPair struct {
	KeySize KeySize
	private *big.Int
	Public  *big.Int
}

// GenerateKeyPair produces a fresh DH keypair over the given fixed group.
func GenerateKeyPair(size KeySize) (*KeyPair, error) {
	p, ok := groupPrimes[size]
	if !ok {
		return nil, errInvalidKeySize
	}
	// The private exponent is drawn uniformly from [0, p); no rejection
	// loop is needed since we only need it < p.
	priv, err := rand.Int(rand.Reader, p)
	if err != nil {
		return nil, err
	}
	pub := new(big.Int).Exp(big.NewInt(generator), priv, p)
	return &KeyPair{KeySize: size, private: priv, Public: pub}, nil
}

// ComputeSharedSecret derives S = peerPublic^private mod p.
func (kp *KeyPair) ComputeSharedSecret(peerPublic *big.Int) []byte {
	p := groupPrimes[kp.KeySize]
	s := new(big.Int).Exp(peerPublic, kp.private, p)
	return publicToBytes(s, kp.KeySize)
}

// PublicKeyBytes serializes kp's public value as a big-endian integer of
// exactly ceil(key_size/8) bytes.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return publicToBytes(kp.Public, kp.KeySize)
}

func publicToBytes(v *big.Int, size KeySize) []byte {
	numBytes := (int(size) + 7) / 8
	raw := v.Bytes()
	if len(raw) >= numBytes {
		return raw[len(raw)-numBytes:]
	}
	out := make([]byte, numBytes)
	copy(out[numBytes-len(raw):], raw)
	return out
}

// PublicKeyFromBytes reconstructs a peer's public value from its
// big-endian wire representation.
func PublicKeyFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// defaultPad is the 20 zero bytes used when the caller doesn't need
// domain separation.
var defaultPad = make([]byte, 20)

// DeriveKey computes K = SHA1(secret ∥ pad ∥ info_hash), 20 bytes. pad
// defaults to 20 zero bytes when nil.
func DeriveKey(secret, infoHash, pad []byte) ([]byte, error) {
	if len(infoHash) != 20 {
		return nil, errInvalidInfoHash
	}
	if pad == nil {
		pad = defaultPad
	}
	h := sha1.New()
	h.Write(secret)
	h.Write(pad)
	h.Write(infoHash)
	return h.Sum(nil), nil
}
