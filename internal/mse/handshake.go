package mse

import (
	"encoding/binary"
	"io"
	"time"
)

const (
	msgSKEYE  byte = 0x02
	msgRKEYE  byte = 0x03
	msgCRYPTO byte = 0x04
)

// Transport is the subset of net.Conn the handshake engine needs: a
// byte-stream plus a read deadline for the per-message timeout.
type Transport interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

// Policy configures cipher negotiation.
type Policy struct {
	AllowedCiphers []CipherKind
	PreferRC4      bool
}

// Session is the pair of independent stream ciphers produced by a
// successful MSE handshake, ready to wrap the connection's I/O.
type Session struct {
	CipherIn  Cipher
	CipherOut Cipher
	Kind      CipherKind
}

const defaultReadTimeout = 10 * time.Second

// Initiator drives the MSE handshake as the dialing side: send SKEYE,
// read RKEYE, send our cipher choice, read the peer's.
func Initiator(t Transport, infoHash []byte, keySize KeySize, policy Policy, timeout time.Duration) (*Session, error) {
	if len(infoHash) != 20 {
		return nil, newErr(InfoHashLength, nil)
	}
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	kp, err := GenerateKeyPair(keySize)
	if err != nil {
		return nil, newErr(TransportError, err)
	}
	if err := writeFramed(t, msgSKEYE, kp.PublicKeyBytes()); err != nil {
		return nil, newErr(TransportError, err)
	}
	typ, payload, err := readFramed(t, timeout)
	if err != nil {
		return nil, err
	}
	if typ != msgRKEYE {
		return nil, newErr(WrongMessageType, nil)
	}
	peerPublic := PublicKeyFromBytes(payload)
	secret := kp.ComputeSharedSecret(peerPublic)

	ourChoice, ok := selectCipher(nil, policy.AllowedCiphers, policy.PreferRC4)
	if !ok {
		return nil, newErr(DisallowedCipher, nil)
	}
	if err := writeFramed(t, msgCRYPTO, []byte{byte(ourChoice)}); err != nil {
		return nil, newErr(TransportError, err)
	}
	typ, payload, err = readFramed(t, timeout)
	if err != nil {
		return nil, err
	}
	if typ != msgCRYPTO || len(payload) != 1 {
		return nil, newErr(WrongMessageType, nil)
	}
	peerChoice := CipherKind(payload[0])
	if !contains(policy.AllowedCiphers, peerChoice) {
		return nil, newErr(DisallowedCipher, nil)
	}
	return buildSession(peerChoice, secret, infoHash)
}

// Receiver drives the MSE handshake as the accepting side: mirror image
// of Initiator.
func Receiver(t Transport, infoHash []byte, keySize KeySize, policy Policy, timeout time.Duration) (*Session, error) {
	if len(infoHash) != 20 {
		return nil, newErr(InfoHashLength, nil)
	}
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	typ, payload, err := readFramed(t, timeout)
	if err != nil {
		return nil, err
	}
	if typ != msgSKEYE {
		return nil, newErr(WrongMessageType, nil)
	}
	peerPublic := PublicKeyFromBytes(payload)

	kp, err := GenerateKeyPair(keySize)
	if err != nil {
		return nil, newErr(TransportError, err)
	}
	if err := writeFramed(t, msgRKEYE, kp.PublicKeyBytes()); err != nil {
		return nil, newErr(TransportError, err)
	}
	secret := kp.ComputeSharedSecret(peerPublic)

	typ, payload, err = readFramed(t, timeout)
	if err != nil {
		return nil, err
	}
	if typ != msgCRYPTO || len(payload) != 1 {
		return nil, newErr(WrongMessageType, nil)
	}
	peerChoice := CipherKind(payload[0])

	ourChoice, ok := selectCipher([]CipherKind{peerChoice}, policy.AllowedCiphers, policy.PreferRC4)
	if !ok {
		return nil, newErr(DisallowedCipher, nil)
	}
	if err := writeFramed(t, msgCRYPTO, []byte{byte(ourChoice)}); err != nil {
		return nil, newErr(TransportError, err)
	}
	return buildSession(ourChoice, secret, infoHash)
}

func buildSession(kind CipherKind, secret, infoHash []byte) (*Session, error) {
	var key, iv []byte
	var err error
	switch kind {
	case CipherRC4:
		k, derr := DeriveKey(secret, infoHash, nil)
		if derr != nil {
			return nil, newErr(InfoHashLength, derr)
		}
		key = k[:16]
	case CipherAES:
		k, derr := DeriveKey(secret, infoHash, nil)
		if derr != nil {
			return nil, newErr(InfoHashLength, derr)
		}
		key = k[:16]
		iv, err = deriveAESIV(secret, infoHash)
		if err != nil {
			return nil, newErr(InfoHashLength, err)
		}
	case CipherChaCha20:
		key = deriveChaCha20Key(secret, infoHash)
		iv, err = deriveChaCha20Nonce(secret, infoHash)
		if err != nil {
			return nil, newErr(InfoHashLength, err)
		}
	}
	cin, err := NewCipher(kind, key, iv)
	if err != nil {
		return nil, newErr(TransportError, err)
	}
	cout, err := NewCipher(kind, key, iv)
	if err != nil {
		return nil, newErr(TransportError, err)
	}
	return &Session{CipherIn: cin, CipherOut: cout, Kind: kind}, nil
}

// selectCipher implements the negotiation policy as a pure function so it
// is unit-testable without any network I/O.
//
// When offered is empty, this side is choosing without peer input: the
// result is the most preferred entry of allowed (RC4 if preferRC4, else
// AES, else ChaCha20). When offered is non-empty, the result is the first
// entry of offered that is also in allowed.
func selectCipher(offered []CipherKind, allowed []CipherKind, preferRC4 bool) (CipherKind, bool) {
	if len(offered) == 0 {
		order := preferenceOrder(preferRC4)
		for _, k := range order {
			if contains(allowed, k) {
				return k, true
			}
		}
		return 0, false
	}
	for _, k := range offered {
		if contains(allowed, k) {
			return k, true
		}
	}
	return 0, false
}

func preferenceOrder(preferRC4 bool) []CipherKind {
	if preferRC4 {
		return []CipherKind{CipherRC4, CipherAES, CipherChaCha20}
	}
	return []CipherKind{CipherAES, CipherChaCha20, CipherRC4}
}

func contains(ks []CipherKind, k CipherKind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

func writeFramed(t Transport, typ byte, payload []byte) error {
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = typ
	copy(buf[5:], payload)
	_, err := t.Write(buf)
	return err
}

func readFramed(t Transport, timeout time.Duration) (byte, []byte, error) {
	if err := t.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, newErr(TransportError, err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(t, lenBuf[:]); err != nil {
		if isTimeout(err) {
			return 0, nil, newErr(HandshakeTimeout, err)
		}
		return 0, nil, newErr(ReadFailed, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > 2000 {
		return 0, nil, newErr(DecodeFailed, nil)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(t, body); err != nil {
		if isTimeout(err) {
			return 0, nil, newErr(HandshakeTimeout, err)
		}
		return 0, nil, newErr(ReadFailed, err)
	}
	return body[0], body[1:], nil
}

type timeouter interface{ Timeout() bool }

func isTimeout(err error) bool {
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// HandshakeType classifies the first bytes seen on an inbound connection
// as plain BitTorrent or MSE-encrypted.
type HandshakeType int

const (
	Unknown HandshakeType = iota
	Plain
	Encrypted
)

// DetectHandshakeType inspects up to 5 peeked (not consumed) bytes and
// reports which path to take. Callers must feed the peeked bytes back to
// whichever path is selected.
func DetectHandshakeType(peeked []byte) HandshakeType {
	if len(peeked) >= 4 && peeked[0] == 19 && string(peeked[1:4]) == "Bit" {
		return Plain
	}
	if len(peeked) < 5 {
		return Unknown
	}
	length := binary.BigEndian.Uint32(peeked[0:4])
	if length > 4 && length < 2000 {
		switch peeked[4] {
		case msgSKEYE, msgRKEYE, msgCRYPTO:
			return Encrypted
		}
	}
	return Plain
}
