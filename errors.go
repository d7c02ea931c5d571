package peerwire

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/torunner/peerwire/internal/mse"
	"github.com/torunner/peerwire/internal/peerprotocol"
)

// ErrShutdownInProgress is returned by PeerConnection.Send once the
// connection has been torn down, whether by Disconnect or by
// ConnectionManager.Shutdown. ConnectionManager's own methods return no
// error; after Shutdown, ConnectToPeers and AcceptIncoming do nothing.
var ErrShutdownInProgress = errors.New("peerwire: shutdown in progress")

// InvalidConfig reports a Config that failed Validate.
type InvalidConfig struct {
	Field  string
	Reason string
}

func (e *InvalidConfig) Error() string {
	return fmt.Sprintf("peerwire: invalid config field %q: %s", e.Field, e.Reason)
}

// TransportErrorKind enumerates the ways a dial, read, or write can fail.
type TransportErrorKind int

const (
	DNSFailure TransportErrorKind = iota
	ConnectRefused
	TransportTimeout
	UnexpectedEOF
	IOError
)

func (k TransportErrorKind) String() string {
	switch k {
	case DNSFailure:
		return "dns failure"
	case ConnectRefused:
		return "connection refused"
	case TransportTimeout:
		return "timeout"
	case UnexpectedEOF:
		return "unexpected eof"
	case IOError:
		return "io error"
	default:
		return "unknown transport error"
	}
}

// TransportError reports a dial/read/write failure on one connection.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peerwire: transport error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("peerwire: transport error (%s)", e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeErrorKind enumerates why the connect-time handshake failed.
type HandshakeErrorKind int

const (
	InfoHashMismatch HandshakeErrorKind = iota
	InfoHashLength
	BadProtocol
	Truncated
	WrongMessageType
	DisallowedCipher
	HandshakeTimeout
)

func (k HandshakeErrorKind) String() string {
	switch k {
	case InfoHashMismatch:
		return "info_hash mismatch"
	case InfoHashLength:
		return "invalid info_hash length"
	case BadProtocol:
		return "bad protocol string"
	case Truncated:
		return "truncated handshake"
	case WrongMessageType:
		return "unexpected message type"
	case DisallowedCipher:
		return "no overlap between offered and allowed ciphers"
	case HandshakeTimeout:
		return "handshake timed out"
	default:
		return "unknown handshake error"
	}
}

// HandshakeError reports a connect-time handshake failure (plain or MSE).
type HandshakeError struct {
	Kind HandshakeErrorKind
	Err  error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peerwire: handshake error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("peerwire: handshake error (%s)", e.Kind)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// MessageErrorKind enumerates why a peer-wire message was rejected.
type MessageErrorKind int

const (
	UnknownMessageType MessageErrorKind = iota
	MalformedLength
	BufferOverflow
	MessageTooLarge
	InvalidPiece
)

func (k MessageErrorKind) String() string {
	switch k {
	case UnknownMessageType:
		return "unknown message type"
	case MalformedLength:
		return "malformed length"
	case BufferOverflow:
		return "buffer overflow"
	case MessageTooLarge:
		return "message too large"
	case InvalidPiece:
		return "invalid piece"
	default:
		return "unknown message error"
	}
}

// MessageError reports a malformed inbound peer-wire message. Always
// per-connection: only the offending connection is disconnected.
type MessageError struct {
	Kind MessageErrorKind
	Err  error
}

func (e *MessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peerwire: message error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("peerwire: message error (%s)", e.Kind)
}

func (e *MessageError) Unwrap() error { return e.Err }

// CipherErrorKind enumerates why constructing a cipher instance failed.
type CipherErrorKind int

const (
	InvalidKey CipherErrorKind = iota
	InvalidNonce
	InvalidIV
)

func (k CipherErrorKind) String() string {
	switch k {
	case InvalidKey:
		return "invalid key"
	case InvalidNonce:
		return "invalid nonce"
	case InvalidIV:
		return "invalid iv"
	default:
		return "unknown cipher error"
	}
}

// CipherError reports a cipher construction failure. Construction-time
// only: encryption and decryption themselves never fail.
type CipherError struct {
	Kind CipherErrorKind
	Err  error
}

func (e *CipherError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peerwire: cipher error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("peerwire: cipher error (%s)", e.Kind)
}

func (e *CipherError) Unwrap() error { return e.Err }

// wrapHandshakeError lifts an internal/mse.HandshakeError into the
// package's closed HandshakeError taxonomy.
func wrapHandshakeError(err error) *HandshakeError {
	he, ok := err.(*mse.HandshakeError)
	if !ok {
		return &HandshakeError{Kind: HandshakeTimeout, Err: errors.Wrap(err, "mse handshake")}
	}
	kind := HandshakeTimeout
	switch he.Kind {
	case mse.InfoHashLength:
		kind = InfoHashLength
	case mse.ReadFailed, mse.DecodeFailed:
		kind = Truncated
	case mse.WrongMessageType:
		kind = WrongMessageType
	case mse.DisallowedCipher:
		kind = DisallowedCipher
	case mse.HandshakeTimeout:
		kind = HandshakeTimeout
	case mse.TransportError:
		kind = Truncated
	}
	return &HandshakeError{Kind: kind, Err: errors.Wrap(he, "mse handshake")}
}

// wrapDecodeError lifts an internal/peerprotocol.DecodeError into the
// package's closed MessageError taxonomy.
func wrapDecodeError(err error) *MessageError {
	de, ok := err.(*peerprotocol.DecodeError)
	if !ok {
		return &MessageError{Kind: UnknownMessageType, Err: errors.Wrap(err, "decode")}
	}
	kind := UnknownMessageType
	switch de.Kind {
	case peerprotocol.UnknownType:
		kind = UnknownMessageType
	case peerprotocol.MalformedLength:
		kind = MalformedLength
	case peerprotocol.BufferOverflow:
		kind = BufferOverflow
	case peerprotocol.MessageTooLarge:
		kind = MessageTooLarge
	}
	return &MessageError{Kind: kind, Err: errors.Wrap(de, "decode")}
}
