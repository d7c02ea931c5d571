// Package peerprotocol implements the BitTorrent peer-wire message codec:
// the 68-byte handshake, the length-prefixed message framing, and the
// encoders for every message type in the table below.
//
//	0 Choke         5 Bitfield
//	1 Unchoke       6 Request
//	2 Interested    7 Piece
//	3 NotInterested 8 Cancel
//	4 Have
package peerprotocol

import (
	"encoding/binary"
	"errors"
)

// MessageID identifies the wire type of a peer-wire message.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

const (
	protocolLen  = 19
	protocolStr  = "BitTorrent protocol"
	HandshakeLen = 68
	MaxBlockSize = 1 << 17 // enforced on decode; see MessageTooLarge
	fixedPrefix  = 4       // length prefix
)

// Handshake is the plaintext 68-byte BitTorrent protocol handshake.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// Encode renders h as the canonical 68-byte wire representation.
func (h *Handshake) Encode() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = protocolLen
	copy(buf[1:20], protocolStr)
	copy(buf[20:28], h.Reserved[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// DecodeHandshake parses exactly HandshakeLen bytes, validating the
// protocol-length byte and the "BitTorrent protocol" string. Reserved bytes
// are accepted as-is (feature flags live there, and this layer doesn't
// interpret them).
func DecodeHandshake(b []byte) (*Handshake, error) {
	if len(b) != HandshakeLen {
		return nil, errors.New("peerprotocol: handshake must be exactly 68 bytes")
	}
	if b[0] != protocolLen {
		return nil, errors.New("peerprotocol: bad protocol length byte")
	}
	if string(b[1:20]) != protocolStr {
		return nil, errors.New("peerprotocol: bad protocol string")
	}
	h := &Handshake{}
	copy(h.Reserved[:], b[20:28])
	copy(h.InfoHash[:], b[28:48])
	copy(h.PeerID[:], b[48:68])
	return h, nil
}

// Message is the decoded form of a single peer-wire frame. A KeepAlive is
// marked by the KeepAlive flag (it has no type byte on the wire and its ID
// is left at zero); every other field is only meaningful for the variants
// that carry it.
type Message struct {
	ID        MessageID
	KeepAlive bool
	Index     uint32
	Begin     uint32
	Length    uint32
	Bitfield  []byte
	Block     []byte
}

// Encode renders m as its wire frame: [4-byte length][type][payload].
func (m *Message) Encode() []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		return frame(m.ID, nil)
	case Have:
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
		return frame(m.ID, payload)
	case Bitfield:
		return frame(m.ID, m.Bitfield)
	case Request, Cancel:
		payload := make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
		return frame(m.ID, payload)
	case Piece:
		payload := make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Block)
		return frame(m.ID, payload)
	default:
		panic("peerprotocol: unknown message id")
	}
}

func frame(id MessageID, payload []byte) []byte {
	buf := make([]byte, fixedPrefix+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(id)
	copy(buf[5:], payload)
	return buf
}

// NewKeepAlive returns the zero-length KeepAlive message.
func NewKeepAlive() *Message { return &Message{KeepAlive: true} }

// NewChoke, NewUnchoke, NewInterested, NewNotInterested build the four
// fixed no-payload messages.
func NewChoke() *Message         { return &Message{ID: Choke} }
func NewUnchoke() *Message       { return &Message{ID: Unchoke} }
func NewInterested() *Message    { return &Message{ID: Interested} }
func NewNotInterested() *Message { return &Message{ID: NotInterested} }

// NewHave builds a Have message for piece index i.
func NewHave(i uint32) *Message { return &Message{ID: Have, Index: i} }

// NewBitfield builds a Bitfield message wrapping b verbatim.
func NewBitfield(b []byte) *Message { return &Message{ID: Bitfield, Bitfield: b} }

// NewRequest builds a Request message.
func NewRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Index: index, Begin: begin, Length: length}
}

// NewCancel builds a Cancel message.
func NewCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Index: index, Begin: begin, Length: length}
}

// NewPiece builds a Piece message. block is not copied.
func NewPiece(index, begin uint32, block []byte) *Message {
	return &Message{ID: Piece, Index: index, Begin: begin, Block: block}
}
