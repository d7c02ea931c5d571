package peerwire

import (
	"fmt"
	"net"
)

// InfoHash identifies the torrent a connection belongs to.
type InfoHash [20]byte

func (h InfoHash) String() string { return fmt.Sprintf("%x", h[:]) }

// TorrentDescriptor carries the static facts a PeerConnection needs about
// the torrent it serves, independent of storage or metainfo parsing.
type TorrentDescriptor struct {
	InfoHash    InfoHash
	NumPieces   uint32
	PieceLength uint32
}

// PeerInfo identifies one remote peer by network address.
type PeerInfo struct {
	IP   net.IP
	Port uint16
}

func (p PeerInfo) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
}

func (p PeerInfo) key() string { return p.String() }

// ConnectionState enumerates the lifecycle of a PeerConnection.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateBitfieldSent
	StateActive
	StateChoked
	StateDisconnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBitfieldSent:
		return "bitfield-sent"
	case StateActive:
		return "active"
	case StateChoked:
		return "choked"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// requestKey is the (piece, begin, length) tuple keying outstanding block
// requests.
type requestKey struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// OutstandingRequest records a block request we've sent but not yet had
// answered (or failed locally on timeout).
type OutstandingRequest struct {
	Index  uint32
	Begin  uint32
	Length uint32
	SentAt int64 // unix nanos; set by the connection at send time
}

// PeerState is the mutable per-connection negotiation state: choke and
// interest flags, the optimistic-unchoke and snubbed marks, and rate
// accounting for the tit-for-tat scheduler. The peer's known pieces are
// kept in the connection's peer bitfield, not here.
type PeerState struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	OptimisticUnchoked bool

	// Snubbed marks a peer that let a block request expire without
	// answering. Snubbed peers sit out one optimistic-unchoke rotation.
	Snubbed bool

	BytesDownloadedInChokePeriod int64
	BytesUploadedInChokePeriod   int64
}

// newPeerState returns the state both sides start a connection in: we
// choke and are not interested until told otherwise, and we assume the
// peer chokes us until it says otherwise (BEP 3).
func newPeerState() *PeerState {
	return &PeerState{
		AmChoking:   true,
		PeerChoking: true,
	}
}
