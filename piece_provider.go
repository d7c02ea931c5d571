package peerwire

import "github.com/torunner/peerwire/internal/bitfield"

// PieceProvider answers block requests from remote peers and reports our
// own piece availability. It is the connection's only handle into
// whatever storage layer the embedding application uses; PeerConnection
// never touches storage directly.
type PieceProvider interface {
	// Bitfield returns the set of pieces we currently hold, sent to
	// every peer right after the BitTorrent handshake.
	Bitfield() *bitfield.Bitfield

	// HasPiece reports whether piece index is complete and servable.
	HasPiece(index uint32) bool

	// ReadBlock returns the bytes of the block (index, begin, length).
	// Called only for pieces HasPiece already reported true for.
	ReadBlock(index, begin, length uint32) ([]byte, error)

	// RequestFailed reports a block we requested but will never receive on
	// this connection: the peer choked us, the request timed out, or the
	// connection was torn down with it still outstanding. The provider may
	// re-queue it on another connection.
	RequestFailed(index, begin, length uint32)
}

// Sink receives the five connection-lifecycle events a ConnectionManager
// fans out. Every method is called on the manager's own
// goroutines and MUST NOT block on long I/O; hand heavy work off to the
// PieceProvider's own executor.
type Sink interface {
	OnPeerConnected(conn *PeerConnection)
	OnPeerDisconnected(conn *PeerConnection, reason error)
	OnBitfieldReceived(conn *PeerConnection, bf *bitfield.Bitfield)
	OnPieceAvailable(conn *PeerConnection, pieceIndex uint32)
	OnBlockReceived(conn *PeerConnection, pieceIndex, begin uint32, block []byte)
}

// NopSink implements Sink with no-op methods, for callers that only need
// a subset of the callbacks and don't want to write five empty stubs.
type NopSink struct{}

func (NopSink) OnPeerConnected(*PeerConnection)                         {}
func (NopSink) OnPeerDisconnected(*PeerConnection, error)               {}
func (NopSink) OnBitfieldReceived(*PeerConnection, *bitfield.Bitfield)  {}
func (NopSink) OnPieceAvailable(*PeerConnection, uint32)                {}
func (NopSink) OnBlockReceived(*PeerConnection, uint32, uint32, []byte) {}
