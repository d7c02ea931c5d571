// Package peerwire implements the BitTorrent peer-wire transport: MSE/PE
// handshake negotiation, the peer-wire message codec, and a per-peer
// connection state machine coordinated by a ConnectionManager.
//
// The package is a library, not a client. Piece selection, storage,
// tracker and DHT discovery live in the embedding application, which
// supplies a PieceProvider and receives lifecycle events through a Sink;
// peers arrive as plain (ip, port) addresses.
package peerwire
