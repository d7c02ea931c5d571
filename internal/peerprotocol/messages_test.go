package peerprotocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := &Handshake{}
	for i := range h.InfoHash {
		h.InfoHash[i] = byte(i)
	}
	for i := range h.PeerID {
		h.PeerID[i] = byte(20 + i)
	}
	h.Reserved[7] = 0x10 // extension-protocol bit

	encoded := h.Encode()
	require.Len(t, encoded, HandshakeLen)
	require.Equal(t, byte(19), encoded[0])
	require.Equal(t, "BitTorrent protocol", string(encoded[1:20]))

	got, err := DecodeHandshake(encoded)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHandshakeRejectsBadLength(t *testing.T) {
	_, err := DecodeHandshake(make([]byte, 67))
	require.Error(t, err)
}

func TestDecodeHandshakeRejectsBadProtocolByte(t *testing.T) {
	buf := (&Handshake{}).Encode()
	buf[0] = 18
	_, err := DecodeHandshake(buf)
	require.Error(t, err)
}

func TestDecodeHandshakeRejectsBadProtocolString(t *testing.T) {
	buf := (&Handshake{}).Encode()
	copy(buf[1:20], "CorruptedProtocolXX")
	_, err := DecodeHandshake(buf)
	require.Error(t, err)
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Message{
		NewKeepAlive(),
		NewChoke(),
		NewUnchoke(),
		NewInterested(),
		NewNotInterested(),
		NewHave(42),
		NewBitfield([]byte{0xff, 0x00, 0xab}),
		NewRequest(1, 16384, 16384),
		NewCancel(1, 16384, 16384),
		NewPiece(7, 0, []byte("some block payload")),
	}
	for _, m := range cases {
		wire := m.Encode()
		d := NewDecoder(0)
		d.Feed(wire)
		got, ok, err := d.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, m.KeepAlive, got.KeepAlive)
		if m.KeepAlive {
			continue
		}
		require.Equal(t, m.ID, got.ID)
		require.Equal(t, m.Index, got.Index)
		require.Equal(t, m.Begin, got.Begin)
		require.Equal(t, m.Length, got.Length)
		require.Equal(t, m.Bitfield, got.Bitfield)
		require.Equal(t, m.Block, got.Block)
	}
}

func TestEncodeKeepAliveIsFourZeroBytes(t *testing.T) {
	require.Equal(t, []byte{0, 0, 0, 0}, NewKeepAlive().Encode())
}

func TestEncodePieceCarriesBlockAfterHeader(t *testing.T) {
	block := []byte{1, 2, 3}
	m := NewPiece(0, 0, block)
	wire := m.Encode()
	require.Equal(t, block, wire[13:])
}

func TestMessageEncodePanicsOnUnknownID(t *testing.T) {
	require.Panics(t, func() {
		(&Message{ID: MessageID(200)}).Encode()
	})
}
