package peerprotocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func drainAll(t *testing.T, d *Decoder) []*Message {
	t.Helper()
	var out []*Message
	for {
		m, ok, err := d.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestDecoderHandlesArbitraryChunkSplits(t *testing.T) {
	msgs := []*Message{
		NewChoke(),
		NewInterested(),
		NewHave(5),
		NewBitfield([]byte{0x01, 0x02}),
		NewRequest(1, 0, 16384),
		NewPiece(1, 0, []byte("abcdefghijklmnop")),
		NewKeepAlive(),
		NewCancel(1, 0, 16384),
	}
	var wire []byte
	for _, m := range msgs {
		wire = append(wire, m.Encode()...)
	}

	chunkSizes := []int{1, 2, 3, 5, 7, 11, len(wire)}
	for _, chunk := range chunkSizes {
		d := NewDecoder(0)
		var got []*Message
		for i := 0; i < len(wire); i += chunk {
			end := i + chunk
			if end > len(wire) {
				end = len(wire)
			}
			d.Feed(wire[i:end])
			got = append(got, drainAll(t, d)...)
		}
		require.Len(t, got, len(msgs))
		for i, m := range msgs {
			require.Equal(t, m.ID, got[i].ID)
			require.Equal(t, m.KeepAlive, got[i].KeepAlive)
			require.Equal(t, m.Block, got[i].Block)
		}
	}
}

func TestDecoderNeedsMoreBytes(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte{0, 0})
	_, ok, err := d.Next()
	require.NoError(t, err)
	require.False(t, ok)

	d.Feed([]byte{0, 5, 0}) // length=5, type byte present, 4-byte payload missing
	_, ok, err = d.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecoderRejectsMalformedLength(t *testing.T) {
	d := NewDecoder(0)
	// Choke (type 0) must carry length == 1; claim length 3 instead.
	buf := make([]byte, 4+3)
	binary.BigEndian.PutUint32(buf[0:4], 3)
	buf[4] = byte(Choke)
	d.Feed(buf)
	_, _, err := d.Next()
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	require.Equal(t, MalformedLength, de.Kind)
}

func TestDecoderRejectsUnknownType(t *testing.T) {
	d := NewDecoder(0)
	buf := make([]byte, 4+1)
	binary.BigEndian.PutUint32(buf[0:4], 1)
	buf[4] = 250
	d.Feed(buf)
	_, _, err := d.Next()
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	require.Equal(t, UnknownType, de.Kind)
}

func TestDecoderRejectsMessageTooLarge(t *testing.T) {
	d := NewDecoder(0)
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, MaxBlockSize+10)
	d.Feed(buf)
	_, _, err := d.Next()
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	require.Equal(t, MessageTooLarge, de.Kind)
}

func TestDecoderRejectsBufferOverflow(t *testing.T) {
	d := NewDecoder(16) // tiny overflow cap
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, 1000) // within MaxBlockSize but over our cap
	d.Feed(buf)
	_, _, err := d.Next()
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	require.Equal(t, BufferOverflow, de.Kind)
}

func TestDecoderReleaseReusesFixedMessages(t *testing.T) {
	d := NewDecoder(0)
	d.Feed(NewChoke().Encode())
	m1, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	d.Release(m1)

	d.Feed(NewChoke().Encode())
	m2, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, m1, m2)
}

func TestDecoderReleaseIgnoresVariableLengthMessages(t *testing.T) {
	d := NewDecoder(0)
	d.Feed(NewBitfield([]byte{0xff}).Encode())
	m, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotPanics(t, func() { d.Release(m) })
}

func TestDecoderReleaseNilIsNoop(t *testing.T) {
	d := NewDecoder(0)
	require.NotPanics(t, func() { d.Release(nil) })
}
