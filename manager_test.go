package peerwire

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torunner/peerwire/internal/peerprotocol"
)

func managerTestConfig() Config {
	c := DefaultConfig
	c.Encryption.Mode = EncryptionDisabled
	c.MaxConnections = 50
	c.ConnectionTimeoutSec = 2
	c.IdleTimeoutSec = 5
	c.RequestTimeoutSec = 5
	c.DisconnectTimeoutSec = 1
	c.ShutdownTimeoutSec = 1
	c.ChokeRotationIntervalSec = 3600
	c.OptimisticUnchokeIntervalSec = 3600
	c.KeepAliveIntervalSec = 3600
	return c
}

// pipePeer performs the remote side of a plain handshake over one end of a
// net.Pipe, then drains everything the manager writes afterward (Bitfield,
// Unchoke, ...) so the manager's writeLoop is never blocked on an unread
// net.Pipe.
func pipePeer(t *testing.T, client net.Conn, infoHash InfoHash) {
	t.Helper()
	buf := make([]byte, peerprotocol.HandshakeLen)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	reply := &peerprotocol.Handshake{InfoHash: [20]byte(infoHash)}
	_, err = client.Write(reply.Encode())
	require.NoError(t, err)
	go io.Copy(io.Discard, client)
}

func TestNewConnectionManagerRejectsInvalidConfig(t *testing.T) {
	c := managerTestConfig()
	c.MaxConnections = 0
	_, err := NewConnectionManager(c, TorrentDescriptor{NumPieces: 1}, newFakeProvider(1, nil), nil)
	require.Error(t, err)
}

func TestNewConnectionManagerGeneratesPeerID(t *testing.T) {
	c := managerTestConfig()
	m, err := NewConnectionManager(c, TorrentDescriptor{NumPieces: 1}, newFakeProvider(1, nil), nil)
	require.NoError(t, err)
	defer m.Shutdown()
	require.NotEqual(t, [20]byte{}, m.peerID)
}

func TestAcceptIncomingAddsConnectionAndNotifiesSink(t *testing.T) {
	infoHash := InfoHash{1}
	torrent := TorrentDescriptor{InfoHash: infoHash, NumPieces: 1}
	provider := newFakeProvider(1, nil)
	sink := newFakeSink()
	config := managerTestConfig()

	m, err := NewConnectionManager(config, torrent, provider, sink)
	require.NoError(t, err)
	defer m.Shutdown()

	client, server := net.Pipe()
	peerInfo := PeerInfo{IP: net.ParseIP("10.0.0.1"), Port: 6000}
	go pipePeer(t, client, infoHash)
	go m.AcceptIncoming(server, peerInfo)

	select {
	case <-sink.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnPeerConnected")
	}

	require.Len(t, m.GetConnectedPeers(), 1)
	bfs := m.GetPeerBitfields()
	require.Contains(t, bfs, peerInfo.String())
}

func TestAcceptIncomingDedupesSameAddress(t *testing.T) {
	infoHash := InfoHash{2}
	torrent := TorrentDescriptor{InfoHash: infoHash, NumPieces: 1}
	provider := newFakeProvider(1, nil)
	sink := newFakeSink()
	config := managerTestConfig()

	m, err := NewConnectionManager(config, torrent, provider, sink)
	require.NoError(t, err)
	defer m.Shutdown()

	peerInfo := PeerInfo{IP: net.ParseIP("10.0.0.2"), Port: 6001}

	client1, server1 := net.Pipe()
	go pipePeer(t, client1, infoHash)
	go m.AcceptIncoming(server1, peerInfo)

	select {
	case <-sink.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first connection")
	}

	client2, server2 := net.Pipe()
	defer client2.Close()
	m.AcceptIncoming(server2, peerInfo)

	// The duplicate must be rejected without any handshake I/O: the pipe
	// closes immediately from the manager's side.
	buf := make([]byte, 1)
	client2.SetReadDeadline(time.Now().Add(time.Second))
	_, err = client2.Read(buf)
	require.Error(t, err)

	require.Len(t, m.GetConnectedPeers(), 1)
}

func TestAcceptIncomingRejectsOverCapacity(t *testing.T) {
	infoHash := InfoHash{3}
	torrent := TorrentDescriptor{InfoHash: infoHash, NumPieces: 1}
	provider := newFakeProvider(1, nil)
	sink := newFakeSink()
	config := managerTestConfig()
	config.MaxConnections = 1

	m, err := NewConnectionManager(config, torrent, provider, sink)
	require.NoError(t, err)
	defer m.Shutdown()

	peerInfo1 := PeerInfo{IP: net.ParseIP("10.0.0.3"), Port: 6002}
	client1, server1 := net.Pipe()
	go pipePeer(t, client1, infoHash)
	go m.AcceptIncoming(server1, peerInfo1)

	select {
	case <-sink.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first connection")
	}

	peerInfo2 := PeerInfo{IP: net.ParseIP("10.0.0.4"), Port: 6003}
	client2, server2 := net.Pipe()
	defer client2.Close()
	m.AcceptIncoming(server2, peerInfo2)

	buf := make([]byte, 1)
	client2.SetReadDeadline(time.Now().Add(time.Second))
	_, err = client2.Read(buf)
	require.Error(t, err)

	require.Len(t, m.GetConnectedPeers(), 1)
}

func TestBroadcastHaveReachesActiveConnection(t *testing.T) {
	infoHash := InfoHash{4}
	torrent := TorrentDescriptor{InfoHash: infoHash, NumPieces: 4}
	provider := newFakeProvider(4, nil)
	sink := newFakeSink()
	config := managerTestConfig()

	m, err := NewConnectionManager(config, torrent, provider, sink)
	require.NoError(t, err)
	defer m.Shutdown()

	client, server := net.Pipe()
	peerInfo := PeerInfo{IP: net.ParseIP("10.0.0.5"), Port: 6004}

	handshakeDone := make(chan struct{})
	go func() {
		buf := make([]byte, peerprotocol.HandshakeLen)
		_, rerr := io.ReadFull(client, buf)
		require.NoError(t, rerr)
		reply := &peerprotocol.Handshake{InfoHash: [20]byte(infoHash)}
		_, werr := client.Write(reply.Encode())
		require.NoError(t, werr)
		close(handshakeDone)

		// Peer immediately sends its own empty bitfield so the connection
		// reaches StateActive and is eligible for BroadcastHave.
		bf := peerprotocol.NewBitfield([]byte{0x00})
		_, _ = client.Write(bf.Encode())
		_, _ = client.Write(peerprotocol.NewUnchoke().Encode())
	}()

	go m.AcceptIncoming(server, peerInfo)

	select {
	case <-sink.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	<-handshakeDone

	require.Eventually(t, func() bool {
		return len(m.GetActivePeers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.BroadcastHave(2)

	decoder := peerprotocol.NewDecoder(0)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readBuf := make([]byte, 256)
	var have *peerprotocol.Message
	for have == nil {
		n, rerr := client.Read(readBuf)
		require.NoError(t, rerr)
		decoder.Feed(readBuf[:n])
		for {
			msg, ok, derr := decoder.Next()
			require.NoError(t, derr)
			if !ok {
				break
			}
			if msg.ID == peerprotocol.Have {
				have = msg
				break
			}
		}
	}
	require.EqualValues(t, 2, have.Index)
}

func TestShutdownIsIdempotentAndBounded(t *testing.T) {
	config := managerTestConfig()
	m, err := NewConnectionManager(config, TorrentDescriptor{NumPieces: 1}, newFakeProvider(1, nil), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		m.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return; expected bounded, idempotent teardown")
	}
}

func TestDisconnectPeerRemovesFromTable(t *testing.T) {
	infoHash := InfoHash{5}
	torrent := TorrentDescriptor{InfoHash: infoHash, NumPieces: 1}
	provider := newFakeProvider(1, nil)
	sink := newFakeSink()
	config := managerTestConfig()

	m, err := NewConnectionManager(config, torrent, provider, sink)
	require.NoError(t, err)
	defer m.Shutdown()

	client, server := net.Pipe()
	peerInfo := PeerInfo{IP: net.ParseIP("10.0.0.6"), Port: 6005}
	go pipePeer(t, client, infoHash)
	go m.AcceptIncoming(server, peerInfo)

	select {
	case <-sink.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	require.Len(t, m.GetConnectedPeers(), 1)

	m.DisconnectPeer(peerInfo)

	require.Eventually(t, func() bool {
		return len(m.GetConnectedPeers()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
