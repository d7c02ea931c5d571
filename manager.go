package peerwire

import (
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/torunner/peerwire/internal/bitfield"
	"github.com/torunner/peerwire/internal/logger"
	"github.com/torunner/peerwire/internal/peerprotocol"
)

// ConnectionManager owns the set of PeerConnections for one torrent,
// dispatches inbound events to a Sink, enforces the connection cap, and
// drives the periodic maintenance: keep-alives, the idle-timeout sweep,
// and tit-for-tat choke rotation.
//
// The connection table is guarded by a single mutex held only for map
// lookups, insertions, and removals; iteration for broadcast or the timer
// ticks takes a snapshot and releases the lock before any I/O.
type ConnectionManager struct {
	config   *Config
	torrent  TorrentDescriptor
	provider PieceProvider
	sink     Sink
	log      logger.Logger
	peerID   [20]byte

	mu    sync.RWMutex
	conns map[string]*managedConn

	wg sync.WaitGroup

	shutdownOnce sync.Once
	closeC       chan struct{}
	shutdown     bool
}

// managedConn pairs a PeerConnection with the rate-tracking state the
// choke-rotation tick ranks by.
type managedConn struct {
	conn          *PeerConnection
	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA
}

// NewConnectionManager validates config and constructs a manager bound to
// one torrent descriptor and one PieceProvider. Config validation failure
// is the only error surfaced synchronously: every per-peer failure
// afterward is reported through Sink, never returned from a method.
func NewConnectionManager(config Config, torrent TorrentDescriptor, provider PieceProvider, sink Sink) (*ConnectionManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config
	if cfg.PeerID == ([20]byte{}) {
		cfg.PeerID = NewPeerID()
	}
	if sink == nil {
		sink = NopSink{}
	}
	m := &ConnectionManager{
		config:   &cfg,
		torrent:  torrent,
		provider: provider,
		sink:     sink,
		log:      logger.New("manager"),
		peerID:   cfg.PeerID,
		conns:    make(map[string]*managedConn),
		closeC:   make(chan struct{}),
	}
	m.wg.Add(5)
	go m.keepAliveLoop()
	go m.timeoutSweepLoop()
	go m.chokeRotationLoop()
	go m.requestTimeoutLoop()
	go m.speedCounterLoop()
	return m, nil
}

// ConnectToPeers dials every peer not already in the connection table,
// while the table has room under MaxConnections. Duplicates are silently
// skipped. Returns promptly; each dial and handshake runs on its own
// goroutine.
func (m *ConnectionManager) ConnectToPeers(peers []PeerInfo) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	var toDial []PeerInfo
	for _, p := range peers {
		if _, exists := m.conns[p.key()]; exists {
			continue
		}
		if len(m.conns) >= m.config.MaxConnections {
			break
		}
		toDial = append(toDial, p)
		// Reserve the slot immediately so a second ConnectToPeers call
		// racing this one doesn't double-dial the same peer.
		m.conns[p.key()] = &managedConn{}
	}
	m.mu.Unlock()

	for _, p := range toDial {
		go m.dial(p)
	}
}

func (m *ConnectionManager) dial(p PeerInfo) {
	conn := NewPeerConnection(p, m.torrent, m.config, m.provider, m, m.peerID)
	m.mu.Lock()
	m.conns[p.key()] = &managedConn{
		conn:          conn,
		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),
	}
	m.mu.Unlock()

	if err := conn.Connect(); err != nil {
		m.log.Debugf("connection to %s failed: %v", p, err)
		m.removeConn(p)
		conn.sink.OnPeerDisconnected(conn, err)
	}
}

// AcceptIncoming wraps an already-accepted net.Conn (dialed by some
// external listener the core doesn't own) as a PeerConnection in
// the receiver role of the handshake and, on success, enters it into the
// table exactly as an outbound dial would.
func (m *ConnectionManager) AcceptIncoming(netConn net.Conn, peerInfo PeerInfo) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		netConn.Close()
		return
	}
	if _, exists := m.conns[peerInfo.key()]; exists {
		m.mu.Unlock()
		netConn.Close()
		return
	}
	if len(m.conns) >= m.config.MaxConnections {
		m.mu.Unlock()
		netConn.Close()
		return
	}
	conn := NewPeerConnection(peerInfo, m.torrent, m.config, m.provider, m, m.peerID)
	m.conns[peerInfo.key()] = &managedConn{
		conn:          conn,
		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),
	}
	m.mu.Unlock()

	if err := conn.AcceptWith(netConn); err != nil {
		m.log.Debugf("accept from %s failed: %v", peerInfo, err)
		m.removeConn(peerInfo)
		conn.sink.OnPeerDisconnected(conn, err)
	}
}

func (m *ConnectionManager) removeConn(p PeerInfo) {
	m.mu.Lock()
	delete(m.conns, p.key())
	m.mu.Unlock()
}

// BroadcastHave sends a Have message for pieceIndex to every active
// connection. Best-effort: a single connection's write failure disconnects
// only that connection and does not abort the broadcast.
func (m *ConnectionManager) BroadcastHave(pieceIndex uint32) {
	for _, conn := range m.snapshot() {
		if !conn.IsActive() {
			continue
		}
		c := conn
		go func() {
			if err := c.Send(peerprotocol.NewHave(pieceIndex)); err != nil {
				c.Disconnect(&TransportError{Kind: IOError, Err: err})
			}
		}()
	}
}

// DisconnectPeer tears down one connection by address, if present.
func (m *ConnectionManager) DisconnectPeer(p PeerInfo) {
	m.mu.RLock()
	mc, ok := m.conns[p.key()]
	m.mu.RUnlock()
	if ok && mc.conn != nil {
		mc.conn.Disconnect(nil)
	}
}

// DisconnectAll tears down every connection concurrently and waits
// (bounded by DisconnectTimeoutSec) for teardown to finish.
func (m *ConnectionManager) DisconnectAll() {
	conns := m.snapshot()
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		wg.Add(len(conns))
		for _, c := range conns {
			go func(c *PeerConnection) {
				defer wg.Done()
				c.Disconnect(nil)
			}(c)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(m.config.DisconnectTimeoutSec) * time.Second):
		m.log.Warningln("disconnect-all timed out; remaining connections force-released")
	}
}

// Shutdown disconnects every connection, stops the background tickers, and
// turns ConnectToPeers and AcceptIncoming into no-ops. Idempotent. No
// ConnectionManager method returns ErrShutdownInProgress; callers see it
// only from PeerConnection.Send on a torn-down connection.
func (m *ConnectionManager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()
		close(m.closeC)

		done := make(chan struct{})
		go func() {
			m.DisconnectAll()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Duration(m.config.ShutdownTimeoutSec) * time.Second):
			m.log.Warningln("shutdown timed out; lingering tasks force-released")
		}
		m.wg.Wait()
	})
}

func (m *ConnectionManager) snapshot() []*PeerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PeerConnection, 0, len(m.conns))
	for _, mc := range m.conns {
		if mc.conn != nil {
			out = append(out, mc.conn)
		}
	}
	return out
}

// GetConnectedPeers returns every connection that has passed the
// BitTorrent handshake, regardless of bitfield-exchange progress.
func (m *ConnectionManager) GetConnectedPeers() []*PeerConnection {
	var out []*PeerConnection
	for _, c := range m.snapshot() {
		if c.IsConnected() {
			out = append(out, c)
		}
	}
	return out
}

// GetActivePeers returns every connection that has completed bitfield
// exchange.
func (m *ConnectionManager) GetActivePeers() []*PeerConnection {
	var out []*PeerConnection
	for _, c := range m.snapshot() {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out
}

// GetPeerBitfields snapshots every connected peer's reported bitfield,
// keyed by peer address.
func (m *ConnectionManager) GetPeerBitfields() map[string]*bitfield.Bitfield {
	out := make(map[string]*bitfield.Bitfield)
	for _, c := range m.snapshot() {
		out[c.PeerInfo().String()] = c.PeerBitfield()
	}
	return out
}

// Sink implementation: ConnectionManager forwards every connection-level
// event to its own configured Sink, and additionally removes the
// connection from its table on disconnect.

func (m *ConnectionManager) OnPeerConnected(conn *PeerConnection) {
	m.sink.OnPeerConnected(conn)
}

func (m *ConnectionManager) OnPeerDisconnected(conn *PeerConnection, reason error) {
	m.removeConn(conn.PeerInfo())
	m.sink.OnPeerDisconnected(conn, reason)
}

func (m *ConnectionManager) OnBitfieldReceived(conn *PeerConnection, bf *bitfield.Bitfield) {
	m.sink.OnBitfieldReceived(conn, bf)
}

func (m *ConnectionManager) OnPieceAvailable(conn *PeerConnection, pieceIndex uint32) {
	m.sink.OnPieceAvailable(conn, pieceIndex)
}

func (m *ConnectionManager) OnBlockReceived(conn *PeerConnection, pieceIndex, begin uint32, block []byte) {
	m.sink.OnBlockReceived(conn, pieceIndex, begin, block)
}

func keepAliveInterval(c *Config) time.Duration {
	return time.Duration(c.KeepAliveIntervalSec) * time.Second
}

func idleTimeout(c *Config) time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

func chokeRotationInterval(c *Config) time.Duration {
	return time.Duration(c.ChokeRotationIntervalSec) * time.Second
}

func optimisticUnchokeInterval(c *Config) time.Duration {
	return time.Duration(c.OptimisticUnchokeIntervalSec) * time.Second
}

// shuffledIndices returns a random permutation of [0, n), used by the
// optimistic-unchoke pick.
func shuffledIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rand.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx
}

// rankByDownloadRate sorts conns by descending download EWMA rate, the
// tit-for-tat ranking the choke-rotation tick uses to pick upload slots.
func rankByDownloadRate(mcs []*managedConn) {
	sort.Slice(mcs, func(i, j int) bool {
		return mcs[i].downloadSpeed.Rate() > mcs[j].downloadSpeed.Rate()
	})
}
