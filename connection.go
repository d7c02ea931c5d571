package peerwire

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/torunner/peerwire/internal/bitfield"
	"github.com/torunner/peerwire/internal/logger"
	"github.com/torunner/peerwire/internal/mse"
	"github.com/torunner/peerwire/internal/peerprotocol"
)

// writeQueueDepth bounds how many already-encoded messages may wait on a
// connection's write channel before Send blocks its caller.
const writeQueueDepth = 64

// PeerConnection owns one transport to one remote peer: the optional MSE
// cipher pair, the streaming decoder, and the handshake/choke/request state
// machine. A PeerConnection never holds a pointer back to its owning
// ConnectionManager; it reports everything through the injected
// PieceProvider and Sink.
type PeerConnection struct {
	peerInfo    PeerInfo
	torrent     TorrentDescriptor
	config      *Config
	provider    PieceProvider
	sink        Sink
	log         logger.Logger
	localPeerID [20]byte

	mu           sync.Mutex
	state        ConnectionState
	peerState    *PeerState
	peerBitfield *bitfield.Bitfield
	bitfieldSeen bool
	outstanding  map[requestKey]*OutstandingRequest
	remotePeerID [20]byte

	lastActivity int64 // unix nanos, atomic

	conn      net.Conn
	cipherIn  mse.Cipher
	cipherOut mse.Cipher
	decoder   *peerprotocol.Decoder

	writeC  chan []byte
	closeC  chan struct{}
	closedC chan struct{}

	closeOnce sync.Once
}

// NewPeerConnection constructs a connection in StateIdle. Connect must be
// called before the connection is usable.
func NewPeerConnection(peerInfo PeerInfo, torrent TorrentDescriptor, config *Config, provider PieceProvider, sink Sink, localPeerID [20]byte) *PeerConnection {
	if sink == nil {
		sink = NopSink{}
	}
	return &PeerConnection{
		peerInfo:     peerInfo,
		torrent:      torrent,
		config:       config,
		provider:     provider,
		sink:         sink,
		log:          logger.New("peer -> " + peerInfo.String()),
		localPeerID:  localPeerID,
		state:        StateIdle,
		peerState:    newPeerState(),
		peerBitfield: bitfield.New(torrent.NumPieces),
		outstanding:  make(map[requestKey]*OutstandingRequest),
		writeC:       make(chan []byte, writeQueueDepth),
		closeC:       make(chan struct{}),
		closedC:      make(chan struct{}),
	}
}

func (c *PeerConnection) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

func (c *PeerConnection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *PeerConnection) getState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the peer, performs the MSE handshake per the configured
// EncryptionMode, exchanges the plain BitTorrent handshake, and sends our
// bitfield and an initial Unchoke. It returns once that initial
// exchange is complete; the connection reaches StateActive asynchronously,
// once the peer's bitfield arrives on the receive loop.
func (c *PeerConnection) Connect() error {
	c.setState(StateConnecting)
	connectTimeout := time.Duration(c.config.ConnectionTimeoutSec) * time.Second
	conn, err := net.DialTimeout("tcp", c.peerInfo.String(), connectTimeout)
	if err != nil {
		c.setState(StateError)
		return &TransportError{Kind: ConnectRefused, Err: err}
	}
	c.conn = conn
	c.touch()

	handshakeTimeout := connectTimeout
	if c.config.Encryption.Mode != EncryptionDisabled {
		if err := c.attemptMSE(handshakeTimeout); err != nil {
			if c.config.Encryption.Mode == EncryptionRequired {
				conn.Close()
				c.setState(StateError)
				return err
			}
			// Preferred: fall back to a fresh plain connection. The bytes
			// already exchanged on conn cannot be un-sent, so we redial.
			conn.Close()
			conn, err = net.DialTimeout("tcp", c.peerInfo.String(), connectTimeout)
			if err != nil {
				c.setState(StateError)
				return &TransportError{Kind: ConnectRefused, Err: err}
			}
			c.conn = conn
			c.cipherIn, c.cipherOut = nil, nil
		}
	}

	return c.finishHandshake(handshakeTimeout)
}

// bufConn overrides net.Conn's Read to drain a bufio.Reader first, so bytes
// peeked for PE/plain detection are never lost once the real read path
// (handshake, decoder feed) takes over.
type bufConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// AcceptWith runs the receiver side of connection setup, the mirror image
// of Connect, over an already-accepted net.Conn. It peeks the first bytes
// to classify the inbound stream as plain or MSE-encrypted, runs the MSE
// Receiver role when appropriate, then completes the same
// plain-handshake/bitfield/unchoke sequence Connect does.
func (c *PeerConnection) AcceptWith(netConn net.Conn) error {
	c.setState(StateConnecting)
	handshakeTimeout := time.Duration(c.config.ConnectionTimeoutSec) * time.Second
	c.conn = netConn
	c.touch()

	// With encryption disabled there is nothing to classify; go straight to
	// the plain path without waiting for the peer's first bytes.
	if c.config.Encryption.Mode != EncryptionDisabled {
		br := bufio.NewReader(netConn)
		netConn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		peeked, _ := br.Peek(5)
		kind := mse.DetectHandshakeType(peeked)
		c.conn = &bufConn{Conn: netConn, r: br}

		if kind == mse.Encrypted {
			if err := c.attemptMSEReceiver(handshakeTimeout); err != nil {
				netConn.Close()
				c.setState(StateError)
				return err
			}
		} else if c.config.Encryption.Mode == EncryptionRequired {
			netConn.Close()
			c.setState(StateError)
			return &HandshakeError{Kind: DisallowedCipher}
		}
	}

	return c.finishHandshake(handshakeTimeout)
}

func (c *PeerConnection) attemptMSEReceiver(timeout time.Duration) error {
	allowed := make([]mse.CipherKind, len(c.config.Encryption.AllowedCiphers))
	for i, k := range c.config.Encryption.AllowedCiphers {
		allowed[i] = mse.CipherKind(k)
	}
	policy := mse.Policy{AllowedCiphers: allowed, PreferRC4: c.config.Encryption.PreferRC4}
	sess, err := mse.Receiver(c.conn, c.torrent.InfoHash[:], mse.KeySize(c.config.Encryption.DHKeySize), policy, timeout)
	if err != nil {
		return wrapHandshakeError(err)
	}
	c.cipherIn = sess.CipherIn
	c.cipherOut = sess.CipherOut
	return nil
}

// finishHandshake runs the plain BitTorrent handshake exchange and the
// post-handshake bitfield/unchoke sequence shared by both Connect and
// AcceptWith, once the transport (and any MSE cipher pair) is ready.
func (c *PeerConnection) finishHandshake(handshakeTimeout time.Duration) error {
	if err := c.writeHandshake(handshakeTimeout); err != nil {
		c.conn.Close()
		c.setState(StateError)
		return err
	}
	hs, err := c.readHandshake(handshakeTimeout)
	if err != nil {
		c.conn.Close()
		c.setState(StateError)
		return err
	}
	if hs.InfoHash != [20]byte(c.torrent.InfoHash) {
		c.conn.Close()
		c.setState(StateError)
		return &HandshakeError{Kind: InfoHashMismatch}
	}
	c.mu.Lock()
	c.remotePeerID = hs.PeerID
	c.state = StateConnected
	c.mu.Unlock()

	c.decoder = peerprotocol.NewDecoder(peerprotocol.DefaultOverflowCap)

	go c.writeLoop()
	go c.readLoop()

	if err := c.Send(peerprotocol.NewBitfield(c.provider.Bitfield().Bytes())); err != nil {
		return err
	}
	c.mu.Lock()
	c.peerState.AmChoking = false
	if c.state == StateConnected {
		c.state = StateBitfieldSent
	}
	c.mu.Unlock()
	if err := c.Send(peerprotocol.NewUnchoke()); err != nil {
		return err
	}

	c.sink.OnPeerConnected(c)
	return nil
}

// attemptMSE runs the MSE Initiator handshake over c.conn and, on success,
// installs c.cipherIn/c.cipherOut.
func (c *PeerConnection) attemptMSE(timeout time.Duration) error {
	allowed := make([]mse.CipherKind, len(c.config.Encryption.AllowedCiphers))
	for i, k := range c.config.Encryption.AllowedCiphers {
		allowed[i] = mse.CipherKind(k)
	}
	policy := mse.Policy{AllowedCiphers: allowed, PreferRC4: c.config.Encryption.PreferRC4}
	sess, err := mse.Initiator(c.conn, c.torrent.InfoHash[:], mse.KeySize(c.config.Encryption.DHKeySize), policy, timeout)
	if err != nil {
		return wrapHandshakeError(err)
	}
	c.cipherIn = sess.CipherIn
	c.cipherOut = sess.CipherOut
	return nil
}

func (c *PeerConnection) writeHandshake(timeout time.Duration) error {
	hs := &peerprotocol.Handshake{InfoHash: c.torrent.InfoHash, PeerID: c.localPeerID}
	b := hs.Encode()
	if c.cipherOut != nil {
		b = c.cipherOut.Encrypt(b)
	}
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := c.conn.Write(b)
	if err != nil {
		return &TransportError{Kind: IOError, Err: err}
	}
	return nil
}

func (c *PeerConnection) readHandshake(timeout time.Duration) (*peerprotocol.Handshake, error) {
	buf := make([]byte, peerprotocol.HandshakeLen)
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, &TransportError{Kind: IOError, Err: err}
	}
	if c.cipherIn != nil {
		buf = c.cipherIn.Decrypt(buf)
	}
	hs, err := peerprotocol.DecodeHandshake(buf)
	if err != nil {
		return nil, &HandshakeError{Kind: BadProtocol, Err: err}
	}
	return hs, nil
}

// SetInterested declares or withdraws our interest in the peer's pieces,
// sending Interested/NotInterested only on an actual transition. Piece
// selection lives outside this core; callers typically set this once
// they find a piece on the peer's bitfield they don't yet have.
func (c *PeerConnection) SetInterested(interested bool) error {
	c.mu.Lock()
	changed := c.peerState.AmInterested != interested
	c.peerState.AmInterested = interested
	c.mu.Unlock()
	if !changed {
		return nil
	}
	if interested {
		return c.Send(peerprotocol.NewInterested())
	}
	return c.Send(peerprotocol.NewNotInterested())
}

// peerInterested reports whether the peer last told us it is interested.
func (c *PeerConnection) peerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerState.PeerInterested
}

// amChoking reports whether we are currently choking the peer.
func (c *PeerConnection) amChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerState.AmChoking
}

// optimisticUnchoked reports whether the choke-rotation tick currently
// holds this connection unchoked as its optimistic pick.
func (c *PeerConnection) optimisticUnchoked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerState.OptimisticUnchoked
}

func (c *PeerConnection) setOptimisticUnchoked(v bool) {
	c.mu.Lock()
	c.peerState.OptimisticUnchoked = v
	c.mu.Unlock()
}

// snubbed reports whether the peer recently let a request expire.
func (c *PeerConnection) snubbed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerState.Snubbed
}

func (c *PeerConnection) setSnubbed(v bool) {
	c.mu.Lock()
	c.peerState.Snubbed = v
	c.mu.Unlock()
}

// setAmChoking applies the choke-rotation tick's decision for this
// connection, sending Choke/Unchoke only on an actual transition.
func (c *PeerConnection) setAmChoking(choking bool) {
	c.mu.Lock()
	changed := c.peerState.AmChoking != choking
	c.peerState.AmChoking = choking
	c.mu.Unlock()
	if !changed {
		return
	}
	if choking {
		_ = c.Send(peerprotocol.NewChoke())
	} else {
		_ = c.Send(peerprotocol.NewUnchoke())
	}
}

// Send encodes message and enqueues it on the connection's single writer
// goroutine, preserving per-connection FIFO order.
func (c *PeerConnection) Send(message *peerprotocol.Message) error {
	b := message.Encode()
	select {
	case c.writeC <- b:
		return nil
	case <-c.closeC:
		return ErrShutdownInProgress
	}
}

// RequestBlock enqueues a Request for (index, begin, length). Refused while
// the peer chokes us or the pipeline is full.
func (c *PeerConnection) RequestBlock(index, begin, length uint32) error {
	c.mu.Lock()
	if c.peerState.PeerChoking {
		c.mu.Unlock()
		return &MessageError{Kind: InvalidPiece, Err: errors.New("peer is choking us")}
	}
	if len(c.outstanding) >= c.config.PipelineDepth {
		c.mu.Unlock()
		return &MessageError{Kind: InvalidPiece, Err: errors.New("pipeline depth exceeded")}
	}
	key := requestKey{Index: index, Begin: begin, Length: length}
	c.outstanding[key] = &OutstandingRequest{Index: index, Begin: begin, Length: length, SentAt: time.Now().UnixNano()}
	c.mu.Unlock()
	return c.Send(peerprotocol.NewRequest(index, begin, length))
}

// CancelBlock removes (index, begin, length) from the outstanding set, if
// present, and best-effort notifies the peer.
func (c *PeerConnection) CancelBlock(index, begin, length uint32) {
	key := requestKey{Index: index, Begin: begin, Length: length}
	c.mu.Lock()
	_, ok := c.outstanding[key]
	delete(c.outstanding, key)
	c.mu.Unlock()
	if ok {
		_ = c.Send(peerprotocol.NewCancel(index, begin, length))
	}
}

// Disconnect idempotently tears down the connection: cancels the
// reader/writer goroutines, closes the transport, fails every outstanding
// request, and invokes OnPeerDisconnected exactly once.
func (c *PeerConnection) Disconnect(reason error) {
	c.closeOnce.Do(func() {
		close(c.closeC)
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Lock()
		c.state = StateDisconnected
		failed := c.outstanding
		c.outstanding = make(map[requestKey]*OutstandingRequest)
		c.mu.Unlock()
		for key := range failed {
			c.provider.RequestFailed(key.Index, key.Begin, key.Length)
		}
		c.sink.OnPeerDisconnected(c, reason)
		close(c.closedC)
	})
}

// takeTransferCounters returns and resets the byte counters for each
// direction since the previous call. The manager's speed-counter tick feeds
// these into its per-connection rate estimators.
func (c *PeerConnection) takeTransferCounters() (down, up int64) {
	c.mu.Lock()
	down = c.peerState.BytesDownloadedInChokePeriod
	up = c.peerState.BytesUploadedInChokePeriod
	c.peerState.BytesDownloadedInChokePeriod = 0
	c.peerState.BytesUploadedInChokePeriod = 0
	c.mu.Unlock()
	return down, up
}

// sweepExpiredRequests fails (and reports to the provider) every
// outstanding request whose age exceeds timeout. A single stale block is
// not grounds for dropping the whole connection, so the connection stays
// up. Called periodically by the owning manager.
func (c *PeerConnection) sweepExpiredRequests(timeout time.Duration) {
	now := time.Now().UnixNano()
	var expired []requestKey
	c.mu.Lock()
	for key, req := range c.outstanding {
		if time.Duration(now-req.SentAt) > timeout {
			expired = append(expired, key)
			delete(c.outstanding, key)
		}
	}
	if len(expired) > 0 {
		c.peerState.Snubbed = true
	}
	c.mu.Unlock()
	for _, key := range expired {
		c.provider.RequestFailed(key.Index, key.Begin, key.Length)
	}
}

// IsActive reports whether the connection has completed bitfield exchange.
func (c *PeerConnection) IsActive() bool { return c.getState() == StateActive }

// IsConnected reports whether the transport-level handshake succeeded and
// the connection has not since been torn down.
func (c *PeerConnection) IsConnected() bool {
	switch c.getState() {
	case StateConnected, StateBitfieldSent, StateActive, StateChoked:
		return true
	default:
		return false
	}
}

// HasTimedOut reports whether no activity has been observed for window.
func (c *PeerConnection) HasTimedOut(window time.Duration) bool {
	last := atomic.LoadInt64(&c.lastActivity)
	return time.Since(time.Unix(0, last)) > window
}

// PeerInfo returns the remote address this connection was dialed to.
func (c *PeerConnection) PeerInfo() PeerInfo { return c.peerInfo }

// PeerBitfield returns a snapshot of the peer's known pieces.
func (c *PeerConnection) PeerBitfield() *bitfield.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	bf, _ := bitfield.NewBytes(c.peerBitfield.Bytes(), c.peerBitfield.Len())
	return bf
}

func (c *PeerConnection) writeLoop() {
	for {
		select {
		case <-c.closeC:
			return
		case b := <-c.writeC:
			if c.cipherOut != nil {
				b = c.cipherOut.Encrypt(b)
			}
			if _, err := c.conn.Write(b); err != nil {
				c.setState(StateError)
				go c.Disconnect(&TransportError{Kind: IOError, Err: err})
				return
			}
			c.touch()
		}
	}
}

func (c *PeerConnection) readLoop() {
	var reason error
	defer func() { c.Disconnect(reason) }()
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-c.closeC:
			return
		default:
		}
		c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.config.IdleTimeoutSec) * time.Second))
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if c.cipherIn != nil {
				chunk = c.cipherIn.Decrypt(chunk)
			}
			c.decoder.Feed(chunk)
			if derr := c.drainMessages(); derr != nil {
				c.setState(StateError)
				reason = derr
				return
			}
		}
		if err != nil {
			c.setState(StateError)
			reason = &TransportError{Kind: transportErrorKind(err), Err: err}
			return
		}
	}
}

func transportErrorKind(err error) TransportErrorKind {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return TransportTimeout
	}
	if err == io.EOF {
		return UnexpectedEOF
	}
	return IOError
}

// drainMessages pulls every complete message currently buffered and
// dispatches it, recovering from any panic in dispatch as a connection
// error.
func (c *PeerConnection) drainMessages() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("peerwire: panic in message dispatch: %v", r)
		}
	}()
	for {
		msg, ok, derr := c.decoder.Next()
		if derr != nil {
			return wrapDecodeError(derr)
		}
		if !ok {
			return nil
		}
		c.touch()
		c.dispatch(msg)
		c.decoder.Release(msg)
	}
}

func (c *PeerConnection) dispatch(msg *peerprotocol.Message) {
	if msg.KeepAlive {
		return
	}
	switch msg.ID {
	case peerprotocol.Choke:
		c.mu.Lock()
		c.peerState.PeerChoking = true
		if c.state == StateActive {
			c.state = StateChoked
		}
		failed := c.outstanding
		c.outstanding = make(map[requestKey]*OutstandingRequest)
		c.mu.Unlock()
		for key := range failed {
			c.provider.RequestFailed(key.Index, key.Begin, key.Length)
		}
	case peerprotocol.Unchoke:
		c.mu.Lock()
		c.peerState.PeerChoking = false
		if c.state == StateChoked {
			c.state = StateActive
		}
		c.mu.Unlock()
	case peerprotocol.Interested:
		c.mu.Lock()
		c.peerState.PeerInterested = true
		c.mu.Unlock()
	case peerprotocol.NotInterested:
		c.mu.Lock()
		c.peerState.PeerInterested = false
		c.mu.Unlock()
	case peerprotocol.Have:
		c.mu.Lock()
		c.peerBitfield.Set(msg.Index)
		c.mu.Unlock()
		c.sink.OnPieceAvailable(c, msg.Index)
	case peerprotocol.Bitfield:
		c.handleBitfield(msg.Bitfield)
	case peerprotocol.Request:
		c.handleRequest(msg.Index, msg.Begin, msg.Length)
	case peerprotocol.Piece:
		c.handlePiece(msg.Index, msg.Begin, msg.Block)
	case peerprotocol.Cancel:
		// Best-effort: queued outbound Piece sends aren't tracked for
		// cancellation, since requests are served synchronously on demand.
	}
}

// handleBitfield stores the peer's bitfield on first receipt only. The
// duplicate check runs before bitfieldSeen is set, so the decision is made
// against the pre-receipt state.
func (c *PeerConnection) handleBitfield(b []byte) {
	bf, err := bitfield.NewBytes(b, c.torrent.NumPieces)
	if err != nil {
		c.Disconnect(&MessageError{Kind: InvalidPiece, Err: err})
		return
	}
	c.mu.Lock()
	alreadySeen := c.bitfieldSeen
	if !alreadySeen {
		c.bitfieldSeen = true
		c.peerBitfield = bf
		if c.state == StateBitfieldSent || c.state == StateConnected {
			c.state = StateActive
		}
	}
	c.mu.Unlock()
	if alreadySeen {
		c.Disconnect(&MessageError{Kind: InvalidPiece, Err: errors.New("bitfield received more than once")})
		return
	}
	c.sink.OnBitfieldReceived(c, bf)
}

func (c *PeerConnection) handleRequest(index, begin, length uint32) {
	c.mu.Lock()
	choking := c.peerState.AmChoking
	c.mu.Unlock()
	if choking {
		return
	}
	if !c.provider.HasPiece(index) {
		return
	}
	block, err := c.provider.ReadBlock(index, begin, length)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.peerState.BytesUploadedInChokePeriod += int64(len(block))
	c.mu.Unlock()
	_ = c.Send(peerprotocol.NewPiece(index, begin, block))
}

func (c *PeerConnection) handlePiece(index, begin uint32, block []byte) {
	key := requestKey{Index: index, Begin: begin, Length: uint32(len(block))}
	c.mu.Lock()
	_, ok := c.outstanding[key]
	if ok {
		delete(c.outstanding, key)
		c.peerState.BytesDownloadedInChokePeriod += int64(len(block))
		c.peerState.Snubbed = false
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.sink.OnBlockReceived(c, index, begin, block)
}
