package peerwire

import (
	"time"

	"github.com/torunner/peerwire/internal/peerprotocol"
)

// keepAliveLoop sends a KeepAlive to every connection whose last activity
// exceeds half the idle threshold, once per KeepAliveIntervalSec.
func (m *ConnectionManager) keepAliveLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(keepAliveInterval(m.config))
	defer ticker.Stop()
	halfIdle := idleTimeout(m.config) / 2
	for {
		select {
		case <-m.closeC:
			return
		case <-ticker.C:
			for _, c := range m.snapshot() {
				if !c.IsConnected() {
					continue
				}
				if c.HasTimedOut(halfIdle) {
					_ = c.Send(peerprotocol.NewKeepAlive())
				}
			}
		}
	}
}

// timeoutSweepLoop disconnects connections that have been idle past
// IdleTimeoutSec, sweeping every 10s.
func (m *ConnectionManager) timeoutSweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	idle := idleTimeout(m.config)
	for {
		select {
		case <-m.closeC:
			return
		case <-ticker.C:
			for _, c := range m.snapshot() {
				if c.IsConnected() && c.HasTimedOut(idle) {
					c.Disconnect(&TransportError{Kind: TransportTimeout})
				}
			}
		}
	}
}

// requestTimeoutLoop fails (without disconnecting) any outstanding request
// older than RequestTimeoutSec, sweeping every 10s.
func (m *ConnectionManager) requestTimeoutLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	timeout := time.Duration(m.config.RequestTimeoutSec) * time.Second
	for {
		select {
		case <-m.closeC:
			return
		case <-ticker.C:
			for _, c := range m.snapshot() {
				c.sweepExpiredRequests(timeout)
			}
		}
	}
}

// speedCounterLoop samples every connection's transfer counters once per
// EWMA tick window, feeding the per-connection rate estimators the choke
// rotation ranks by.
func (m *ConnectionManager) speedCounterLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Second) // go-metrics EWMAs expect a 5s tick
	defer ticker.Stop()
	for {
		select {
		case <-m.closeC:
			return
		case <-ticker.C:
			m.mu.RLock()
			mcs := make([]*managedConn, 0, len(m.conns))
			for _, mc := range m.conns {
				if mc.conn != nil {
					mcs = append(mcs, mc)
				}
			}
			m.mu.RUnlock()
			for _, mc := range mcs {
				down, up := mc.conn.takeTransferCounters()
				mc.downloadSpeed.Update(down)
				mc.uploadSpeed.Update(up)
				mc.downloadSpeed.Tick()
				mc.uploadSpeed.Tick()
			}
		}
	}
}

// chokeRotationLoop implements the standard BitTorrent tit-for-tat policy:
// every ChokeRotationIntervalSec it unchokes the UploadSlots interested
// peers contributing the best download rate and chokes the rest; every
// OptimisticUnchokeIntervalSec it additionally unchokes one random
// currently-choked, interested peer to discover new good upload partners.
func (m *ConnectionManager) chokeRotationLoop() {
	defer m.wg.Done()
	rotationTicker := time.NewTicker(chokeRotationInterval(m.config))
	defer rotationTicker.Stop()
	optimisticTicker := time.NewTicker(optimisticUnchokeInterval(m.config))
	defer optimisticTicker.Stop()
	for {
		select {
		case <-m.closeC:
			return
		case <-rotationTicker.C:
			m.tickUnchoke()
		case <-optimisticTicker.C:
			m.tickOptimisticUnchoke()
		}
	}
}

// tickUnchoke unchokes the UploadSlots interested peers with the best
// download rate and chokes every other unchoked, non-optimistic peer.
func (m *ConnectionManager) tickUnchoke() {
	m.mu.RLock()
	candidates := make([]*managedConn, 0, len(m.conns))
	var others []*PeerConnection
	for _, mc := range m.conns {
		if mc.conn == nil || mc.conn.optimisticUnchoked() {
			continue
		}
		if !mc.conn.IsActive() || !mc.conn.peerInterested() {
			if mc.conn.IsConnected() {
				others = append(others, mc.conn)
			}
			continue
		}
		candidates = append(candidates, mc)
	}
	m.mu.RUnlock()

	for _, c := range others {
		c.setAmChoking(true)
	}

	rankByDownloadRate(candidates)

	slots := m.config.UploadSlots
	for i, mc := range candidates {
		if i < slots {
			mc.conn.setAmChoking(false)
		} else {
			mc.conn.setAmChoking(true)
		}
	}
}

// tickOptimisticUnchoke chokes the previous optimistic picks (the next
// regular rotation ranks them again alongside everyone else) and unchokes
// one fresh random choked-and-interested peer. Snubbed peers sit this
// rotation out and become eligible again on the next one.
func (m *ConnectionManager) tickOptimisticUnchoke() {
	for _, c := range m.snapshot() {
		if c.optimisticUnchoked() {
			c.setOptimisticUnchoked(false)
			if !c.amChoking() {
				c.setAmChoking(true)
			}
		}
	}

	var candidates []*PeerConnection
	for _, c := range m.snapshot() {
		if !c.IsActive() || !c.peerInterested() || !c.amChoking() {
			continue
		}
		if c.snubbed() {
			c.setSnubbed(false)
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return
	}
	order := shuffledIndices(len(candidates))
	pick := candidates[order[0]]
	pick.setOptimisticUnchoked(true)
	pick.setAmChoking(false)
}
