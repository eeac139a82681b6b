package network

import (
	"fmt"
	"time"

	appcrypto "trackergw/crypto"
	"trackergw/protocol"
	"trackergw/storage"
)

// EnterPairingMode lets never-paired addresses pair.
func (g *Gateway) EnterPairingMode() {
	g.mu.Lock()
	g.setPairingMode(true)
	g.lastAnnouncement = time.Time{}
	g.unlockAndDispatch()
}

// ExitPairingMode stops accepting new addresses. Known trackers can still pair and handshake.
func (g *Gateway) ExitPairingMode() {
	g.mu.Lock()
	g.setPairingMode(false)
	g.unlockAndDispatch()
}

// InPairingMode reports whether new trackers are accepted.
func (g *Gateway) InPairingMode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pairingMode
}

func (g *Gateway) setPairingMode(on bool) {
	if g.pairingMode == on {
		return
	}
	g.pairingMode = on
	if on {
		g.logger.Info("pairing mode enabled")
	} else {
		g.logger.Info("pairing mode disabled")
	}
}

func (g *Gateway) handlePairingRequest(addr protocol.Addr, secret protocol.SecurityCode) {
	if !appcrypto.EqualSecurityCode(secret, g.securityCode) {
		g.logger.Debug("pairing request with wrong security code ignored", "from", addr.String())
		g.audit(auditPairingRejected, addr, "security code mismatch", storage.SecuritySeverityWarning)
		return
	}

	paired, err := g.store.IsPaired(addr)
	if err != nil {
		g.logger.Error("pairing lookup failed", "addr", addr.String(), "error", err)
		return
	}

	var trackerID uint8
	if paired {
		g.logger.Info("tracker already paired", "addr", addr.String())
	} else {
		if !g.pairingMode {
			g.logger.Debug("pairing request outside pairing mode ignored", "from", addr.String())
			return
		}
		if err := g.store.AddPaired(addr); err != nil {
			g.logger.Error("persist pairing failed", "addr", addr.String(), "error", err)
			return
		}
		trackerID, err = g.store.TrackerID(addr)
		if err != nil {
			g.logger.Error("allocate tracker id failed", "addr", addr.String(), "error", err)
			_ = g.store.RemovePaired(addr)
			return
		}
		g.logger.Info("paired new tracker", "addr", addr.String(), "tracker_id", trackerID)
		g.audit(auditTrackerPaired, addr, fmt.Sprintf("tracker_id=%d", trackerID), storage.SecuritySeverityInfo)
	}

	// Trackers that are not sending data yet must not hold a radio peer slot.
	g.queue.EnqueueMessage(addr, protocol.PairingAck{}, nil, !g.registry.Has(addr))

	g.setPairingMode(false)

	if cb := g.opts.OnTrackerPaired; cb != nil {
		event := TrackerEvent{Addr: addr, TrackerID: trackerID}
		if paired {
			if id, err := g.store.TrackerID(addr); err == nil {
				event.TrackerID = id
			}
		}
		g.deferred = append(g.deferred, func() { cb(event) })
	}
}

func (g *Gateway) handleHandshakeRequest(now time.Time, addr protocol.Addr, secret protocol.SecurityCode, rssi int8) {
	if !appcrypto.EqualSecurityCode(secret, g.securityCode) {
		g.logger.Debug("handshake with wrong security code ignored", "from", addr.String())
		return
	}

	paired, err := g.store.IsPaired(addr)
	if err != nil {
		g.logger.Error("pairing lookup failed", "addr", addr.String(), "error", err)
		return
	}
	if !paired {
		g.logger.Debug("handshake from unpaired tracker ignored", "from", addr.String())
		g.audit(auditHandshakeUnpaired, addr, "", storage.SecuritySeverityWarning)
		return
	}

	if p, ok := g.registry.Get(addr); ok {
		p.RSSI = rssi
		g.queue.EnqueueMessage(addr, protocol.HandshakeAck{Channel: g.channel, TrackerID: p.TrackerID}, p, false)
		g.logger.Debug("tracker already connected, handshake re-acknowledged", "addr", addr.String(), "tracker_id", p.TrackerID)
		return
	}

	if err := g.radio.AddPeer(addr); err != nil {
		g.logger.Warn("add radio peer failed, handshake rejected", "addr", addr.String(), "error", err)
		return
	}
	trackerID, err := g.store.TrackerID(addr)
	if err != nil {
		g.logger.Error("resolve tracker id failed", "addr", addr.String(), "error", err)
		_ = g.radio.DeletePeer(addr)
		return
	}

	p := &Peer{
		Addr:        addr,
		TrackerID:   trackerID,
		ConnectedAt: now,
		RSSI:        rssi,
	}
	if err := g.registry.Add(p); err != nil {
		return
	}
	g.queue.EnqueueMessage(addr, protocol.HandshakeAck{Channel: g.channel, TrackerID: trackerID}, p, false)
	g.rateDirty = true

	g.logger.Info("tracker connected", "addr", addr.String(), "tracker_id", trackerID, "rssi", rssi)

	if cb := g.opts.OnTrackerConnected; cb != nil {
		event := TrackerEvent{Addr: addr, TrackerID: trackerID, RSSI: rssi}
		g.deferred = append(g.deferred, func() { cb(event) })
	}
}

// SendUnpairToPeer queues the unpair message for addr several times.
func (g *Gateway) SendUnpairToPeer(addr protocol.Addr) {
	g.mu.Lock()
	g.enqueueUnpair(addr, !g.registry.Has(addr))
	g.unlockAndDispatch()
}

// SendUnpairToAll queues the unpair message for every connected tracker and link broadcast.
func (g *Gateway) SendUnpairToAll() {
	g.mu.Lock()
	g.enqueueUnpairAll(false)
	g.unlockAndDispatch()
}

func (g *Gateway) enqueueUnpair(addr protocol.Addr, ephemeral bool) {
	msg := protocol.Unpair{Secret: g.securityCode}
	for i := 0; i < unpairRepeat; i++ {
		g.queue.EnqueueMessage(addr, msg, nil, ephemeral && !addr.IsBroadcast())
	}
}

func (g *Gateway) enqueueUnpairAll(ephemeral bool) {
	g.registry.Each(func(p *Peer) {
		g.enqueueUnpair(p.Addr, ephemeral)
	})
	g.enqueueUnpair(protocol.BroadcastAddr, false)
}

// UnpairTracker tells addr to forget the gateway, deletes its pairing and ends its session.
func (g *Gateway) UnpairTracker(addr protocol.Addr) error {
	g.mu.Lock()
	defer g.unlockAndDispatch()

	if err := g.store.RemovePaired(addr); err != nil {
		return fmt.Errorf("remove pairing: %w", err)
	}
	g.enqueueUnpair(addr, true)
	if p, ok := g.registry.Get(addr); ok {
		g.evict(p, ReasonUnpaired)
	}
	g.audit(auditTrackerUnpaired, addr, "", storage.SecuritySeverityInfo)
	return nil
}

// UnpairAll tells every tracker to forget the gateway and clears all pairings.
func (g *Gateway) UnpairAll() error {
	g.mu.Lock()
	defer g.unlockAndDispatch()

	g.enqueueUnpairAll(true)
	if err := g.store.ClearPaired(); err != nil {
		return fmt.Errorf("clear pairings: %w", err)
	}
	g.disconnectAll(ReasonUnpaired)
	g.audit(auditAllUnpaired, protocol.Addr{}, "", storage.SecuritySeverityWarning)
	return nil
}

// DisconnectTracker ends the live session for addr without touching its pairing.
func (g *Gateway) DisconnectTracker(addr protocol.Addr) error {
	g.mu.Lock()
	defer g.unlockAndDispatch()

	p, ok := g.registry.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTrackerNotConnected, addr)
	}
	g.evict(p, ReasonRequested)
	return nil
}

// DisconnectAll ends every live session. It returns how many were ended.
func (g *Gateway) DisconnectAll() int {
	g.mu.Lock()
	defer g.unlockAndDispatch()
	return g.disconnectAll(ReasonRequested)
}

func (g *Gateway) disconnectAll(reason DisconnectReason) int {
	n := 0
	g.registry.Each(func(p *Peer) {
		g.evict(p, reason)
		n++
	})
	return n
}

// FactoryReset unpairs every tracker with the old code, forgets all pairings, generates a
// new security code and ends every session.
func (g *Gateway) FactoryReset() error {
	g.mu.Lock()
	defer g.unlockAndDispatch()

	g.enqueueUnpairAll(true)
	if err := g.store.ClearPaired(); err != nil {
		return fmt.Errorf("clear pairings: %w", err)
	}
	code, err := g.store.ResetSecurityCode()
	if err != nil {
		return fmt.Errorf("reset security code: %w", err)
	}
	g.securityCode = code
	g.disconnectAll(ReasonFactoryReset)
	g.setPairingMode(false)

	g.logger.Warn("factory reset complete", "security_code_fingerprint", appcrypto.SecurityCodeFingerprint(code))
	g.audit(auditFactoryReset, protocol.Addr{}, "", storage.SecuritySeverityCritical)
	return nil
}

// SetSecurityCode persists and activates a new shared secret. Existing sessions stay up.
func (g *Gateway) SetSecurityCode(code protocol.SecurityCode) error {
	if code.IsZero() {
		return ErrBlankSecurityCode
	}

	g.mu.Lock()
	defer g.unlockAndDispatch()

	if err := g.store.StoreSecurityCode(code); err != nil {
		return fmt.Errorf("store security code: %w", err)
	}
	g.securityCode = code
	g.logger.Info("security code changed", "fingerprint", appcrypto.SecurityCodeFingerprint(code))
	g.audit(auditSecurityCodeChange, protocol.Addr{}, appcrypto.SecurityCodeFingerprint(code), storage.SecuritySeverityCritical)
	return nil
}

// SetChannel persists ch, retunes the radio and ends every session so trackers
// rediscover the gateway on the new channel.
func (g *Gateway) SetChannel(ch uint8) error {
	if !protocol.ValidChannel(ch) {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}

	g.mu.Lock()
	defer g.unlockAndDispatch()

	if err := g.store.StoreChannel(ch); err != nil {
		return fmt.Errorf("store channel: %w", err)
	}
	if err := g.radio.SetChannel(ch); err != nil {
		return fmt.Errorf("retune radio: %w", err)
	}
	previous := g.channel
	g.channel = ch
	g.disconnectAll(ReasonChannelChange)

	g.logger.Info("radio channel changed", "from", previous, "to", ch)
	g.audit(auditChannelChange, protocol.Addr{}, fmt.Sprintf("%d->%d", previous, ch), storage.SecuritySeverityInfo)
	return nil
}

// tickAnnouncement broadcasts the pairing announcement while pairing mode is on.
func (g *Gateway) tickAnnouncement(now time.Time) {
	if !g.pairingMode {
		return
	}
	if !g.lastAnnouncement.IsZero() && now.Sub(g.lastAnnouncement) < g.opts.PairingAnnounceInterval {
		return
	}
	g.lastAnnouncement = now
	g.queue.EnqueueMessage(protocol.BroadcastAddr, protocol.PairingAnnouncement{
		Channel: g.channel,
		Secret:  g.securityCode,
	}, nil, false)
}
