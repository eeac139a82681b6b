package network

import (
	"errors"
	"net/netip"
	"time"

	"trackergw/protocol"
)

// ErrOTAInProgress indicates StartOTAUpdate was called while an update is running.
var ErrOTAInProgress = errors.New("network: ota update already in progress")

// OTAParams is what trackers need to join the local update network.
type OTAParams struct {
	AuthToken [protocol.OTATokenSize]byte
	Port      uint16
	IP        netip.Addr
	SSID      string
	Password  string
}

type otaState struct {
	active   bool
	started  time.Time
	lastSent time.Time
	msg      protocol.EnterOTA
}

// StartOTAUpdate begins broadcasting the enter-OTA command to every connected tracker.
// Heartbeats, pairing announcements and rate updates pause until every tracker has
// acknowledged or the OTA timeout elapses.
func (g *Gateway) StartOTAUpdate(params OTAParams) error {
	if !params.IP.Is4() {
		return errors.New("network: ota server address must be IPv4")
	}

	g.mu.Lock()
	defer g.unlockAndDispatch()

	if g.ota.active {
		return ErrOTAInProgress
	}
	g.ota = otaState{
		active:  true,
		started: g.opts.Now(),
		msg: protocol.EnterOTA{
			Secret:    g.securityCode,
			AuthToken: params.AuthToken,
			Port:      params.Port,
			IP:        params.IP.As4(),
			SSID:      params.SSID,
			Password:  params.Password,
		},
	}
	g.logger.Info("ota update started",
		"trackers", g.registry.Len(),
		"server", netip.AddrPortFrom(params.IP, params.Port).String(),
		"ssid", params.SSID,
	)
	return nil
}

// OTAInProgress reports whether an update is running.
func (g *Gateway) OTAInProgress() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ota.active
}

func (g *Gateway) tickOTA(now time.Time) {
	if !g.ota.active {
		return
	}

	switch {
	case g.registry.Len() == 0:
		g.endOTA("all trackers left")
		return
	case now.Sub(g.ota.started) >= g.opts.OTATimeout:
		g.endOTA("timeout")
		return
	}

	if !g.ota.lastSent.IsZero() && now.Sub(g.ota.lastSent) < g.opts.OTASendInterval {
		return
	}
	g.ota.lastSent = now
	g.registry.Each(func(p *Peer) {
		g.queue.EnqueueMessage(p.Addr, g.ota.msg, p, false)
	})
}

func (g *Gateway) endOTA(reason string) {
	g.logger.Info("ota update finished", "reason", reason, "remaining_trackers", g.registry.Len())
	g.ota = otaState{}
}

func (g *Gateway) handleEnterOTAAck(addr protocol.Addr) {
	p, ok := g.registry.Get(addr)
	if !ok {
		return
	}
	g.evict(p, ReasonOTA)
}
