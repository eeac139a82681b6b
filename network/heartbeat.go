package network

import (
	"time"

	"trackergw/protocol"
	"trackergw/telemetry"
)

// tickHeartbeat times out unanswered echoes and sends new ones. Ping timestamps are set
// at enqueue and overwritten by the send queue when the echo actually leaves.
func (g *Gateway) tickHeartbeat(now time.Time) {
	g.registry.Each(func(p *Peer) {
		if p.AwaitingResponse && now.Sub(p.PingStart) >= g.opts.HeartbeatTimeout {
			p.MissedPings++
			p.AwaitingResponse = false

			if p.MissedPings == g.opts.TimedOutAfter {
				g.logger.Warn("tracker timed out",
					"addr", p.Addr.String(),
					"tracker_id", p.TrackerID,
					"missed_pings", p.MissedPings,
				)
				g.telemetry.InsertStatus(p.TrackerID, telemetry.StatusTimedOut, p.RSSI)
			}
			if p.MissedPings >= g.opts.MaxMissedPings {
				g.evict(p, ReasonHeartbeatTimeout)
				return
			}
		}

		if !p.AwaitingResponse && now.Sub(p.LastPingSent) >= g.opts.HeartbeatInterval {
			seq := g.opts.NextSeq()
			if g.queue.EnqueueMessage(p.Addr, protocol.HeartbeatEcho{Seq: seq}, p, false) {
				p.ExpectedSeq = seq
				p.AwaitingResponse = true
				p.LastPingSent = now
				p.PingStart = now
			}
		}
	})
}

// handleHeartbeatEcho answers a tracker-initiated ping with the same sequence number.
func (g *Gateway) handleHeartbeatEcho(addr protocol.Addr, seq uint16, rssi int8) {
	p, ok := g.registry.Get(addr)
	if !ok {
		return
	}
	p.RSSI = rssi
	p.MissedPings = 0
	g.queue.EnqueueMessage(addr, protocol.HeartbeatResponse{Seq: seq}, p, false)
}

// handleHeartbeatResponse accepts only the answer to the outstanding echo.
func (g *Gateway) handleHeartbeatResponse(now time.Time, addr protocol.Addr, seq uint16, rssi int8) {
	p, ok := g.registry.Get(addr)
	if !ok {
		return
	}
	if !p.AwaitingResponse || seq != p.ExpectedSeq {
		g.logger.Debug("stale heartbeat response ignored", "addr", addr.String(), "seq", seq, "expected", p.ExpectedSeq)
		return
	}
	p.Latency = now.Sub(p.PingStart)
	p.AwaitingResponse = false
	p.MissedPings = 0
	p.RSSI = rssi
}
