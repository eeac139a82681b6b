package network

import "trackergw/protocol"

// PollRate splits the gateway packet budget evenly across n trackers.
func PollRate(maxPPS uint32, n int) (uint32, bool) {
	if n <= 0 {
		return 0, false
	}
	return maxPPS / uint32(n), true
}

// sendRateUpdates queues the current per-tracker poll rate to every connected tracker.
func (g *Gateway) sendRateUpdates() {
	rate, ok := PollRate(g.opts.MaxPPS, g.registry.Len())
	if !ok {
		return
	}
	g.logger.Debug("updating tracker rate", "trackers", g.registry.Len(), "poll_rate_hz", rate)
	g.registry.Each(func(p *Peer) {
		g.queue.EnqueueMessage(p.Addr, protocol.TrackerRate{PollRateHz: rate}, p, false)
	})
}
