package network

import "time"

// Stats summarises the last reporting window.
type Stats struct {
	Trackers   int
	LatencyAvg time.Duration
	LatencyMax time.Duration
	RSSIAvg    int
	RSSIMax    int
	PPS        int
	BPS        int
	At         time.Time
}

type statsWindow struct {
	started time.Time
	packets int
	bytes   int
	last    Stats
}

// Stats returns the most recent reporting window.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats.last
}

func (g *Gateway) tickStats(now time.Time) {
	if g.stats.started.IsZero() {
		g.stats.started = now
		return
	}
	elapsed := now.Sub(g.stats.started)
	if elapsed < g.opts.ReportInterval {
		return
	}

	s := Stats{
		Trackers: g.registry.Len(),
		PPS:      int(int64(g.stats.packets) * int64(time.Second) / int64(elapsed)),
		BPS:      int(int64(g.stats.bytes) * int64(time.Second) / int64(elapsed)),
		At:       now,
	}
	if s.Trackers > 0 {
		var totalLatency time.Duration
		totalRSSI := 0
		s.RSSIMax = -128
		for i := 0; i < g.registry.Len(); i++ {
			p := g.registry.At(i)
			totalLatency += p.Latency
			s.LatencyMax = max(s.LatencyMax, p.Latency)
			totalRSSI += int(p.RSSI)
			s.RSSIMax = max(s.RSSIMax, int(p.RSSI))
		}
		s.LatencyAvg = totalLatency / time.Duration(s.Trackers)
		s.RSSIAvg = totalRSSI / s.Trackers
	}

	g.stats = statsWindow{started: now, last: s}
	g.logger.Info("tracker stats",
		"trackers", s.Trackers,
		"latency_avg_ms", s.LatencyAvg.Milliseconds(),
		"latency_max_ms", s.LatencyMax.Milliseconds(),
		"rssi_avg", s.RSSIAvg,
		"rssi_max", s.RSSIMax,
		"pps", s.PPS,
		"bps", s.BPS,
	)
}
