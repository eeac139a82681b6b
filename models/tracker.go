package models

import (
	"time"

	"trackergw/network"
	"trackergw/storage"
)

// Tracker is the JSON view of one tracker, connected or only paired.
type Tracker struct {
	Addr          string  `json:"addr"`
	TrackerID     *uint8  `json:"tracker_id,omitempty"`
	Connected     bool    `json:"connected"`
	ConnectedFor  float64 `json:"connected_for_s,omitempty"`
	LatencyMS     float64 `json:"latency_ms,omitempty"`
	RSSI          int     `json:"rssi,omitempty"`
	MissedPings   int     `json:"missed_pings"`
	PairedAt      int64   `json:"paired_at,omitempty"`
	AwaitingReply bool    `json:"awaiting_reply,omitempty"`
}

// TrackerFromPeer builds the view of a live session.
func TrackerFromPeer(p network.Peer, now time.Time) Tracker {
	id := p.TrackerID
	return Tracker{
		Addr:          p.Addr.String(),
		TrackerID:     &id,
		Connected:     true,
		ConnectedFor:  now.Sub(p.ConnectedAt).Seconds(),
		LatencyMS:     float64(p.Latency) / float64(time.Millisecond),
		RSSI:          int(p.RSSI),
		MissedPings:   p.MissedPings,
		AwaitingReply: p.AwaitingResponse,
	}
}

// MergeTrackers returns every live session in connection order, followed by
// the paired trackers that are not connected.
func MergeTrackers(live []network.Peer, paired []storage.PairedTracker, now time.Time) []Tracker {
	out := make([]Tracker, 0, len(live)+len(paired))
	index := make(map[string]int, len(live))
	for _, p := range live {
		index[p.Addr.String()] = len(out)
		out = append(out, TrackerFromPeer(p, now))
	}
	for _, p := range paired {
		if i, ok := index[p.Addr.String()]; ok {
			out[i].PairedAt = p.PairedAt
			continue
		}
		t := Tracker{Addr: p.Addr.String(), PairedAt: p.PairedAt}
		if p.HasID {
			id := p.TrackerID
			t.TrackerID = &id
		}
		out = append(out, t)
	}
	return out
}
