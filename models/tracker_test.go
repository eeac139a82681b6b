package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"trackergw/network"
	"trackergw/protocol"
	"trackergw/storage"
)

func TestMergeTrackersListsLiveThenPaired(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	live := protocol.Addr{0x02, 0, 0, 0, 0, 1}
	idle := protocol.Addr{0x02, 0, 0, 0, 0, 2}
	fresh := protocol.Addr{0x02, 0, 0, 0, 0, 3}

	trackers := MergeTrackers(
		[]network.Peer{{Addr: live, TrackerID: 4, ConnectedAt: now.Add(-90 * time.Second), Latency: 12 * time.Millisecond, RSSI: -55}},
		[]storage.PairedTracker{
			{Addr: live, TrackerID: 4, HasID: true, PairedAt: 100},
			{Addr: idle, TrackerID: 7, HasID: true, PairedAt: 200},
			{Addr: fresh, PairedAt: 300},
		},
		now,
	)

	if len(trackers) != 3 {
		t.Fatalf("expected 3 trackers, got %d", len(trackers))
	}
	first := trackers[0]
	if !first.Connected || first.PairedAt != 100 || *first.TrackerID != 4 || first.LatencyMS != 12 || first.ConnectedFor != 90 || first.RSSI != -55 {
		t.Fatalf("unexpected live tracker view: %+v", first)
	}
	if trackers[1].Connected || *trackers[1].TrackerID != 7 {
		t.Fatalf("unexpected paired tracker view: %+v", trackers[1])
	}
	if trackers[2].TrackerID != nil {
		t.Fatalf("expected no tracker id before the first handshake")
	}

	raw, err := json.Marshal(trackers[2])
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(raw), "tracker_id") {
		t.Fatalf("expected tracker_id omitted, got %s", raw)
	}
}
