package network

import (
	"testing"
	"time"

	"trackergw/protocol"
	"trackergw/telemetry"
)

func TestSilentTrackerIsEvictedAfterMaxMissedPings(t *testing.T) {
	tg := newTestGateway(t, nil)
	addr := trackerAddr(1)
	tg.connect(t, addr)

	agg := tg.Telemetry()
	maxSeen := 0
	for i := 0; i < 100; i++ {
		tg.clock.Advance(100 * time.Millisecond)
		tg.Tick(tg.clock.Now())

		peers := tg.ConnectedTrackers()
		if len(peers) == 0 {
			break
		}
		missed := peers[0].MissedPings
		if missed > maxSeen {
			maxSeen = missed
		}
		if missed < 3 && agg.Len() != 0 {
			t.Fatalf("status record produced before the third miss (missed=%d)", missed)
		}
		if missed >= 3 && agg.Len() != 1 {
			t.Fatalf("expected status record once the third miss is reached, got %d records", agg.Len())
		}
	}

	if maxSeen != DefaultMaxMissedPings-1 {
		t.Fatalf("expected eviction right after miss %d, saw up to %d", DefaultMaxMissedPings, maxSeen)
	}
	if len(tg.ConnectedTrackers()) != 0 {
		t.Fatalf("expected silent tracker evicted")
	}

	for i := 0; i < 50; i++ {
		tg.clock.Advance(100 * time.Millisecond)
		tg.Tick(tg.clock.Now())
	}
	_, disconnected, _ := tg.events.counts()
	if disconnected != 1 {
		t.Fatalf("expected exactly one disconnected event, got %d", disconnected)
	}
	if tg.events.disconnected[0].Reason != ReasonHeartbeatTimeout {
		t.Fatalf("unexpected reason %q", tg.events.disconnected[0].Reason)
	}
	if tg.radio.hasPeer(addr) {
		t.Fatalf("expected radio peer deleted on eviction")
	}

	snap := agg.Snapshot()
	if len(snap) != 1 || agg.Stats().Coalesced != 0 {
		t.Fatalf("expected exactly one status insert, got %d records and %d coalesced", len(snap), agg.Stats().Coalesced)
	}
	rec := snap[0]
	if rec.Type() != telemetry.RecordStatus || rec.TrackerID() != 0 || rec[2] != telemetry.StatusTimedOut {
		t.Fatalf("unexpected status record: % x", rec[:])
	}
	if rec[15] != 50 {
		t.Fatalf("expected negated last rssi 50 in byte 15, got %d", rec[15])
	}
}

func TestHeartbeatEchoIsSentEveryInterval(t *testing.T) {
	tg := newTestGateway(t, nil)
	addr := trackerAddr(2)
	tg.connect(t, addr)

	echoes := sentOfType(tg.radio.takeSent(), protocol.TypeHeartbeatEcho)
	if len(echoes) != 1 {
		t.Fatalf("expected first echo right after connect, got %d", len(echoes))
	}

	for i := 0; i < 10; i++ {
		p := mustPeer(t, tg, addr)
		tg.receive(addr, protocol.HeartbeatResponse{Seq: p.ExpectedSeq}, -50)
		tg.clock.Advance(100 * time.Millisecond)
		tg.Tick(tg.clock.Now())
	}
	if echoes := sentOfType(tg.radio.takeSent(), protocol.TypeHeartbeatEcho); len(echoes) != 1 {
		t.Fatalf("expected one echo per second, got %d", len(echoes))
	}
}

func TestHeartbeatResponseUpdatesLatency(t *testing.T) {
	tg := newTestGateway(t, nil)
	addr := trackerAddr(3)
	tg.connect(t, addr)

	p := mustPeer(t, tg, addr)
	if !p.AwaitingResponse {
		t.Fatalf("expected an outstanding echo after connect")
	}
	tg.clock.Advance(30 * time.Millisecond)
	tg.receive(addr, protocol.HeartbeatResponse{Seq: p.ExpectedSeq}, -61)

	got := mustPeer(t, tg, addr)
	if got.AwaitingResponse || got.MissedPings != 0 || got.RSSI != -61 {
		t.Fatalf("unexpected peer state after response: %+v", got)
	}
	if want := tg.clock.Now().Sub(p.PingStart); got.Latency != want {
		t.Fatalf("expected latency %v, got %v", want, got.Latency)
	}
}

func TestStaleHeartbeatResponseIsIgnored(t *testing.T) {
	tg := newTestGateway(t, nil)
	addr := trackerAddr(4)
	tg.connect(t, addr)

	tg.clock.Advance(time.Second)
	tg.Tick(tg.clock.Now())
	tg.flush(t)

	before := mustPeer(t, tg, addr)
	if before.MissedPings != 1 || !before.AwaitingResponse {
		t.Fatalf("expected one miss and a fresh echo, got %+v", before)
	}

	tg.receive(addr, protocol.HeartbeatResponse{Seq: before.ExpectedSeq + 1}, -40)
	after := mustPeer(t, tg, addr)
	if after.AwaitingResponse != before.AwaitingResponse || after.MissedPings != before.MissedPings || after.Latency != before.Latency {
		t.Fatalf("stale response changed state: before %+v after %+v", before, after)
	}

	tg.receive(addr, protocol.HeartbeatResponse{Seq: before.ExpectedSeq}, -40)
	tg.receive(addr, protocol.HeartbeatResponse{Seq: before.ExpectedSeq}, -40)
	if got := mustPeer(t, tg, addr); got.AwaitingResponse || got.MissedPings != 0 {
		t.Fatalf("expected matching response accepted, got %+v", got)
	}
}

func TestInboundEchoIsAnsweredAndResetsMisses(t *testing.T) {
	tg := newTestGateway(t, nil)
	addr := trackerAddr(5)
	tg.connect(t, addr)

	tg.clock.Advance(time.Second)
	tg.Tick(tg.clock.Now())
	tg.flush(t)
	tg.radio.takeSent()
	if mustPeer(t, tg, addr).MissedPings != 1 {
		t.Fatalf("expected one miss")
	}

	tg.receive(addr, protocol.HeartbeatEcho{Seq: 0x4242}, -44)
	tg.flush(t)

	responses := sentOfType(tg.radio.takeSent(), protocol.TypeHeartbeatResponse)
	if len(responses) != 1 || responses[0].dst != addr || responses[0].msg.(protocol.HeartbeatResponse).Seq != 0x4242 {
		t.Fatalf("expected echo answered with the same sequence, got %+v", responses)
	}
	if got := mustPeer(t, tg, addr); got.MissedPings != 0 || !got.AwaitingResponse {
		t.Fatalf("inbound echo must reset misses without touching our own ping: %+v", got)
	}

	tg.receive(trackerAddr(99), protocol.HeartbeatEcho{Seq: 1}, -44)
	tg.flush(t)
	if len(tg.radio.takeSent()) != 0 {
		t.Fatalf("expected no reply to an unknown tracker")
	}
}
