package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trackergw/protocol"
	"trackergw/radio"
	"trackergw/telemetry"
)

func TestNewGatewayRequiresRadioAndStore(t *testing.T) {
	if _, err := NewGateway(Options{Store: newMemStore()}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency without radio, got %v", err)
	}
	if _, err := NewGateway(Options{Radio: newFakeRadio()}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency without store, got %v", err)
	}
}

func TestBeginReportsDistinctInitErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeRadio)
		want  error
	}{
		{"radio", func(r *fakeRadio) { r.setChErr = radio.ErrInvalidChannel }, ErrRadioInit},
		{"broadcast", func(r *fakeRadio) { r.addErr = radio.ErrPeerTableFull }, ErrBroadcastPeer},
		{"callback", func(r *fakeRadio) { r.handlerEr = radio.ErrClosed }, ErrReceiveCallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRadio()
			tt.setup(r)
			gw, err := NewGateway(Options{Radio: r, Store: newMemStore()})
			if err != nil {
				t.Fatalf("NewGateway failed: %v", err)
			}
			err = gw.Begin()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBeginLoadsPersistedChannel(t *testing.T) {
	tg := newTestGateway(t, func(o *Options) {
		o.Store.(*memStore).channel = 3
	})
	if tg.Channel() != 3 || tg.radio.channel != 3 {
		t.Fatalf("expected channel 3, got gateway %d radio %d", tg.Channel(), tg.radio.channel)
	}
	if !tg.radio.hasPeer(protocol.BroadcastAddr) {
		t.Fatalf("expected broadcast peer registered")
	}
}

func TestTrackerDataFeedsAggregator(t *testing.T) {
	tg := newTestGateway(t, nil)
	addr := trackerAddr(1)
	tg.connect(t, addr)

	tg.receive(addr, protocol.TrackerData{Data: []byte{byte(telemetry.RecordCompactRotation), 0, 1, 2, 3}}, -66)
	tg.receive(trackerAddr(2), protocol.TrackerData{Data: []byte{byte(telemetry.RecordCompactRotation), 1, 1}}, -66)
	tg.radio.handler(radio.Frame{Src: addr, Data: []byte{byte(protocol.TypeTrackerData), 200}})

	snap := tg.Telemetry().Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected only the connected tracker's record, got %d", len(snap))
	}
	if rssi, _ := snap[0].RSSI(); rssi != -66 {
		t.Fatalf("expected rssi -66, got %d", rssi)
	}
	if mustPeer(t, tg, addr).RSSI != -66 {
		t.Fatalf("expected peer rssi updated from telemetry")
	}
}

func TestRegisteredPeersFollowConnectionOrder(t *testing.T) {
	tg := newTestGateway(t, nil)
	for n := byte(1); n <= 3; n++ {
		tg.connect(t, trackerAddr(n))
	}
	peers := tg.RegisteredPeers()
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
	for i, p := range peers {
		if p.Addr != trackerAddr(byte(i+1)) || p.TrackerID != uint8(i) {
			t.Fatalf("peer %d out of order: %+v", i, p)
		}
	}
}

func TestStatsWindow(t *testing.T) {
	tg := newTestGateway(t, nil)
	addr := trackerAddr(1)
	tg.connect(t, addr)

	p := mustPeer(t, tg, addr)
	tg.clock.Advance(20 * time.Millisecond)
	tg.receive(addr, protocol.HeartbeatResponse{Seq: p.ExpectedSeq}, -40)
	for i := 0; i < 10; i++ {
		tg.receive(addr, protocol.TrackerData{Data: make([]byte, 16)}, -40)
	}

	tickFor(tg, time.Second, 250*time.Millisecond)
	s := tg.Stats()
	if s.Trackers != 1 || s.RSSIAvg != -40 || s.RSSIMax != -40 {
		t.Fatalf("unexpected tracker stats: %+v", s)
	}
	if s.LatencyAvg != 20*time.Millisecond || s.LatencyMax != 20*time.Millisecond {
		t.Fatalf("unexpected latency stats: %+v", s)
	}
	if s.PPS < 1 || s.PPS > 10 || s.BPS < s.PPS*16 {
		t.Fatalf("unexpected throughput stats: %+v", s)
	}
}

type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingTransport) Ready() bool { return true }

func (r *recordingTransport) Send(frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return true
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestRunDrainsTelemetryUntilCancelled(t *testing.T) {
	transport := &recordingTransport{}
	tg := newTestGateway(t, func(o *Options) {
		o.Transport = transport
		o.Now = time.Now
	})
	tg.Telemetry().InsertStatus(1, telemetry.StatusDisconnected, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for transport.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if transport.count() == 0 {
		t.Fatalf("expected a telemetry frame on the transport")
	}
	records, err := telemetry.SplitFrame(transport.frames[0])
	if err != nil {
		t.Fatalf("SplitFrame failed: %v", err)
	}
	if records[0].Type() != telemetry.RecordStatus || records[0].TrackerID() != 1 {
		t.Fatalf("unexpected first record: %v", records[0])
	}
}

func TestRegistryKeepsOneEntryPerAddress(t *testing.T) {
	r := NewRegistry()
	a := &Peer{Addr: trackerAddr(1)}
	if err := r.Add(a); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Add(&Peer{Addr: trackerAddr(1)}); !errors.Is(err, ErrPeerExists) {
		t.Fatalf("expected ErrPeerExists, got %v", err)
	}
	_ = r.Add(&Peer{Addr: trackerAddr(2)})
	_ = r.Add(&Peer{Addr: trackerAddr(3)})

	if _, ok := r.Remove(trackerAddr(2)); !ok {
		t.Fatalf("Remove failed")
	}
	if r.Len() != 2 || r.At(0) != a || r.At(1).Addr != trackerAddr(3) {
		t.Fatalf("unexpected order after remove")
	}
	if cleared := r.Clear(); len(cleared) != 2 || r.Len() != 0 || r.Has(trackerAddr(1)) {
		t.Fatalf("unexpected state after clear")
	}
}
