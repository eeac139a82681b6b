package network

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"trackergw/protocol"
)

func testOTAParams() OTAParams {
	return OTAParams{
		AuthToken: [protocol.OTATokenSize]byte{
			0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22,
			0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0x00,
		},
		Port:      3232,
		IP:        netip.MustParseAddr("192.168.4.1"),
		SSID:      "trackers-ota",
		Password:  "hunter22",
	}
}

func tickFor(tg *testGateway, d, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		tg.clock.Advance(step)
		tg.Tick(tg.clock.Now())
	}
}

func TestOTABroadcastsUntilEveryTrackerAcks(t *testing.T) {
	tg := newTestGateway(t, nil)
	a, b := trackerAddr(1), trackerAddr(2)
	tg.connect(t, a)
	tg.connect(t, b)
	tg.radio.takeSent()

	if err := tg.StartOTAUpdate(testOTAParams()); err != nil {
		t.Fatalf("StartOTAUpdate failed: %v", err)
	}
	if err := tg.StartOTAUpdate(testOTAParams()); !errors.Is(err, ErrOTAInProgress) {
		t.Fatalf("expected ErrOTAInProgress, got %v", err)
	}
	tg.Tick(tg.clock.Now())
	tg.flush(t)

	sent := tg.radio.takeSent()
	cmds := sentOfType(sent, protocol.TypeEnterOTA)
	if len(cmds) != 2 {
		t.Fatalf("expected enter-ota to both trackers, got %d", len(cmds))
	}
	msg := cmds[0].msg.(protocol.EnterOTA)
	if msg.Port != 3232 || msg.IP != [4]byte{192, 168, 4, 1} || msg.SSID != "trackers-ota" || msg.Password != "hunter22" {
		t.Fatalf("unexpected enter-ota payload: %+v", msg)
	}
	if msg.Secret != tg.store.code {
		t.Fatalf("enter-ota secret = %x, want shared security code %x", msg.Secret, tg.store.code)
	}
	if msg.AuthToken != testOTAParams().AuthToken {
		t.Fatalf("enter-ota token = %x, want %x", msg.AuthToken, testOTAParams().AuthToken)
	}

	tg.receive(a, protocol.EnterOTAAck{}, -40)
	tickFor(tg, 3*time.Second, 100*time.Millisecond)

	sent = tg.radio.takeSent()
	if n := len(sentOfType(sent, protocol.TypeHeartbeatEcho)); n != 0 {
		t.Fatalf("heartbeats must pause during ota, got %d", n)
	}
	if n := len(sentOfType(sent, protocol.TypeTrackerRate)); n != 0 {
		t.Fatalf("rate updates must pause during ota, got %d", n)
	}
	for _, f := range sentOfType(sent, protocol.TypeEnterOTA) {
		if f.dst == a {
			t.Fatalf("tracker that acknowledged must not get more enter-ota commands")
		}
	}
	if !tg.OTAInProgress() {
		t.Fatalf("expected ota still running with one tracker left")
	}
	if tg.events.disconnected[0].Reason != ReasonOTA {
		t.Fatalf("unexpected reason %q", tg.events.disconnected[0].Reason)
	}

	tg.receive(b, protocol.EnterOTAAck{}, -40)
	tg.Tick(tg.clock.Now())
	if tg.OTAInProgress() {
		t.Fatalf("expected ota to finish once every tracker left")
	}
	if _, disconnected, _ := tg.events.counts(); disconnected != 2 {
		t.Fatalf("expected 2 disconnected events, got %d", disconnected)
	}
}

func TestOTATimesOut(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.connect(t, trackerAddr(1))
	tg.radio.takeSent()

	if err := tg.StartOTAUpdate(testOTAParams()); err != nil {
		t.Fatalf("StartOTAUpdate failed: %v", err)
	}
	tg.Tick(tg.clock.Now())
	tickFor(tg, DefaultOTATimeout-100*time.Millisecond, 100*time.Millisecond)
	if !tg.OTAInProgress() {
		t.Fatalf("ota ended before its timeout")
	}
	tickFor(tg, 100*time.Millisecond, 100*time.Millisecond)
	if tg.OTAInProgress() {
		t.Fatalf("expected ota to time out")
	}

	cmds := sentOfType(tg.radio.takeSent(), protocol.TypeEnterOTA)
	if len(cmds) != 5 {
		t.Fatalf("expected an enter-ota every 2s for 10s (5), got %d", len(cmds))
	}
	if len(tg.ConnectedTrackers()) != 1 {
		t.Fatalf("a tracker that never acknowledged keeps its session")
	}
}

func TestOTARejectsNonIPv4Server(t *testing.T) {
	tg := newTestGateway(t, nil)
	params := testOTAParams()
	params.IP = netip.MustParseAddr("::1")
	if err := tg.StartOTAUpdate(params); err == nil {
		t.Fatalf("expected IPv6 server address to be rejected")
	}
	if tg.OTAInProgress() {
		t.Fatalf("rejected start must not begin ota")
	}
}

func TestRateUpdateDeferredUntilOTAEnds(t *testing.T) {
	tg := newTestGateway(t, nil)
	a, b, c := trackerAddr(1), trackerAddr(2), trackerAddr(3)
	tg.connect(t, a)
	tg.connect(t, b)
	tg.connect(t, c)
	tg.radio.takeSent()

	if err := tg.StartOTAUpdate(testOTAParams()); err != nil {
		t.Fatalf("StartOTAUpdate failed: %v", err)
	}
	tg.Tick(tg.clock.Now())
	tg.receive(a, protocol.EnterOTAAck{}, -40)
	tg.receive(b, protocol.EnterOTAAck{}, -40)
	tickFor(tg, DefaultOTATimeout-100*time.Millisecond, 100*time.Millisecond)
	if !tg.OTAInProgress() {
		t.Fatalf("ota ended before its timeout")
	}
	if n := len(sentOfType(tg.radio.takeSent(), protocol.TypeTrackerRate)); n != 0 {
		t.Fatalf("rate updates must pause during ota, got %d", n)
	}

	tickFor(tg, 500*time.Millisecond, 100*time.Millisecond)
	if tg.OTAInProgress() {
		t.Fatalf("expected ota to time out")
	}
	rates := sentOfType(tg.radio.takeSent(), protocol.TypeTrackerRate)
	if len(rates) != 1 || rates[0].dst != c {
		t.Fatalf("expected one rate update to the remaining tracker, got %+v", rates)
	}
	want, _ := PollRate(DefaultMaxPPS, 1)
	if got := rates[0].msg.(protocol.TrackerRate).PollRateHz; got != want {
		t.Fatalf("remaining tracker rate = %d, want %d", got, want)
	}
}
