package status

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"trackergw/models"
	"trackergw/network"
	"trackergw/protocol"
	"trackergw/storage"
	"trackergw/telemetry"
)

type fakeGateway struct {
	channel   uint8
	pairing   bool
	peers     []network.Peer
	paired    []storage.PairedTracker
	pairedErr error
	agg       *telemetry.Aggregator
}

func (f *fakeGateway) Channel() uint8                     { return f.channel }
func (f *fakeGateway) InPairingMode() bool                { return f.pairing }
func (f *fakeGateway) OTAInProgress() bool                { return false }
func (f *fakeGateway) QueueStats() network.SendQueueStats { return network.SendQueueStats{Capacity: 64, Sent: 9} }
func (f *fakeGateway) Stats() network.Stats {
	return network.Stats{Trackers: len(f.peers), LatencyAvg: 4 * time.Millisecond, PPS: 120, BPS: 1920}
}
func (f *fakeGateway) ConnectedTrackers() []network.Peer { return f.peers }
func (f *fakeGateway) PairedTrackers() ([]storage.PairedTracker, error) {
	return f.paired, f.pairedErr
}
func (f *fakeGateway) Telemetry() *telemetry.Aggregator { return f.agg }

func newFakeGateway() *fakeGateway {
	a := protocol.Addr{0x02, 0, 0, 0, 0, 1}
	b := protocol.Addr{0x02, 0, 0, 0, 0, 2}
	agg := telemetry.NewAggregator(telemetry.Config{Capacity: 8})
	agg.InsertStatus(0, telemetry.StatusDisconnected, 0)
	return &fakeGateway{
		channel: 6,
		pairing: true,
		peers:   []network.Peer{{Addr: a, TrackerID: 0, ConnectedAt: time.Now(), RSSI: -48}},
		paired: []storage.PairedTracker{
			{Addr: a, TrackerID: 0, HasID: true, PairedAt: 10},
			{Addr: b, TrackerID: 1, HasID: true, PairedAt: 20},
		},
		agg: agg,
	}
}

func getJSON(t *testing.T, client *http.Client, url string, v any) *http.Response {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s failed: %v", url, err)
		}
	}
	return resp
}

func TestStatusReportsGatewaySnapshot(t *testing.T) {
	srv := NewServer(newFakeGateway(), Info{
		GatewayID:   "gw-1",
		GatewayName: "bench",
		Version:     "test",
		Subscribers: func() int { return 2 },
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var got models.GatewayStatus
	resp := getJSON(t, ts.Client(), ts.URL+"/status", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if got.GatewayID != "gw-1" || got.Channel != 6 || !got.PairingMode || got.Subscribers != 2 {
		t.Fatalf("unexpected snapshot header: %+v", got)
	}
	if got.Queue.Capacity != 64 || got.Queue.Sent != 9 {
		t.Fatalf("unexpected queue stats: %+v", got.Queue)
	}
	if got.Telemetry.Buffered != 1 || got.Telemetry.Capacity != 8 {
		t.Fatalf("unexpected telemetry stats: %+v", got.Telemetry)
	}
	if got.Link.LatencyAvgMS != 4 || got.Link.PPS != 120 {
		t.Fatalf("unexpected link stats: %+v", got.Link)
	}
	if len(got.Trackers) != 2 || !got.Trackers[0].Connected || got.Trackers[1].Connected {
		t.Fatalf("unexpected trackers: %+v", got.Trackers)
	}
}

func TestTrackersAndHealth(t *testing.T) {
	ts := httptest.NewServer(NewServer(newFakeGateway(), Info{}, nil).Handler())
	defer ts.Close()

	var trackers []models.Tracker
	getJSON(t, ts.Client(), ts.URL+"/trackers", &trackers)
	if len(trackers) != 2 || trackers[1].Addr != "02:00:00:00:00:02" {
		t.Fatalf("unexpected trackers: %+v", trackers)
	}

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok\n" {
		t.Fatalf("unexpected health body %q", body)
	}

	resp, err = ts.Client().Post(ts.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", resp.StatusCode)
	}
}

func TestStatusStoreFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.pairedErr = errors.New("database is locked")
	ts := httptest.NewServer(NewServer(gw, Info{}, nil).Handler())
	defer ts.Close()

	resp := getJSON(t, ts.Client(), ts.URL+"/status", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestServeSpeaksCleartextHTTP2(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	srv := NewServer(newFakeGateway(), Info{GatewayID: "gw-h2"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	client := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		Timeout: 2 * time.Second,
	}

	var got models.GatewayStatus
	resp := getJSON(t, client, "http://"+lis.Addr().String()+"/status", &got)
	if resp.ProtoMajor != 2 {
		t.Fatalf("expected HTTP/2, got %s", resp.Proto)
	}
	if got.GatewayID != "gw-h2" {
		t.Fatalf("unexpected gateway id %q", got.GatewayID)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not stop after cancel")
	}
}
