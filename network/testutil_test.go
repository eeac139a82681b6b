package network

import (
	"errors"
	"sync"
	"testing"
	"time"

	"trackergw/protocol"
	"trackergw/radio"
	"trackergw/storage"
	"trackergw/telemetry"
)

type sentFrame struct {
	dst protocol.Addr
	msg protocol.Message
}

type fakeRadio struct {
	mu        sync.Mutex
	addr      protocol.Addr
	peers     map[protocol.Addr]bool
	maxPeers  int
	channel   uint8
	handler   radio.ReceiveHandler
	sent      []sentFrame
	sendErrs  []error
	addErr    error
	deleted   []protocol.Addr
	setChErr  error
	handlerEr error
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		addr:     protocol.Addr{0x02, 0xAA, 0, 0, 0, 0x01},
		peers:    make(map[protocol.Addr]bool),
		maxPeers: radio.DefaultMaxPeers,
	}
}

func (r *fakeRadio) Address() protocol.Addr { return r.addr }

func (r *fakeRadio) Send(dst protocol.Addr, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sendErrs) > 0 {
		err := r.sendErrs[0]
		r.sendErrs = r.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if !r.peers[dst] {
		return radio.ErrPeerNotFound
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, sentFrame{dst: dst, msg: msg})
	return nil
}

func (r *fakeRadio) AddPeer(addr protocol.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return r.addErr
	}
	if r.peers[addr] {
		return nil
	}
	if len(r.peers) >= r.maxPeers {
		return radio.ErrPeerTableFull
	}
	r.peers[addr] = true
	return nil
}

func (r *fakeRadio) DeletePeer(addr protocol.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.peers[addr] {
		return radio.ErrPeerNotFound
	}
	delete(r.peers, addr)
	r.deleted = append(r.deleted, addr)
	return nil
}

func (r *fakeRadio) PeerExists(addr protocol.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[addr]
}

func (r *fakeRadio) SetChannel(ch uint8) error {
	if r.setChErr != nil {
		return r.setChErr
	}
	r.mu.Lock()
	r.channel = ch
	r.mu.Unlock()
	return nil
}

func (r *fakeRadio) SetReceiveHandler(h radio.ReceiveHandler) error {
	if r.handlerEr != nil {
		return r.handlerEr
	}
	r.handler = h
	return nil
}

func (r *fakeRadio) Close() error { return nil }

func (r *fakeRadio) hasPeer(addr protocol.Addr) bool {
	return r.PeerExists(addr)
}

// takeSent returns and clears everything transmitted so far.
func (r *fakeRadio) takeSent() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

func sentOfType(frames []sentFrame, typ protocol.MessageType) []sentFrame {
	var out []sentFrame
	for _, f := range frames {
		if f.msg.Type() == typ {
			out = append(out, f)
		}
	}
	return out
}

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	paired  map[protocol.Addr]bool
	ids     map[protocol.Addr]uint8
	code    protocol.SecurityCode
	channel uint8
	events  []storage.SecurityEvent
	resets  int
}

func newMemStore() *memStore {
	return &memStore{
		paired:  make(map[protocol.Addr]bool),
		ids:     make(map[protocol.Addr]uint8),
		code:    protocol.SecurityCode{1, 2, 3, 4, 5, 6, 7, 8},
		channel: protocol.DefaultChannel,
	}
}

func (s *memStore) IsPaired(addr protocol.Addr) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paired[addr], nil
}

func (s *memStore) AddPaired(addr protocol.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paired[addr] = true
	return nil
}

func (s *memStore) RemovePaired(addr protocol.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paired, addr)
	delete(s.ids, addr)
	return nil
}

func (s *memStore) ClearPaired() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paired = make(map[protocol.Addr]bool)
	s.ids = make(map[protocol.Addr]uint8)
	return nil
}

func (s *memStore) ForEachPaired(fn func(storage.PairedTracker) error) error {
	s.mu.Lock()
	var list []storage.PairedTracker
	for addr := range s.paired {
		id, ok := s.ids[addr]
		list = append(list, storage.PairedTracker{Addr: addr, TrackerID: id, HasID: ok})
	}
	s.mu.Unlock()
	for _, p := range list {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) TrackerID(addr protocol.Addr) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[addr]; ok {
		return id, nil
	}
	used := make(map[uint8]bool)
	for _, id := range s.ids {
		used[id] = true
	}
	for id := 0; id <= 255; id++ {
		if !used[uint8(id)] {
			s.ids[addr] = uint8(id)
			return uint8(id), nil
		}
	}
	return 0, storage.ErrTrackerIDsExhausted
}

func (s *memStore) IsTrackerIDInUse(id uint8) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, used := range s.ids {
		if used == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) LoadSecurityCode() (protocol.SecurityCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, nil
}

func (s *memStore) StoreSecurityCode(code protocol.SecurityCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
	return nil
}

func (s *memStore) ResetSecurityCode() (protocol.SecurityCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.code = protocol.SecurityCode{0xF0, 0xE1, 0xD2, 0xC3, 0xB4, 0xA5, 0x96, byte(s.resets)}
	return s.code, nil
}

func (s *memStore) LoadChannel() (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel, nil
}

func (s *memStore) StoreChannel(ch uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
	return nil
}

func (s *memStore) LogSecurityEvent(event storage.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type eventLog struct {
	mu           sync.Mutex
	connected    []TrackerEvent
	disconnected []TrackerEvent
	paired       []TrackerEvent
}

func (l *eventLog) counts() (connected, disconnected, paired int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connected), len(l.disconnected), len(l.paired)
}

type testGateway struct {
	*Gateway
	radio  *fakeRadio
	store  *memStore
	clock  *fakeClock
	events *eventLog
	seq    uint16
}

func newTestGateway(t *testing.T, mutate func(*Options)) *testGateway {
	t.Helper()

	tg := &testGateway{
		radio:  newFakeRadio(),
		store:  newMemStore(),
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0)},
		events: &eventLog{},
		seq:    0x1000,
	}
	opts := Options{
		Radio:     tg.radio,
		Store:     tg.store,
		Telemetry: telemetry.NewAggregator(telemetry.Config{}),
		Now:       tg.clock.Now,
		NextSeq: func() uint16 {
			tg.seq++
			return tg.seq
		},
		OnTrackerConnected: func(e TrackerEvent) {
			tg.events.mu.Lock()
			tg.events.connected = append(tg.events.connected, e)
			tg.events.mu.Unlock()
		},
		OnTrackerDisconnected: func(e TrackerEvent) {
			tg.events.mu.Lock()
			tg.events.disconnected = append(tg.events.disconnected, e)
			tg.events.mu.Unlock()
		},
		OnTrackerPaired: func(e TrackerEvent) {
			tg.events.mu.Lock()
			tg.events.paired = append(tg.events.paired, e)
			tg.events.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	gw, err := NewGateway(opts)
	if err != nil {
		t.Fatalf("NewGateway failed: %v", err)
	}
	if err := gw.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tg.Gateway = gw
	return tg
}

func (tg *testGateway) receive(src protocol.Addr, m protocol.Message, rssi int8) {
	tg.radio.handler(radio.Frame{Src: src, RSSI: rssi, Data: protocol.Encode(m)})
}

// flush ticks in send-interval steps until the queue is empty.
func (tg *testGateway) flush(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if tg.QueueStats().Pending == 0 {
			return
		}
		tg.clock.Advance(DefaultSendInterval)
		tg.Tick(tg.clock.Now())
	}
	t.Fatalf("send queue did not drain")
}

// connect pairs and handshakes addr, then drains the queue.
func (tg *testGateway) connect(t *testing.T, addr protocol.Addr) {
	t.Helper()
	if err := tg.store.AddPaired(addr); err != nil {
		t.Fatalf("AddPaired failed: %v", err)
	}
	tg.receive(addr, protocol.HandshakeRequest{Secret: tg.store.code}, -50)
	tg.flush(t)
	for _, p := range tg.ConnectedTrackers() {
		if p.Addr == addr {
			return
		}
	}
	t.Fatalf("tracker %s did not connect", addr)
}

func trackerAddr(n byte) protocol.Addr {
	return protocol.Addr{0x24, 0x6F, 0x28, 0, 0, n}
}

func mustPeer(t *testing.T, tg *testGateway, addr protocol.Addr) Peer {
	t.Helper()
	for _, p := range tg.ConnectedTrackers() {
		if p.Addr == addr {
			return p
		}
	}
	t.Fatalf("peer %s not connected", addr)
	return Peer{}
}

var errPermanent = errors.New("radio: permanent failure")
