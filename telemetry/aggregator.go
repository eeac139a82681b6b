package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"trackergw/protocol"
)

const (
	// DefaultCapacity is the number of buffered records.
	DefaultCapacity = 256
	// DefaultRegistrationInterval limits idle registration frames.
	DefaultRegistrationInterval = 200 * time.Millisecond
	// DefaultSendInterval is the minimum spacing between transport sends.
	DefaultSendInterval = time.Millisecond
)

// Transport carries fixed-size frames to the host. Send must not block.
type Transport interface {
	Ready() bool
	Send(frame []byte) bool
}

// Peer identifies a connected tracker for registration padding.
type Peer struct {
	TrackerID uint8
	Addr      protocol.Addr
}

// PeerLister returns connected trackers in a stable order.
type PeerLister interface {
	RegisteredPeers() []Peer
}

// Config controls Aggregator sizing and pacing.
type Config struct {
	Capacity             int
	RegistrationInterval time.Duration
	SendInterval         time.Duration
	Logger               *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.Capacity <= 0 {
		out.Capacity = DefaultCapacity
	}
	if out.RegistrationInterval <= 0 {
		out.RegistrationInterval = DefaultRegistrationInterval
	}
	if out.SendInterval <= 0 {
		out.SendInterval = DefaultSendInterval
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Stats is a snapshot of aggregator counters.
type Stats struct {
	Buffered     int
	Capacity     int
	Dropped      uint64
	Coalesced    uint64
	FramesSent   uint64
	SendFailures uint64
}

// Aggregator coalesces telemetry by (type, tracker ID) and packs it into host frames.
//
// Records live in a fixed ring. A record whose key is already buffered is overwritten
// in place and keeps its drain position. When the ring is full, new keys are dropped.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	ring  []Record
	head  int
	count int

	dropped      uint64
	coalesced    uint64
	framesSent   uint64
	sendFailures uint64

	lastSendAttempt  time.Time
	lastRegistration time.Time
	regCursor        int
}

// NewAggregator creates an empty aggregator.
func NewAggregator(config Config) *Aggregator {
	cfg := config.withDefaults()
	return &Aggregator{
		cfg:    cfg,
		logger: cfg.Logger,
		ring:   make([]Record, cfg.Capacity),
	}
}

// Insert buffers one raw record. The first two bytes are the type and tracker ID;
// anything past RecordSize is ignored. It returns false when the record was dropped.
func (a *Aggregator) Insert(raw []byte, rssi int8) bool {
	if len(raw) < 2 {
		return false
	}

	var rec Record
	copy(rec[:], raw)
	if rec.Type().CarriesRSSI() {
		rec[rssiOffset] = byte(-int(rssi))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.count; i++ {
		slot := &a.ring[(a.head+i)%len(a.ring)]
		if slot[0] == rec[0] && slot[1] == rec[1] {
			*slot = rec
			a.coalesced++
			return true
		}
	}

	if a.count == len(a.ring) {
		a.dropped++
		a.logger.Debug("telemetry buffer full, record dropped", "type", rec.Type(), "tracker_id", rec.TrackerID(), "dropped_total", a.dropped)
		return false
	}

	a.ring[(a.head+a.count)%len(a.ring)] = rec
	a.count++
	return true
}

// InsertStatus buffers a status record for trackerID.
func (a *Aggregator) InsertStatus(trackerID, status uint8, rssi int8) bool {
	rec := StatusRecord(trackerID, status)
	return a.Insert(rec[:], rssi)
}

// InsertRegistration buffers a registration record announcing trackerID at addr.
func (a *Aggregator) InsertRegistration(trackerID uint8, addr protocol.Addr) bool {
	rec := RegistrationRecord(trackerID, addr)
	return a.Insert(rec[:], 0)
}

// Len returns the number of buffered records.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Dropped returns how many records were discarded because the buffer was full.
func (a *Aggregator) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Snapshot returns buffered records in drain order.
func (a *Aggregator) Snapshot() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Record, a.count)
	for i := range out {
		out[i] = a.ring[(a.head+i)%len(a.ring)]
	}
	return out
}

// Stats returns a counter snapshot.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Buffered:     a.count,
		Capacity:     len(a.ring),
		Dropped:      a.dropped,
		Coalesced:    a.coalesced,
		FramesSent:   a.framesSent,
		SendFailures: a.sendFailures,
	}
}

// Drain sends at most one frame: up to four buffered records, padded with registration
// records for connected peers. With nothing buffered, a registration-only frame goes out at
// most once per RegistrationInterval. It reports whether a frame was handed to transport.
//
// peers is consulted before the aggregator lock is taken, so it may lock its own state.
func (a *Aggregator) Drain(now time.Time, transport Transport, peers PeerLister) bool {
	if transport == nil || !transport.Ready() {
		return false
	}

	var connected []Peer
	if peers != nil {
		connected = peers.RegisteredPeers()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lastSendAttempt.IsZero() && now.Sub(a.lastSendAttempt) < a.cfg.SendInterval {
		return false
	}

	if a.count == 0 {
		if len(connected) == 0 {
			return false
		}
		if !a.lastRegistration.IsZero() && now.Sub(a.lastRegistration) < a.cfg.RegistrationInterval {
			return false
		}
		a.lastRegistration = now
	}

	var frame [FrameSize]byte
	written := 0
	for written < RecordsPerFrame && a.count > 0 {
		copy(frame[written*RecordSize:], a.ring[a.head][:])
		a.ring[a.head] = Record{}
		a.head = (a.head + 1) % len(a.ring)
		a.count--
		written++
	}

	if len(connected) > 0 {
		for written < RecordsPerFrame {
			if a.regCursor >= len(connected) {
				a.regCursor = 0
			}
			p := connected[a.regCursor]
			rec := RegistrationRecord(p.TrackerID, p.Addr)
			copy(frame[written*RecordSize:], rec[:])
			a.regCursor++
			written++
		}
	}

	if written == 0 {
		return false
	}

	a.lastSendAttempt = now
	if !transport.Send(frame[:]) {
		a.sendFailures++
		a.logger.Debug("telemetry frame send failed", "failures_total", a.sendFailures)
		return false
	}
	a.framesSent++
	return true
}
