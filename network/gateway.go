package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"trackergw/protocol"
	"trackergw/radio"
	"trackergw/storage"
	"trackergw/telemetry"
)

const (
	DefaultMaxPPS                  = 1500
	DefaultHeartbeatInterval       = time.Second
	DefaultHeartbeatTimeout        = time.Second
	DefaultMaxMissedPings          = 5
	DefaultTimedOutAfter           = 3
	DefaultPairingAnnounceInterval = 500 * time.Millisecond
	DefaultOTASendInterval         = 2 * time.Second
	DefaultOTATimeout              = 10 * time.Second
	DefaultReportInterval          = time.Second
	DefaultTickInterval            = time.Millisecond

	unpairRepeat = 3
)

var (
	// ErrRadioInit indicates the radio could not be configured.
	ErrRadioInit = errors.New("network: radio initialization failed")
	// ErrBroadcastPeer indicates the link broadcast peer could not be registered.
	ErrBroadcastPeer = errors.New("network: broadcast peer registration failed")
	// ErrReceiveCallback indicates the receive handler could not be installed.
	ErrReceiveCallback = errors.New("network: receive callback registration failed")
	// ErrMissingDependency indicates NewGateway was called without a radio or store.
	ErrMissingDependency = errors.New("network: missing gateway dependency")
	// ErrInvalidChannel indicates a channel outside 1..14.
	ErrInvalidChannel = errors.New("network: invalid radio channel")
	// ErrBlankSecurityCode indicates an all-zero security code.
	ErrBlankSecurityCode = errors.New("network: security code must not be blank")
	// ErrTrackerNotConnected indicates an operation on an address with no live session.
	ErrTrackerNotConnected = errors.New("network: tracker not connected")
)

// DisconnectReason explains why a session ended.
type DisconnectReason string

const (
	ReasonHeartbeatTimeout DisconnectReason = "heartbeat_timeout"
	ReasonUnpaired         DisconnectReason = "unpaired"
	ReasonOTA              DisconnectReason = "entered_ota"
	ReasonChannelChange    DisconnectReason = "channel_change"
	ReasonFactoryReset     DisconnectReason = "factory_reset"
	ReasonRequested        DisconnectReason = "requested"
)

// TrackerEvent describes a session or pairing change.
type TrackerEvent struct {
	Addr      protocol.Addr
	TrackerID uint8
	RSSI      int8
	Reason    DisconnectReason
}

// Options wires a Gateway to its collaborators.
type Options struct {
	Radio     radio.Driver
	Store     Store
	Telemetry *telemetry.Aggregator
	Transport telemetry.Transport
	Logger    *slog.Logger

	// Now and NextSeq are overridable for tests.
	Now     func() time.Time
	NextSeq func() uint16

	MaxPPS                  uint32
	SendQueueCapacity       int
	SendInterval            time.Duration
	HeartbeatInterval       time.Duration
	HeartbeatTimeout        time.Duration
	MaxMissedPings          int
	TimedOutAfter           int
	PairingAnnounceInterval time.Duration
	OTASendInterval         time.Duration
	OTATimeout              time.Duration
	ReportInterval          time.Duration
	TickInterval            time.Duration

	OnTrackerConnected    func(TrackerEvent)
	OnTrackerDisconnected func(TrackerEvent)
	OnTrackerPaired       func(TrackerEvent)
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.NextSeq == nil {
		out.NextSeq = func() uint16 { return uint16(rand.Uint32()) }
	}
	if out.MaxPPS == 0 {
		out.MaxPPS = DefaultMaxPPS
	}
	if out.SendQueueCapacity <= 0 {
		out.SendQueueCapacity = DefaultSendQueueCapacity
	}
	if out.SendInterval <= 0 {
		out.SendInterval = DefaultSendInterval
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if out.MaxMissedPings <= 0 {
		out.MaxMissedPings = DefaultMaxMissedPings
	}
	if out.TimedOutAfter <= 0 {
		out.TimedOutAfter = DefaultTimedOutAfter
	}
	if out.PairingAnnounceInterval <= 0 {
		out.PairingAnnounceInterval = DefaultPairingAnnounceInterval
	}
	if out.OTASendInterval <= 0 {
		out.OTASendInterval = DefaultOTASendInterval
	}
	if out.OTATimeout <= 0 {
		out.OTATimeout = DefaultOTATimeout
	}
	if out.ReportInterval <= 0 {
		out.ReportInterval = DefaultReportInterval
	}
	if out.TickInterval <= 0 {
		out.TickInterval = DefaultTickInterval
	}
	if out.Telemetry == nil {
		out.Telemetry = telemetry.NewAggregator(telemetry.Config{Logger: out.Logger})
	}
	return out
}

// Gateway owns the tracker sessions and everything that talks to the radio.
//
// HandleFrame runs on the radio receive goroutine and Tick on the main loop. Both take mu,
// which guards the registry, the send queue, pairing mode and OTA state together.
// Callbacks and audit writes are collected under mu and run after it is released.
type Gateway struct {
	opts      Options
	logger    *slog.Logger
	radio     radio.Driver
	store     Store
	telemetry *telemetry.Aggregator
	transport telemetry.Transport

	mu               sync.Mutex
	registry         *Registry
	queue            *SendQueue
	securityCode     protocol.SecurityCode
	channel          uint8
	pairingMode      bool
	lastAnnouncement time.Time
	rateDirty        bool
	ota              otaState
	stats            statsWindow
	deferred         []func()
}

// NewGateway assembles a gateway. Begin must be called before frames are processed.
func NewGateway(options Options) (*Gateway, error) {
	opts := options.withDefaults()
	if opts.Radio == nil || opts.Store == nil {
		return nil, ErrMissingDependency
	}

	return &Gateway{
		opts:      opts,
		logger:    opts.Logger,
		radio:     opts.Radio,
		store:     opts.Store,
		telemetry: opts.Telemetry,
		transport: opts.Transport,
		registry:  NewRegistry(),
		queue:     NewSendQueue(opts.Radio, opts.SendQueueCapacity, opts.SendInterval, opts.Logger),
		channel:   protocol.DefaultChannel,
	}, nil
}

// Begin loads the persisted secret and channel, tunes the radio, registers the link
// broadcast peer and installs the receive handler.
func (g *Gateway) Begin() error {
	code, err := g.store.LoadSecurityCode()
	if err != nil {
		return fmt.Errorf("load security code: %w", err)
	}
	channel, err := g.store.LoadChannel()
	if err != nil {
		return fmt.Errorf("load channel: %w", err)
	}

	g.mu.Lock()
	g.securityCode = code
	g.channel = channel
	g.mu.Unlock()

	if err := g.radio.SetChannel(channel); err != nil {
		return fmt.Errorf("%w: %w", ErrRadioInit, err)
	}
	if err := g.radio.AddPeer(protocol.BroadcastAddr); err != nil {
		return fmt.Errorf("%w: %w", ErrBroadcastPeer, err)
	}
	if err := g.radio.SetReceiveHandler(g.HandleFrame); err != nil {
		return fmt.Errorf("%w: %w", ErrReceiveCallback, err)
	}

	g.logger.Info("gateway started", "addr", g.radio.Address().String(), "channel", channel)
	return nil
}

// Run drives Tick and the telemetry drain until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := g.opts.Now()
			g.Tick(now)
			g.telemetry.Drain(now, g.transport, g)
		}
	}
}

// Tick advances OTA, heartbeat supervision, pairing announcements, the send queue and
// statistics. It never blocks on the radio.
func (g *Gateway) Tick(now time.Time) {
	g.mu.Lock()
	g.tickOTA(now)
	if !g.ota.active {
		g.tickHeartbeat(now)
		g.tickAnnouncement(now)
	}
	g.queue.Drain(now)
	g.tickStats(now)
	g.unlockAndDispatch()
}

// HandleFrame dispatches one inbound radio frame.
func (g *Gateway) HandleFrame(f radio.Frame) {
	msg, err := protocol.Decode(f.Data)
	if err != nil {
		g.logger.Debug("malformed radio frame ignored", "from", f.Src.String(), "bytes", len(f.Data), "error", err)
		return
	}

	g.mu.Lock()
	now := g.opts.Now()
	switch m := msg.(type) {
	case protocol.TrackerData:
		g.handleTrackerData(f.Src, f.RSSI, m)
	case protocol.PairingRequest:
		g.handlePairingRequest(f.Src, m.Secret)
	case protocol.HandshakeRequest:
		g.handleHandshakeRequest(now, f.Src, m.Secret, f.RSSI)
	case protocol.HeartbeatEcho:
		g.handleHeartbeatEcho(f.Src, m.Seq, f.RSSI)
	case protocol.HeartbeatResponse:
		g.handleHeartbeatResponse(now, f.Src, m.Seq, f.RSSI)
	case protocol.EnterOTAAck:
		g.handleEnterOTAAck(f.Src)
	default:
		g.logger.Debug("unexpected message from tracker", "from", f.Src.String(), "type", msg.Type().String())
	}
	g.unlockAndDispatch()
}

func (g *Gateway) handleTrackerData(addr protocol.Addr, rssi int8, m protocol.TrackerData) {
	p, ok := g.registry.Get(addr)
	if !ok {
		return
	}
	p.RSSI = rssi
	g.stats.packets++
	g.stats.bytes += len(m.Data)
	g.telemetry.Insert(m.Data, rssi)
}

// RegisteredPeers lists connected trackers for telemetry registration padding.
func (g *Gateway) RegisteredPeers() []telemetry.Peer {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]telemetry.Peer, 0, g.registry.Len())
	for i := 0; i < g.registry.Len(); i++ {
		p := g.registry.At(i)
		out = append(out, telemetry.Peer{TrackerID: p.TrackerID, Addr: p.Addr})
	}
	return out
}

// ConnectedTrackers returns a snapshot of every live session.
func (g *Gateway) ConnectedTrackers() []Peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registry.Snapshot()
}

// PairedTrackers lists the persisted pairings in pairing order.
func (g *Gateway) PairedTrackers() ([]storage.PairedTracker, error) {
	var out []storage.PairedTracker
	err := g.store.ForEachPaired(func(p storage.PairedTracker) error {
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list paired trackers: %w", err)
	}
	return out, nil
}

// QueueStats returns send queue counters.
func (g *Gateway) QueueStats() SendQueueStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Stats()
}

// Telemetry returns the aggregator fed by inbound tracker data.
func (g *Gateway) Telemetry() *telemetry.Aggregator {
	return g.telemetry
}

// Channel returns the current radio channel.
func (g *Gateway) Channel() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channel
}

// SecurityCode returns the current shared secret.
func (g *Gateway) SecurityCode() protocol.SecurityCode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.securityCode
}

// evict ends p's session: radio peer deleted, registry entry removed, queued entries
// cancelled, disconnected callback scheduled. Caller holds mu.
func (g *Gateway) evict(p *Peer, reason DisconnectReason) {
	if err := g.radio.DeletePeer(p.Addr); err != nil && !errors.Is(err, radio.ErrPeerNotFound) {
		g.logger.Debug("delete radio peer failed", "addr", p.Addr.String(), "error", err)
	}
	g.registry.Remove(p.Addr)
	cancelled := g.queue.CancelPeer(p)
	g.rateDirty = true

	g.logger.Info("tracker disconnected",
		"addr", p.Addr.String(),
		"tracker_id", p.TrackerID,
		"reason", string(reason),
		"cancelled_messages", cancelled,
	)

	event := TrackerEvent{Addr: p.Addr, TrackerID: p.TrackerID, RSSI: p.RSSI, Reason: reason}
	if cb := g.opts.OnTrackerDisconnected; cb != nil {
		g.deferred = append(g.deferred, func() { cb(event) })
	}
}

func (g *Gateway) audit(eventType string, addr protocol.Addr, details, severity string) {
	event := storage.SecurityEvent{
		EventType: eventType,
		Details:   details,
		Severity:  severity,
	}
	if !addr.IsZero() {
		event.Addr = addr.String()
	}
	g.deferred = append(g.deferred, func() {
		if err := g.store.LogSecurityEvent(event); err != nil {
			g.logger.Warn("audit log write failed", "event", eventType, "error", err)
		}
	})
}

// unlockAndDispatch flushes pending rate updates, releases mu and runs deferred work.
// Rate changes made during OTA stay pending until it ends.
func (g *Gateway) unlockAndDispatch() {
	if g.rateDirty && !g.ota.active {
		g.rateDirty = false
		g.sendRateUpdates()
	}
	pending := g.deferred
	g.deferred = nil
	g.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}
