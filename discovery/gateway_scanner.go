package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventGatewayUpserted is emitted when a gateway appears or its TXT data changes.
	EventGatewayUpserted EventType = "gateway_upserted"
	// EventGatewayRemoved is emitted when a previously seen gateway disappears.
	EventGatewayRemoved EventType = "gateway_removed"
)

var (
	ErrScannerNotStarted = errors.New("discovery: scanner is not started")
	ErrScannerStopped    = errors.New("discovery: scanner is stopped")
	ErrNoGateway         = errors.New("discovery: no gateway found")
)

// EventType identifies gateway discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type    EventType
	Gateway DiscoveredGateway
}

// DiscoveredGateway is a host link endpoint found on the LAN.
type DiscoveredGateway struct {
	GatewayID string
	Name      string
	Version   int
	Channel   uint8
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// Endpoint returns a dialable host:port, preferring IPv4.
func (g DiscoveredGateway) Endpoint() string {
	host := strings.TrimSuffix(g.HostName, ".")
	if len(g.Addresses) > 0 {
		host = g.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(g.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// GatewayScanner discovers gateways with periodic and manual mDNS browses.
type GatewayScanner struct {
	cfg Config

	browse browseFunc

	mu       sync.RWMutex
	gateways map[string]DiscoveredGateway

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewGatewayScanner creates a scanner. Entries carrying cfg.GatewayID are ignored.
func NewGatewayScanner(config Config) (*GatewayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &GatewayScanner{
		cfg:             cfg,
		browse:          browse,
		gateways:        make(map[string]DiscoveredGateway),
		events:          make(chan Event, 32),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *GatewayScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Events.
func (s *GatewayScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *GatewayScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *GatewayScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return ErrScannerNotStarted
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// ListGateways returns the current snapshot sorted by name.
func (s *GatewayScanner) ListGateways() []DiscoveredGateway {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredGateway, 0, len(s.gateways))
	for _, gw := range s.gateways {
		out = append(out, gw)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].GatewayID < out[j].GatewayID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *GatewayScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *GatewayScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	found, err := collect(scanCtx, s.browse, s.cfg, nil)
	if err != nil {
		return err
	}
	s.applySnapshot(found)
	return nil
}

// collect browses until ctx ends, or until stop returns true for a found gateway.
func collect(ctx context.Context, browse browseFunc, cfg Config, stop func(DiscoveredGateway) bool) (map[string]DiscoveredGateway, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	found := make(map[string]DiscoveredGateway)
	collectorDone := make(chan struct{})

	go func(in <-chan *zeroconf.ServiceEntry) {
		defer close(collectorDone)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, open := <-in:
				if !open {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				gw, ok := parseEntry(entry, cfg.GatewayID)
				if !ok {
					continue
				}
				gw.LastSeen = time.Now()
				found[gw.GatewayID] = gw
				if stop != nil && stop(gw) {
					cancel()
					return
				}
			}
		}
	}(entries)

	browseErr := browse(ctx, cfg.Service, cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, browseErr
	}

	<-ctx.Done()
	<-collectorDone
	return found, nil
}

// Lookup browses once and returns the first gateway found. An empty
// gatewayID accepts any gateway.
func Lookup(ctx context.Context, config Config, gatewayID string) (DiscoveredGateway, error) {
	cfg := config.withDefaults()
	cfg.GatewayID = ""

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return DiscoveredGateway{}, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	var first DiscoveredGateway
	var matched bool
	_, err := collect(scanCtx, browse, cfg, func(gw DiscoveredGateway) bool {
		if gatewayID != "" && gw.GatewayID != gatewayID {
			return false
		}
		first, matched = gw, true
		return true
	})
	if err != nil {
		return DiscoveredGateway{}, err
	}
	if !matched {
		return DiscoveredGateway{}, ErrNoGateway
	}
	return first, nil
}

func (s *GatewayScanner) applySnapshot(next map[string]DiscoveredGateway) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.gateways
	s.gateways = next

	for id, gw := range next {
		old, exists := previous[id]
		if !exists || !gatewaysEqual(old, gw) {
			s.emitEvent(Event{Type: EventGatewayUpserted, Gateway: gw})
		}
	}
	for id, gw := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventGatewayRemoved, Gateway: gw})
		}
	}
}

func (s *GatewayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfGatewayID string) (DiscoveredGateway, bool) {
	txt := txtToMap(entry.Text)

	gatewayID := strings.TrimSpace(txt[txtGatewayID])
	if gatewayID == "" || gatewayID == selfGatewayID {
		return DiscoveredGateway{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])
	var channel uint8
	if parsed, err := strconv.ParseUint(txt[txtChannel], 10, 8); err == nil {
		channel = uint8(parsed)
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	v6 := make([]string, 0, len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv6 {
		if ip != nil {
			v6 = append(v6, ip.String())
		}
	}
	sort.Strings(addresses)
	sort.Strings(v6)
	addresses = slices.Compact(append(addresses, v6...))

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = gatewayID
	}

	return DiscoveredGateway{
		GatewayID: gatewayID,
		Name:      name,
		Version:   version,
		Channel:   channel,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func gatewaysEqual(a, b DiscoveredGateway) bool {
	return a.GatewayID == b.GatewayID &&
		a.Name == b.Name &&
		a.Version == b.Version &&
		a.Channel == b.Channel &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
