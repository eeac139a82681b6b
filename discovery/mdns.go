package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service advertised for the host link.
	DefaultService = "_trackergw._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background gateway discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

const (
	txtGatewayID = "gateway_id"
	txtVersion   = "version"
	txtChannel   = "channel"
)

var (
	ErrMissingGatewayID = errors.New("discovery: gateway ID is required")
	ErrInvalidPort      = errors.New("discovery: port must be > 0")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the advertiser and the scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	GatewayID   string
	GatewayName string
	Port        int
	Channel     uint8

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if strings.TrimSpace(out.GatewayName) == "" {
		out.GatewayName = "trackergw-" + shortID(out.GatewayID)
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.GatewayID) == "" {
		return ErrMissingGatewayID
	}
	if c.Port <= 0 {
		return ErrInvalidPort
	}
	return nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(strings.TrimSpace(id), "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// TXTRecords returns the TXT entries advertised for cfg.
func TXTRecords(cfg Config) []string {
	cfg = cfg.withDefaults()
	return []string{
		txtGatewayID + "=" + cfg.GatewayID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtChannel + "=" + strconv.Itoa(int(cfg.Channel)),
	}
}

// Broadcaster advertises the host link endpoint via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the gateway service.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.GatewayName, cfg.Service, cfg.Domain, cfg.Port, TXTRecords(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Broadcaster{server: server}, nil
}

// UpdateChannel refreshes the advertised radio channel.
func (b *Broadcaster) UpdateChannel(config Config, channel uint8) {
	if b == nil || b.server == nil {
		return
	}
	config.Channel = channel
	b.server.SetText(TXTRecords(config))
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates advertisement and scanning.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *GatewayScanner
}

// Start starts the broadcaster and a scanner that ignores this gateway.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewGatewayScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
