package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"trackergw/config"
	"trackergw/console"
	appcrypto "trackergw/crypto"
	"trackergw/discovery"
	"trackergw/hostlink"
	"trackergw/network"
	"trackergw/radio"
	"trackergw/status"
	"trackergw/storage"
	"trackergw/telemetry"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "monitor" {
		os.Exit(runMonitor(os.Args[2:]))
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	logger := buildLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Gateway ID:      %s\n", cfg.GatewayID)
	fmt.Printf("Gateway Name:    %s\n", cfg.GatewayName)
	fmt.Printf("Link Address:    %s\n", cfg.LinkAddress)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	otaToken, err := appcrypto.EnsureOTAToken(cfg.OTATokenPath)
	if err != nil {
		log.Fatalf("startup failed while preparing OTA token: %v", err)
	}

	store, dbPath, err := storage.OpenBackend(cfg.StorageBackend, dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening %s store: %v", cfg.StorageBackend, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	linkAddr, err := cfg.Link()
	if err != nil {
		log.Fatalf("startup failed while parsing link address: %v", err)
	}
	link, err := radio.OpenUDPLink(radio.UDPConfig{
		ListenAddress:    cfg.RadioListenAddress,
		BroadcastAddress: cfg.RadioBroadcastAddress,
		LinkAddress:      linkAddr,
		Logger:           logger.With("component", "radio"),
	})
	if err != nil {
		log.Fatalf("startup failed while opening radio link: %v", err)
	}
	defer func() {
		if err := link.Close(); err != nil && !errors.Is(err, radio.ErrClosed) {
			logger.Error("radio close failed", "error", err)
		}
	}()
	fmt.Printf("Radio Link:      %s\n", link.LocalAddr())

	reports := telemetry.NewAggregator(telemetry.Config{
		Capacity:             cfg.TelemetryCapacity,
		RegistrationInterval: config.Millis(cfg.RegistrationIntervalMS),
		Logger:               logger.With("component", "telemetry"),
	})
	host := hostlink.NewServer(hostlink.ServerConfig{Logger: logger.With("component", "hostlink")})

	gw, err := network.NewGateway(network.Options{
		Radio:                   link,
		Store:                   store,
		Telemetry:               reports,
		Transport:               host,
		Logger:                  logger.With("component", "gateway"),
		MaxPPS:                  cfg.MaxPPS,
		SendQueueCapacity:       cfg.SendQueueCapacity,
		SendInterval:            config.Millis(cfg.SendIntervalMS),
		HeartbeatInterval:       config.Millis(cfg.HeartbeatIntervalMS),
		HeartbeatTimeout:        config.Millis(cfg.HeartbeatTimeoutMS),
		MaxMissedPings:          cfg.MaxMissedPings,
		PairingAnnounceInterval: config.Millis(cfg.PairingAnnounceIntervalMS),
		OTASendInterval:         config.Millis(cfg.OTASendIntervalMS),
		OTATimeout:              config.Millis(cfg.OTATimeoutMS),
		ReportInterval:          config.Millis(cfg.ReportIntervalMS),
		OnTrackerConnected: func(ev network.TrackerEvent) {
			reports.InsertRegistration(ev.TrackerID, ev.Addr)
		},
		OnTrackerDisconnected: func(ev network.TrackerEvent) {
			reports.InsertStatus(ev.TrackerID, telemetry.StatusDisconnected, 0)
		},
		OnTrackerPaired: func(ev network.TrackerEvent) {
			logger.Info("tracker paired", "addr", ev.Addr.String(), "tracker_id", ev.TrackerID)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while assembling gateway: %v", err)
	}
	if err := gw.Begin(); err != nil {
		log.Fatalf("startup failed while starting gateway: %v", err)
	}
	fmt.Printf("Radio Channel:   %d\n", gw.Channel())
	fmt.Printf("Security Code:   %s\n", appcrypto.SecurityCodeFingerprint(gw.SecurityCode()))

	hostLis, err := net.Listen("tcp", cfg.HostlinkListenAddress)
	if err != nil {
		log.Fatalf("startup failed while listening for host link: %v", err)
	}
	fmt.Printf("Host Link:       %s\n", hostLis.Addr())

	statusLis, err := net.Listen("tcp", cfg.StatusListenAddress)
	if err != nil {
		log.Fatalf("startup failed while listening for status: %v", err)
	}
	fmt.Printf("Status:          http://%s/status\n", statusLis.Addr())
	statusSrv := status.NewServer(gw, status.Info{
		GatewayID:   cfg.GatewayID,
		GatewayName: cfg.GatewayName,
		Version:     version,
		Subscribers: host.Subscribers,
	}, logger.With("component", "status"))

	discoveryCfg := discovery.Config{
		GatewayID:   cfg.GatewayID,
		GatewayName: cfg.GatewayName,
		Port:        hostLis.Addr().(*net.TCPAddr).Port,
		Channel:     gw.Channel(),
	}
	var broadcaster *discovery.Broadcaster
	if cfg.MDNS() {
		discoveryService, err := discovery.Start(discoveryCfg)
		if err != nil {
			logger.Warn("discovery startup failed", "error", err)
		} else {
			defer discoveryService.Stop()
			broadcaster = discoveryService.Broadcaster
			fmt.Println("Discovery:       running")
			go logDiscoveryEvents(logger, discoveryService.Scanner.Events())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cons := console.New(gw, os.Stdout, console.Options{
		OTAToken: otaToken,
		Events:   store,
		Logger:   logger.With("component", "console"),
		OnChannelChanged: func(ch uint8) {
			broadcaster.UpdateChannel(discoveryCfg, ch)
		},
	})
	go func() {
		if err := cons.Run(ctx, os.Stdin); err != nil {
			logger.Warn("console stopped", "error", err)
		}
	}()

	fmt.Println("Status:          running (press Ctrl+C to stop, type help for commands)")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Run(gctx)
	})
	g.Go(func() error {
		if err := host.Serve(hostLis); err != nil && !errors.Is(err, hostlink.ErrServerClosed) {
			return fmt.Errorf("host link: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		host.Close()
		return nil
	})
	g.Go(func() error {
		return statusSrv.Serve(gctx, statusLis)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", "error", err)
	}
	fmt.Println("Status:          shutting down")
}

func buildLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func logDiscoveryEvents(logger *slog.Logger, events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventGatewayUpserted:
			logger.Info("other gateway visible",
				"gateway_id", event.Gateway.GatewayID,
				"name", event.Gateway.Name,
				"endpoint", event.Gateway.Endpoint(),
				"channel", event.Gateway.Channel,
			)
		case discovery.EventGatewayRemoved:
			logger.Info("other gateway gone", "gateway_id", event.Gateway.GatewayID)
		}
	}
}
