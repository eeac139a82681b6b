package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trackergw/discovery"
	"trackergw/hostlink"
	"trackergw/telemetry"
)

// runMonitor subscribes to a gateway's host link and prints every report.
func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	addr := fs.String("addr", "", "host link address (host:port); discovered via mDNS when empty")
	gatewayID := fs.String("gateway", "", "gateway ID to pick during mDNS discovery")
	timeout := fs.Duration("timeout", discovery.DefaultScanTimeout, "mDNS discovery timeout")
	showPadding := fs.Bool("padding", false, "print zero padding records")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := buildLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target := *addr
	if target == "" {
		gw, err := discovery.Lookup(ctx, discovery.Config{ScanTimeout: *timeout}, *gatewayID)
		if err != nil {
			logger.Error("gateway discovery failed", "error", err)
			return 1
		}
		target = gw.Endpoint()
		logger.Info("gateway discovered", "gateway_id", gw.GatewayID, "name", gw.Name, "endpoint", target, "channel", gw.Channel)
	}

	client, err := hostlink.Dial(target, logger)
	if err != nil {
		logger.Error("host link dial failed", "error", err)
		return 1
	}
	defer client.Close()

	if err := monitorReports(ctx, client, os.Stdout, *showPadding); err != nil {
		logger.Error("report stream ended", "error", err)
		return 1
	}
	return 0
}

func monitorReports(ctx context.Context, client *hostlink.Client, out io.Writer, showPadding bool) error {
	err := client.Subscribe(ctx, func(records [telemetry.RecordsPerFrame]telemetry.Record) error {
		return printReport(out, time.Now(), records, showPadding)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printReport(out io.Writer, at time.Time, records [telemetry.RecordsPerFrame]telemetry.Record, showPadding bool) error {
	for i, rec := range records {
		if rec.IsZero() && !showPadding {
			continue
		}
		if _, err := fmt.Fprintf(out, "%s slot=%d %s\n", at.Format("15:04:05.000"), i, rec); err != nil {
			return err
		}
	}
	return nil
}
