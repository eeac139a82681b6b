// Package console implements the line-oriented operator console.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	appcrypto "trackergw/crypto"
	"trackergw/models"
	"trackergw/network"
	"trackergw/protocol"
	"trackergw/storage"
)

// Gateway is the part of network.Gateway the console drives.
type Gateway interface {
	EnterPairingMode()
	ExitPairingMode()
	InPairingMode() bool
	UnpairTracker(addr protocol.Addr) error
	UnpairAll() error
	FactoryReset() error
	SetSecurityCode(code protocol.SecurityCode) error
	SecurityCode() protocol.SecurityCode
	SetChannel(ch uint8) error
	Channel() uint8
	ConnectedTrackers() []network.Peer
	PairedTrackers() ([]storage.PairedTracker, error)
	StartOTAUpdate(params network.OTAParams) error
	OTAInProgress() bool
	Stats() network.Stats
}

var _ Gateway = (*network.Gateway)(nil)

// ErrUsage marks a malformed command line.
var ErrUsage = errors.New("console: usage")

// EventLog reads back the security audit trail.
type EventLog interface {
	GetSecurityEvents(filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error)
}

// Options configures a Console.
type Options struct {
	// Events backs the events command. Nil disables it.
	Events EventLog
	// OTAToken is used when the ota command is given "-" as its token.
	OTAToken appcrypto.OTAToken
	Logger   *slog.Logger
	Now      func() time.Time
	// OnChannelChanged runs after a successful setchannel.
	OnChannelChanged func(ch uint8)
}

type command struct {
	name  string
	usage string
}

var commandList = []command{
	{"pair", "pair"},
	{"unpair", "unpair <XX:XX:XX:XX:XX:XX>"},
	{"unpairall", "unpairall"},
	{"factoryreset", "factoryreset"},
	{"setsecurity", "setsecurity <16 hex digits>"},
	{"setchannel", "setchannel <1-14>"},
	{"getchannel", "getchannel"},
	{"list", "list"},
	{"status", "status"},
	{"events", "events [limit]"},
	{"ota", "ota <token-hex32|-> <port> <ipv4> <ssid><TAB><password>"},
	{"help", "help"},
}

func usage(name string) string {
	for _, cmd := range commandList {
		if cmd.name == name {
			return cmd.usage
		}
	}
	return name
}

// Console parses operator commands and writes replies to out.
type Console struct {
	gw     Gateway
	out    io.Writer
	opts   Options
	logger *slog.Logger
}

// New creates a console writing replies to out.
func New(gw Gateway, out io.Writer, opts Options) *Console {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Console{gw: gw, out: out, opts: opts, logger: opts.Logger}
}

// Run executes every line read from in until EOF or ctx is cancelled.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			c.Execute(line)
		case err := <-scanErr:
			return err
		}
	}
}

// Execute runs one command line. Blank lines are ignored.
func (c *Console) Execute(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	name, args, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)

	run := c.handler(name)
	if run == nil {
		c.printf("unknown command %q\n", name)
		_ = c.help("")
		return
	}

	c.logger.Debug("console command", "command", name)
	if err := run(strings.TrimSpace(args)); err != nil {
		if errors.Is(err, ErrUsage) {
			c.printf("usage: %s\n", usage(name))
			return
		}
		c.printf("error: %v\n", err)
	}
}

func (c *Console) handler(name string) func(string) error {
	switch name {
	case "pair":
		return c.pair
	case "unpair":
		return c.unpair
	case "unpairall":
		return c.unpairAll
	case "factoryreset":
		return c.factoryReset
	case "setsecurity":
		return c.setSecurity
	case "setchannel":
		return c.setChannel
	case "getchannel":
		return c.getChannel
	case "list":
		return c.list
	case "status":
		return c.status
	case "events":
		return c.events
	case "ota", "startotaupdate":
		return c.ota
	case "help":
		return c.help
	default:
		return nil
	}
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) pair(string) error {
	if c.gw.InPairingMode() {
		c.gw.ExitPairingMode()
		c.printf("pairing mode disabled\n")
		return nil
	}
	c.gw.EnterPairingMode()
	c.printf("pairing mode enabled\n")
	return nil
}

func (c *Console) unpair(args string) error {
	addr, err := protocol.ParseAddr(args)
	if err != nil {
		c.printf("invalid address %q\n", args)
		return ErrUsage
	}
	connected := false
	for _, p := range c.gw.ConnectedTrackers() {
		if p.Addr == addr {
			connected = true
			break
		}
	}
	if err := c.gw.UnpairTracker(addr); err != nil {
		return err
	}
	if connected {
		c.printf("tracker %s disconnected and unpaired\n", addr)
	} else {
		c.printf("tracker %s unpaired\n", addr)
	}
	return nil
}

func (c *Console) unpairAll(string) error {
	if err := c.gw.UnpairAll(); err != nil {
		return err
	}
	c.printf("all trackers unpaired\n")
	return nil
}

func (c *Console) factoryReset(string) error {
	if err := c.gw.FactoryReset(); err != nil {
		return err
	}
	c.printf("factory reset complete, new security code fingerprint %s\n",
		appcrypto.SecurityCodeFingerprint(c.gw.SecurityCode()))
	return nil
}

func (c *Console) setSecurity(args string) error {
	code, err := appcrypto.ParseSecurityCode(args)
	if errors.Is(err, appcrypto.ErrBlankSecurityCode) {
		return err
	}
	if err != nil {
		c.printf("invalid security code: %v\n", err)
		return ErrUsage
	}
	if err := c.gw.SetSecurityCode(code); err != nil {
		return err
	}
	c.printf("security code set to %s\n", appcrypto.FormatSecurityCode(code))
	return nil
}

func (c *Console) setChannel(args string) error {
	ch, err := strconv.ParseUint(args, 10, 8)
	if err != nil || !protocol.ValidChannel(uint8(ch)) {
		return ErrUsage
	}
	if err := c.gw.SetChannel(uint8(ch)); err != nil {
		return err
	}
	if c.opts.OnChannelChanged != nil {
		c.opts.OnChannelChanged(uint8(ch))
	}
	c.printf("radio channel set to %d and saved\n", ch)
	return nil
}

func (c *Console) getChannel(string) error {
	c.printf("current radio channel: %d\n", c.gw.Channel())
	return nil
}

func (c *Console) list(string) error {
	paired, err := c.gw.PairedTrackers()
	if err != nil {
		return err
	}
	trackers := models.MergeTrackers(c.gw.ConnectedTrackers(), paired, c.opts.Now())
	if len(trackers) == 0 {
		c.printf("no paired trackers\n")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDR\tID\tSTATE\tLATENCY\tRSSI\tMISSED")
	for _, t := range trackers {
		id := "-"
		if t.TrackerID != nil {
			id = strconv.Itoa(int(*t.TrackerID))
		}
		if !t.Connected {
			fmt.Fprintf(tw, "%s\t%s\tpaired\t-\t-\t-\n", t.Addr, id)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\tconnected\t%.1fms\t%d\t%d\n", t.Addr, id, t.LatencyMS, t.RSSI, t.MissedPings)
	}
	return tw.Flush()
}

func (c *Console) status(string) error {
	s := c.gw.Stats()
	c.printf("channel=%d pairing=%t ota=%t trackers=%d latency_avg=%s latency_max=%s rssi_avg=%d rssi_max=%d pps=%d bps=%d\n",
		c.gw.Channel(), c.gw.InPairingMode(), c.gw.OTAInProgress(),
		s.Trackers, s.LatencyAvg, s.LatencyMax, s.RSSIAvg, s.RSSIMax, s.PPS, s.BPS)
	return nil
}

func (c *Console) events(args string) error {
	if c.opts.Events == nil {
		return errors.New("security event log unavailable")
	}
	limit := 20
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return ErrUsage
		}
		limit = n
	}
	events, err := c.opts.Events.GetSecurityEvents(storage.SecurityEventFilter{Limit: limit})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		c.printf("no security events\n")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEVERITY\tEVENT\tADDR\tDETAILS")
	for _, ev := range events {
		addr := ev.Addr
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(ev.Timestamp).Format(time.DateTime), ev.Severity, ev.EventType, addr, ev.Details)
	}
	return tw.Flush()
}

func (c *Console) ota(args string) error {
	params, err := c.parseOTA(args)
	if err != nil {
		c.printf("%v\n", err)
		return ErrUsage
	}
	if err := c.gw.StartOTAUpdate(params); err != nil {
		return err
	}
	c.printf("OTAUPDATESTARTED\n")
	c.printf("ota update started: server %s:%d ssid %q\n", params.IP, params.Port, params.SSID)
	return nil
}

func (c *Console) parseOTA(args string) (network.OTAParams, error) {
	head, password, hasTab := strings.Cut(args, "\t")
	fields := strings.Fields(head)
	if !hasTab {
		if len(fields) != 5 {
			return network.OTAParams{}, errors.New("expected token, port, ip, ssid and password")
		}
		password = fields[4]
		fields = fields[:4]
	} else if len(fields) < 4 {
		return network.OTAParams{}, errors.New("expected token, port, ip and ssid before the tab")
	}

	token := c.opts.OTAToken
	if fields[0] != "-" {
		parsed, err := appcrypto.ParseOTAToken(fields[0])
		if err != nil {
			return network.OTAParams{}, err
		}
		token = parsed
	}
	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil || port == 0 {
		return network.OTAParams{}, fmt.Errorf("invalid port %q", fields[1])
	}
	ip, err := netip.ParseAddr(fields[2])
	if err != nil || !ip.Is4() {
		return network.OTAParams{}, fmt.Errorf("invalid IPv4 address %q", fields[2])
	}

	return network.OTAParams{
		AuthToken: token,
		Port:      uint16(port),
		IP:        ip,
		SSID:      strings.Join(fields[3:], " "),
		Password:  strings.TrimSpace(password),
	}, nil
}

func (c *Console) help(string) error {
	c.printf("commands:\n")
	for _, cmd := range commandList {
		c.printf("  %s\n", cmd.usage)
	}
	return nil
}
