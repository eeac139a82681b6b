package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"trackergw/protocol"
	"trackergw/storage"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "trackergw"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "TRACKERGW_DATA_DIR"

	DefaultRadioListenAddress    = ":4210"
	DefaultRadioBroadcastAddress = "255.255.255.255:4211"
	DefaultHostlinkListenAddress = ":7420"
	DefaultStatusListenAddress   = "127.0.0.1:7421"
	DefaultLogLevel              = "info"

	DefaultMaxPPS                    = 1500
	DefaultSendQueueCapacity         = 64
	DefaultSendIntervalMS            = 5
	DefaultHeartbeatIntervalMS       = 1000
	DefaultHeartbeatTimeoutMS        = 1000
	DefaultMaxMissedPings            = 5
	DefaultPairingAnnounceIntervalMS = 500
	DefaultOTASendIntervalMS         = 2000
	DefaultOTATimeoutMS              = 10000
	DefaultTelemetryCapacity         = 256
	DefaultRegistrationIntervalMS    = 200
	DefaultReportIntervalMS          = 1000

	configFileName = "config.json"
	otaTokenFile   = "ota_token.pem"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// GatewayConfig contains persistent gateway settings.
type GatewayConfig struct {
	GatewayID             string `json:"gateway_id"`
	GatewayName           string `json:"gateway_name"`
	StorageBackend        string `json:"storage_backend"`
	RadioListenAddress    string `json:"radio_listen_address"`
	RadioBroadcastAddress string `json:"radio_broadcast_address"`
	LinkAddress           string `json:"link_address"`
	HostlinkListenAddress string `json:"hostlink_listen_address"`
	StatusListenAddress   string `json:"status_listen_address"`
	MDNSEnabled           *bool  `json:"mdns_enabled,omitempty"`
	LogLevel              string `json:"log_level"`
	OTATokenPath          string `json:"ota_token_path"`

	MaxPPS                    uint32 `json:"max_pps"`
	SendQueueCapacity         int    `json:"send_queue_capacity"`
	SendIntervalMS            int    `json:"send_interval_ms"`
	HeartbeatIntervalMS       int    `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS        int    `json:"heartbeat_timeout_ms"`
	MaxMissedPings            int    `json:"max_missed_pings"`
	PairingAnnounceIntervalMS int    `json:"pairing_announce_interval_ms"`
	OTASendIntervalMS         int    `json:"ota_send_interval_ms"`
	OTATimeoutMS              int    `json:"ota_timeout_ms"`
	TelemetryCapacity         int    `json:"telemetry_capacity"`
	RegistrationIntervalMS    int    `json:"registration_interval_ms"`
	ReportIntervalMS          int    `json:"report_interval_ms"`
}

// MDNS reports whether mDNS advertisement is enabled. Unset means enabled.
func (c *GatewayConfig) MDNS() bool {
	return c.MDNSEnabled == nil || *c.MDNSEnabled
}

// Link parses LinkAddress.
func (c *GatewayConfig) Link() (protocol.Addr, error) {
	return protocol.ParseAddr(c.LinkAddress)
}

// Millis converts a millisecond config field to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// SlogLevel maps LogLevel to a slog level; unknown values map to info.
func (c *GatewayConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate rejects values the gateway cannot run with.
func (c *GatewayConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, idErr := uuid.Parse(c.GatewayID)
	check(idErr == nil, "gateway_id %q is not a uuid", c.GatewayID)
	check(c.StorageBackend == storage.BackendSQLite || c.StorageBackend == storage.BackendBolt,
		"storage_backend %q must be %q or %q", c.StorageBackend, storage.BackendSQLite, storage.BackendBolt)
	if addr, err := c.Link(); err != nil {
		check(false, "link_address: %v", err)
	} else {
		check(!addr.IsBroadcast() && !addr.IsZero(), "link_address %s is reserved", addr)
	}
	for name, hostport := range map[string]string{
		"radio_listen_address":    c.RadioListenAddress,
		"radio_broadcast_address": c.RadioBroadcastAddress,
		"hostlink_listen_address": c.HostlinkListenAddress,
		"status_listen_address":   c.StatusListenAddress,
	} {
		_, _, err := net.SplitHostPort(hostport)
		check(err == nil, "%s %q: %v", name, hostport, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		check(false, "log_level %q must be debug, info, warn or error", c.LogLevel)
	}
	check(c.MaxPPS > 0, "max_pps must be > 0")
	check(c.SendQueueCapacity > 0, "send_queue_capacity must be > 0")
	check(c.SendIntervalMS >= 0, "send_interval_ms must be >= 0")
	check(c.HeartbeatIntervalMS > 0, "heartbeat_interval_ms must be > 0")
	check(c.HeartbeatTimeoutMS > 0, "heartbeat_timeout_ms must be > 0")
	check(c.MaxMissedPings > 0, "max_missed_pings must be > 0")
	check(c.PairingAnnounceIntervalMS > 0, "pairing_announce_interval_ms must be > 0")
	check(c.OTASendIntervalMS > 0, "ota_send_interval_ms must be > 0")
	check(c.OTATimeoutMS >= c.OTASendIntervalMS, "ota_timeout_ms must be >= ota_send_interval_ms")
	check(c.TelemetryCapacity > 0, "telemetry_capacity must be > 0")
	check(c.RegistrationIntervalMS > 0, "registration_interval_ms must be > 0")
	check(c.ReportIntervalMS > 0, "report_interval_ms must be > 0")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TRACKERGW_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*GatewayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg GatewayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *GatewayConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
// The returned config has been normalized and validated.
func LoadOrCreate() (*GatewayConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = &GatewayConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// DefaultLinkAddress derives a locally administered unicast link address from a gateway ID.
func DefaultLinkAddress(gatewayID string) protocol.Addr {
	id, err := uuid.Parse(gatewayID)
	if err != nil {
		id = uuid.New()
	}
	var addr protocol.Addr
	copy(addr[:], id[len(id)-protocol.AddrSize:])
	addr[0] = addr[0]&^0x01 | 0x02
	return addr
}

func normalizeDefaults(cfg *GatewayConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.GatewayID, uuid.NewString())
	gatewayName := "trackergw"
	if host, err := os.Hostname(); err == nil && host != "" {
		gatewayName = host
	}
	setString(&cfg.GatewayName, gatewayName)
	setString(&cfg.StorageBackend, storage.BackendSQLite)
	setString(&cfg.RadioListenAddress, DefaultRadioListenAddress)
	setString(&cfg.RadioBroadcastAddress, DefaultRadioBroadcastAddress)
	setString(&cfg.LinkAddress, DefaultLinkAddress(cfg.GatewayID).String())
	setString(&cfg.HostlinkListenAddress, DefaultHostlinkListenAddress)
	setString(&cfg.StatusListenAddress, DefaultStatusListenAddress)
	setString(&cfg.LogLevel, DefaultLogLevel)
	setString(&cfg.OTATokenPath, filepath.Join(dataDir, otaTokenFile))
	if cfg.MDNSEnabled == nil {
		enabled := true
		cfg.MDNSEnabled = &enabled
		updated = true
	}

	if cfg.MaxPPS == 0 {
		cfg.MaxPPS = DefaultMaxPPS
		updated = true
	}
	setInt(&cfg.SendQueueCapacity, DefaultSendQueueCapacity)
	setInt(&cfg.SendIntervalMS, DefaultSendIntervalMS)
	setInt(&cfg.HeartbeatIntervalMS, DefaultHeartbeatIntervalMS)
	setInt(&cfg.HeartbeatTimeoutMS, DefaultHeartbeatTimeoutMS)
	setInt(&cfg.MaxMissedPings, DefaultMaxMissedPings)
	setInt(&cfg.PairingAnnounceIntervalMS, DefaultPairingAnnounceIntervalMS)
	setInt(&cfg.OTASendIntervalMS, DefaultOTASendIntervalMS)
	setInt(&cfg.OTATimeoutMS, DefaultOTATimeoutMS)
	setInt(&cfg.TelemetryCapacity, DefaultTelemetryCapacity)
	setInt(&cfg.RegistrationIntervalMS, DefaultRegistrationIntervalMS)
	setInt(&cfg.ReportIntervalMS, DefaultReportIntervalMS)

	return updated
}
