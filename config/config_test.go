package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"trackergw/storage"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.GatewayID == "" {
		t.Fatalf("expected non-empty gateway ID")
	}
	if firstCfg.StorageBackend != storage.BackendSQLite {
		t.Fatalf("expected default backend %q, got %q", storage.BackendSQLite, firstCfg.StorageBackend)
	}
	if !firstCfg.MDNS() {
		t.Fatalf("expected mDNS enabled by default")
	}
	if firstCfg.OTATokenPath != filepath.Join(tempDir, "ota_token.pem") {
		t.Fatalf("unexpected ota token path %q", firstCfg.OTATokenPath)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.GatewayID != firstCfg.GatewayID {
		t.Fatalf("expected stable gateway ID, got %q then %q", firstCfg.GatewayID, secondCfg.GatewayID)
	}
	if secondCfg.LinkAddress != firstCfg.LinkAddress {
		t.Fatalf("expected stable link address, got %q then %q", firstCfg.LinkAddress, secondCfg.LinkAddress)
	}
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	partial := `{"gateway_id":"6f9b6c1e-8a51-4c0d-9d4f-1d2b3c4d5e6f","storage_backend":"bolt","max_pps":900,"mdns_enabled":false}`
	if err := os.WriteFile(filepath.Join(tempDir, "config.json"), []byte(partial), 0o600); err != nil {
		t.Fatalf("write partial config failed: %v", err)
	}

	cfg, path, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.StorageBackend != storage.BackendBolt || cfg.MaxPPS != 900 || cfg.MDNS() {
		t.Fatalf("expected explicit values to be retained: %+v", cfg)
	}
	if cfg.HeartbeatIntervalMS != DefaultHeartbeatIntervalMS || cfg.TelemetryCapacity != DefaultTelemetryCapacity {
		t.Fatalf("expected defaults for missing fields: %+v", cfg)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config failed: %v", err)
	}
	if !strings.Contains(string(raw), `"heartbeat_interval_ms": 1000`) {
		t.Fatalf("expected normalized config persisted, got %s", raw)
	}
}

func TestLoadOrCreateRejectsInvalidConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	bad := `{"storage_backend":"leveldb"}`
	if err := os.WriteFile(filepath.Join(tempDir, "config.json"), []byte(bad), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	if _, _, err := LoadOrCreate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *GatewayConfig {
		cfg := &GatewayConfig{}
		normalizeDefaults(cfg, t.TempDir())
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*GatewayConfig)
		ok     bool
	}{
		{"defaults", func(*GatewayConfig) {}, true},
		{"bad uuid", func(c *GatewayConfig) { c.GatewayID = "gateway-1" }, false},
		{"broadcast link", func(c *GatewayConfig) { c.LinkAddress = "ff:ff:ff:ff:ff:ff" }, false},
		{"malformed link", func(c *GatewayConfig) { c.LinkAddress = "02:00:00" }, false},
		{"bad listen", func(c *GatewayConfig) { c.RadioListenAddress = "4210" }, false},
		{"log level", func(c *GatewayConfig) { c.LogLevel = "verbose" }, false},
		{"zero missed pings", func(c *GatewayConfig) { c.MaxMissedPings = -1 }, false},
		{"ota timeout below interval", func(c *GatewayConfig) { c.OTATimeoutMS = 500 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestDefaultLinkAddressIsLocalUnicast(t *testing.T) {
	addr := DefaultLinkAddress("6f9b6c1e-8a51-4c0d-9d4f-1d2b3c4d5e6f")
	if addr[0]&0x01 != 0 || addr[0]&0x02 == 0 {
		t.Fatalf("expected locally administered unicast address, got %s", addr)
	}
	if addr != DefaultLinkAddress("6f9b6c1e-8a51-4c0d-9d4f-1d2b3c4d5e6f") {
		t.Fatalf("expected derivation to be stable")
	}
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	} {
		cfg := GatewayConfig{LogLevel: level}
		if got := cfg.SlogLevel(); got != want {
			t.Fatalf("level %q: expected %v, got %v", level, want, got)
		}
	}
}
