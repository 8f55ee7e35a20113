package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "levelx-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LEVELX_USERNAME", "LEVELX_API_KEY", "LEVELX_BASE_URL", "LEVELX_ACCOUNT",
		"DATA_DIR", "SQLITE_PATH", "LOG_LEVEL", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
gateway:
  base_url: "https://gateway.example.com"
  username: "trader"
  api_key: "test-key"
  request_timeout: 5s
session:
  renew_before: 2h
trading:
  account_id: 1234
  contracts: ["CON.F.US.EP.Z25", "CON.F.US.ENQ.Z25"]
strategy:
  confirm_samples: 3
  retest_tolerance: 0.25
  retest_timeout: 20m
  symbols:
    CON.F.US.ENQ.Z25:
      retest_tolerance: 1.0
      min_break_volume: 50
risk:
  max_daily_loss: 750
  sizing: kelly
  stop_buffer:
    CON.F.US.EP.Z25: 0.5
calendar:
  holidays: ["2025-12-25"]
  half_days: ["2025-12-24"]
storage:
  data_dir: "/tmp/levelx/data"
  sqlite_path: "/tmp/levelx/levelx.db"
server:
  port: 8081
logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Gateway --
	if cfg.Gateway.BaseURL != "https://gateway.example.com" {
		t.Errorf("Gateway.BaseURL = %q", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.RequestTimeout != 5*time.Second {
		t.Errorf("Gateway.RequestTimeout = %v, want 5s", cfg.Gateway.RequestTimeout)
	}
	if cfg.Gateway.MaxRetries != 3 {
		t.Errorf("Gateway.MaxRetries default = %d, want 3", cfg.Gateway.MaxRetries)
	}

	// -- Session --
	if cfg.Session.RenewBefore != 2*time.Hour {
		t.Errorf("Session.RenewBefore = %v, want 2h", cfg.Session.RenewBefore)
	}
	if cfg.Session.TokenTTL != 24*time.Hour {
		t.Errorf("Session.TokenTTL default = %v, want 24h", cfg.Session.TokenTTL)
	}

	// -- Trading --
	if cfg.Trading.AccountID != 1234 || len(cfg.Trading.Contracts) != 2 {
		t.Errorf("Trading = %+v", cfg.Trading)
	}

	// -- Strategy --
	if cfg.Strategy.ConfirmSamples != 3 || cfg.Strategy.RetestTimeout != 20*time.Minute {
		t.Errorf("Strategy = %+v", cfg.Strategy)
	}
	nq := cfg.Strategy.StrategyFor("CON.F.US.ENQ.Z25")
	if nq.RetestTolerance != 1.0 || nq.MinBreakVolume != 50 || nq.ConfirmSamples != 3 {
		t.Errorf("StrategyFor(NQ) = %+v", nq)
	}
	es := cfg.Strategy.StrategyFor("CON.F.US.EP.Z25")
	if es.RetestTolerance != 0.25 {
		t.Errorf("StrategyFor(ES).RetestTolerance = %v, want 0.25", es.RetestTolerance)
	}

	// -- Risk --
	if cfg.Risk.MaxDailyLoss != 750 || cfg.Risk.Sizing != "kelly" {
		t.Errorf("Risk = %+v", cfg.Risk)
	}
	if cfg.Risk.StopBuffer["CON.F.US.EP.Z25"] != 0.5 {
		t.Errorf("Risk.StopBuffer = %v", cfg.Risk.StopBuffer)
	}
	if cfg.Risk.MaxConcentration != 1.0 || cfg.Risk.MaxRiskConcentration != 0.05 || cfg.Risk.MaxLeverage != 3.0 {
		t.Errorf("risk defaults not applied: %+v", cfg.Risk)
	}
	if cfg.Streams.ReadTimeout != 30*time.Second {
		t.Errorf("Streams.ReadTimeout = %v, want 30s", cfg.Streams.ReadTimeout)
	}
	if cfg.Strategy.BarInterval != time.Minute || cfg.Strategy.TrendEMA != 200 {
		t.Errorf("Strategy bar defaults = %v/%d", cfg.Strategy.BarInterval, cfg.Strategy.TrendEMA)
	}
	if cfg.Orders.MaxFailures != 3 || cfg.Ledger.MaxFailures != 3 {
		t.Errorf("failure thresholds = %d/%d", cfg.Orders.MaxFailures, cfg.Ledger.MaxFailures)
	}

	// -- Calendar --
	if len(cfg.Calendar.Holidays) != 1 || cfg.Calendar.Holidays[0] != "2025-12-25" {
		t.Errorf("Calendar.Holidays = %v", cfg.Calendar.Holidays)
	}
	if cfg.Calendar.Source != "static" {
		t.Errorf("Calendar.Source = %q, want static", cfg.Calendar.Source)
	}

	// -- Storage / Server / Logging --
	if cfg.Storage.DataDir != "/tmp/levelx/data" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Server.Port != 8081 || cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
gateway:
  username: "file-user"
`)

	t.Setenv("LEVELX_USERNAME", "env-user")
	t.Setenv("LEVELX_API_KEY", "env-key")
	t.Setenv("LEVELX_ACCOUNT", "987")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("APCA_API_KEY_ID", "apca-id")
	t.Setenv("APCA_API_SECRET_KEY", "apca-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Gateway.Username != "env-user" || cfg.Gateway.APIKey != "env-key" {
		t.Errorf("gateway credentials = %q/%q", cfg.Gateway.Username, cfg.Gateway.APIKey)
	}
	if cfg.Trading.AccountID != 987 {
		t.Errorf("Trading.AccountID = %d, want 987", cfg.Trading.AccountID)
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Calendar.Alpaca.APIKey != "apca-id" || cfg.Calendar.Alpaca.APISecret != "apca-secret" {
		t.Errorf("Calendar.Alpaca = %+v", cfg.Calendar.Alpaca)
	}
}

func TestEnvAccountInvalid(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "logging:\n  level: info\n")
	t.Setenv("LEVELX_ACCOUNT", "not-a-number")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-numeric LEVELX_ACCOUNT")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Risk.Sizing = "martingale"
	cfg.Strategy.ConfirmSamples = 0
	cfg.Streams.ReadTimeout = cfg.Streams.PingInterval
	cfg.Strategy.BarInterval = -time.Second
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"risk.sizing", "strategy.confirm_samples", "streams.read_timeout", "strategy.bar_interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/levelx.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
