package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
analyzer:
  window_size: 100
  theoretical_rtp: 0.97
  pump_threshold: 0.2
  min_spins: 40

verifier:
  workers: 8
  max_anomalies: 50

archive:
  format: stake_csv
  casino_id: stake
  columns:
    wager: Bet Amount

paytables:
  path: ./configs/paytables.yaml

regulation:
  snapshot_path: ./configs/regulation/nj-igaming.yaml
  state_code: NJ
  topic: igaming

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

storage:
  db_path: "./data/test.db"
  idle_timeout: 1h

logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Analyzer.WindowSize != 100 {
		t.Errorf("Unexpected window size: %d", cfg.Analyzer.WindowSize)
	}
	if cfg.Analyzer.TheoreticalRTP != 0.97 {
		t.Errorf("Unexpected theoretical RTP: %f", cfg.Analyzer.TheoreticalRTP)
	}
	// Unset keys fall back to defaults.
	if cfg.Analyzer.DumpThreshold != 0.15 {
		t.Errorf("Unexpected dump threshold default: %f", cfg.Analyzer.DumpThreshold)
	}
	if cfg.Analyzer.ClusterWindow != 20 || cfg.Analyzer.ClusterDensity != 0.7 || cfg.Analyzer.CompressionRatio != 0.3 {
		t.Errorf("Unexpected cluster defaults: %+v", cfg.Analyzer)
	}
	if cfg.Verifier.Workers != 8 || cfg.Verifier.PayoutTolerance != 1e-6 {
		t.Errorf("Unexpected verifier config: %+v", cfg.Verifier)
	}
	if cfg.Archive.Columns["wager"] != "Bet Amount" {
		t.Errorf("Unexpected column overrides: %v", cfg.Archive.Columns)
	}
	if cfg.Storage.IdleTimeout != time.Hour {
		t.Errorf("Unexpected idle timeout: %v", cfg.Storage.IdleTimeout)
	}
	if cfg.Storage.MaxSessions != 10000 {
		t.Errorf("Unexpected max sessions default: %d", cfg.Storage.MaxSessions)
	}
	if cfg.Telegram.RetryDelayBase != time.Second {
		t.Errorf("Unexpected retry delay default: %v", cfg.Telegram.RetryDelayBase)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	t.Setenv("FAIR_ORACLE_TELEGRAM_BOT_TOKEN", "from-env")
	t.Setenv("FAIR_ORACLE_ANALYZER_WINDOW_SIZE", "64")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.BotToken != "from-env" {
		t.Errorf("BotToken = %q, want from-env", cfg.Telegram.BotToken)
	}
	if cfg.Analyzer.WindowSize != 64 {
		t.Errorf("WindowSize = %d, want 64", cfg.Analyzer.WindowSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load(writeConfig(t, "{}\n"))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero window size", func(c *Config) { c.Analyzer.WindowSize = 0 }},
		{"min spins above window", func(c *Config) { c.Analyzer.MinSpins = c.Analyzer.WindowSize + 1 }},
		{"escalation factor not above one", func(c *Config) { c.Analyzer.EscalationFactor = 1 }},
		{"cluster window above window", func(c *Config) { c.Analyzer.ClusterWindow = c.Analyzer.WindowSize + 1 }},
		{"cluster density above one", func(c *Config) { c.Analyzer.ClusterDensity = 1.2 }},
		{"zero cluster multiplier", func(c *Config) { c.Analyzer.ClusterWinMultiplier = 0 }},
		{"zero compression window", func(c *Config) { c.Analyzer.CompressionWindow = 0 }},
		{"compression ratio of one", func(c *Config) { c.Analyzer.CompressionRatio = 1 }},
		{"no workers", func(c *Config) { c.Verifier.Workers = 0 }},
		{"critical below warn", func(c *Config) { c.Verifier.RTPDeviationCritical = 0.01 }},
		{"keno draws above pool", func(c *Config) { c.Verifier.KenoDraws = 41 }},
		{"plinko rows inverted", func(c *Config) { c.Verifier.PlinkoMaxRows = 4 }},
		{"unknown encoding", func(c *Config) { c.Archive.Encoding = "ebcdic" }},
		{"long delimiter", func(c *Config) { c.Archive.Delimiter = ";;" }},
		{"missing paytables", func(c *Config) { c.Paytables.Path = "" }},
		{"snapshot without state", func(c *Config) { c.Regulation.SnapshotPath = "nj.yaml" }},
		{"snapshot with unknown topic", func(c *Config) {
			c.Regulation.SnapshotPath = "nj.yaml"
			c.Regulation.StateCode = "NJ"
			c.Regulation.Topic = "lottery"
		}},
		{"api without retries", func(c *Config) {
			c.Regulation.APIURL = "https://regulation.example.com"
			c.Regulation.StateCode = "NJ"
			c.Regulation.MaxRetries = 0
		}},
		{"missing telegram token when enabled", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.ChatID = "1"
		}},
		{"unknown min severity", func(c *Config) { c.Telegram.MinSeverity = "loud" }},
		{"empty db path", func(c *Config) { c.Storage.DBPath = "" }},
		{"short idle timeout", func(c *Config) { c.Storage.IdleTimeout = time.Second }},
		{"zero checkpoint interval", func(c *Config) { c.Storage.CheckpointInterval = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}
