package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
instance:
  id: streamer-1
connection:
  server: data.tradingview.com
  token: secret-token
quotes:
  symbols:
    - BINANCE:BTCUSDT
    - NASDAQ:AAPL
charts:
  symbols:
    - BINANCE:ETHUSDT
  timeframe: "60"
  range: 200
pipeline:
  max_batch_size: 25
metrics:
  port: 9100
`

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.Instance.ID != "streamer-1" {
		t.Errorf("Instance.ID = %q, want streamer-1", cfg.Instance.ID)
	}
	if cfg.Connection.Token != "secret-token" {
		t.Errorf("Token = %q, want secret-token", cfg.Connection.Token)
	}
	if len(cfg.Quotes.Symbols) != 2 {
		t.Errorf("Quotes.Symbols = %d entries, want 2", len(cfg.Quotes.Symbols))
	}
	if cfg.Charts.Timeframe != "60" {
		t.Errorf("Charts.Timeframe = %q, want 60", cfg.Charts.Timeframe)
	}

	// Explicit value kept, unset fields defaulted.
	if cfg.Pipeline.MaxBatchSize != 25 {
		t.Errorf("MaxBatchSize = %d, want 25", cfg.Pipeline.MaxBatchSize)
	}
	if cfg.Pipeline.MaxQueueSize != DefaultMaxQueueSize {
		t.Errorf("MaxQueueSize = %d, want default %d", cfg.Pipeline.MaxQueueSize, DefaultMaxQueueSize)
	}
	if cfg.Connection.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want default %v", cfg.Connection.PingInterval, DefaultPingInterval)
	}
	if cfg.Metrics.Port != 9100 {
		t.Errorf("Metrics.Port = %d, want 9100", cfg.Metrics.Port)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("TV_TOKEN", "from-env")
	path := writeConfig(t, `
instance:
  id: streamer-1
connection:
  token: ${TV_TOKEN}
quotes:
  symbols: [BINANCE:BTCUSDT]
`)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Connection.Token != "from-env" {
		t.Errorf("Token = %q, want from-env", cfg.Connection.Token)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*StreamerConfig)
		want   string
	}{
		{"missing instance id", func(c *StreamerConfig) { c.Instance.ID = "" }, "instance.id"},
		{"no symbols", func(c *StreamerConfig) {
			c.Quotes.Symbols = nil
			c.Charts.Symbols = nil
		}, "at least one symbol"},
		{"bad symbol", func(c *StreamerConfig) { c.Quotes.Symbols = []string{"BTCUSDT"} }, "EXCHANGE:TICKER"},
		{"bad session type", func(c *StreamerConfig) { c.Quotes.SessionType = "premarket" }, "session_type"},
		{"bad metrics port", func(c *StreamerConfig) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"zero batch size", func(c *StreamerConfig) { c.Pipeline.MaxBatchSize = -1 }, "max_batch_size"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithDefaults(writeConfig(t, validConfig))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestPipelineToggles(t *testing.T) {
	var p PipelineConfig
	if !p.Deduplication() || !p.Batching() {
		t.Error("unset toggles should default to enabled")
	}

	off := false
	p.EnableDeduplication = &off
	p.EnableBatching = &off
	if p.Deduplication() || p.Batching() {
		t.Error("explicit false toggles should disable")
	}
}

func TestDurationsParse(t *testing.T) {
	path := writeConfig(t, `
instance:
  id: streamer-1
connection:
  handshake_timeout: 5s
quotes:
  symbols: [BINANCE:BTCUSDT]
pipeline:
  max_batch_wait: 250ms
`)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Connection.HandshakeTimeout != 5*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 5s", cfg.Connection.HandshakeTimeout)
	}
	if cfg.Pipeline.MaxBatchWait != 250*time.Millisecond {
		t.Errorf("MaxBatchWait = %v, want 250ms", cfg.Pipeline.MaxBatchWait)
	}
}
