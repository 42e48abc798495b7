// Package config loads and validates streamer configuration from YAML.
package config

import "time"

// StreamerConfig is the root configuration for a streamer instance.
type StreamerConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Connection ConnectionConfig `yaml:"connection"`
	Quotes     QuotesConfig     `yaml:"quotes"`
	Charts     ChartsConfig     `yaml:"charts"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ConnectionConfig holds WebSocket connection settings.
type ConnectionConfig struct {
	Server           string        `yaml:"server"`
	Origin           string        `yaml:"origin"`
	Token            string        `yaml:"token"` // Auth token; empty streams delayed data
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	InboundBuffer    int           `yaml:"inbound_buffer"`
	DialMaxElapsed   time.Duration `yaml:"dial_max_elapsed"`
}

// QuotesConfig holds quote session settings.
type QuotesConfig struct {
	Symbols     []string `yaml:"symbols"`
	SessionType string   `yaml:"session_type"`
}

// ChartsConfig holds chart session settings.
type ChartsConfig struct {
	Symbols   []string `yaml:"symbols"`
	Timeframe string   `yaml:"timeframe"`
	Range     int      `yaml:"range"`
	Timezone  string   `yaml:"timezone"`
}

// PipelineConfig holds message pipeline settings.
type PipelineConfig struct {
	EnableDeduplication *bool         `yaml:"enable_deduplication"` // nil = enabled
	EnableBatching      *bool         `yaml:"enable_batching"`      // nil = enabled
	MaxQueueSize        int           `yaml:"max_queue_size"`
	PollTimeout         time.Duration `yaml:"poll_timeout"`
	DedupWindow         int           `yaml:"dedup_window"`
	DedupTTL            time.Duration `yaml:"dedup_ttl"`
	MaxBatchSize        int           `yaml:"max_batch_size"`
	MaxBatchWait        time.Duration `yaml:"max_batch_wait"`
	MaxConcurrent       int64         `yaml:"max_concurrent"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
