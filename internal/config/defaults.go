package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServer           = "data.tradingview.com"
	DefaultOrigin           = "https://www.tradingview.com"
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultInboundBuffer    = 10000
	DefaultDialMaxElapsed   = 30 * time.Second
	DefaultChartTimeframe   = "240"
	DefaultChartRange       = 100
	DefaultTimezone         = "Etc/UTC"
	DefaultMaxQueueSize     = 10000
	DefaultPollTimeout      = 100 * time.Millisecond
	DefaultDedupWindow      = 1000
	DefaultDedupTTL         = 5 * time.Minute
	DefaultMaxBatchSize     = 50
	DefaultMaxBatchWait     = 100 * time.Millisecond
	DefaultMaxConcurrent    = 5
	DefaultMetricsPort      = 9090
	DefaultMetricsPath      = "/metrics"
)

func (c *StreamerConfig) applyDefaults() {
	// Connection defaults
	if c.Connection.Server == "" {
		c.Connection.Server = DefaultServer
	}
	if c.Connection.Origin == "" {
		c.Connection.Origin = DefaultOrigin
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.InboundBuffer == 0 {
		c.Connection.InboundBuffer = DefaultInboundBuffer
	}
	if c.Connection.DialMaxElapsed == 0 {
		c.Connection.DialMaxElapsed = DefaultDialMaxElapsed
	}

	// Chart defaults
	if c.Charts.Timeframe == "" {
		c.Charts.Timeframe = DefaultChartTimeframe
	}
	if c.Charts.Range == 0 {
		c.Charts.Range = DefaultChartRange
	}
	if c.Charts.Timezone == "" {
		c.Charts.Timezone = DefaultTimezone
	}

	// Pipeline defaults
	if c.Pipeline.MaxQueueSize == 0 {
		c.Pipeline.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Pipeline.PollTimeout == 0 {
		c.Pipeline.PollTimeout = DefaultPollTimeout
	}
	if c.Pipeline.DedupWindow == 0 {
		c.Pipeline.DedupWindow = DefaultDedupWindow
	}
	if c.Pipeline.DedupTTL == 0 {
		c.Pipeline.DedupTTL = DefaultDedupTTL
	}
	if c.Pipeline.MaxBatchSize == 0 {
		c.Pipeline.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Pipeline.MaxBatchWait == 0 {
		c.Pipeline.MaxBatchWait = DefaultMaxBatchWait
	}
	if c.Pipeline.MaxConcurrent == 0 {
		c.Pipeline.MaxConcurrent = DefaultMaxConcurrent
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Deduplication reports whether deduplication is enabled (default true).
func (c *PipelineConfig) Deduplication() bool {
	return c.EnableDeduplication == nil || *c.EnableDeduplication
}

// Batching reports whether batching is enabled (default true).
func (c *PipelineConfig) Batching() bool {
	return c.EnableBatching == nil || *c.EnableBatching
}
