package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Connection.Server == "" {
		return errors.New("connection.server is required")
	}
	if c.Connection.InboundBuffer < 1 {
		return errors.New("connection.inbound_buffer must be >= 1")
	}

	if len(c.Quotes.Symbols) == 0 && len(c.Charts.Symbols) == 0 {
		return errors.New("at least one symbol under quotes.symbols or charts.symbols is required")
	}
	for _, s := range c.Quotes.Symbols {
		if err := validateSymbol(s, "quotes.symbols"); err != nil {
			return err
		}
	}
	for _, s := range c.Charts.Symbols {
		if err := validateSymbol(s, "charts.symbols"); err != nil {
			return err
		}
	}
	if c.Quotes.SessionType != "" && c.Quotes.SessionType != "regular" && c.Quotes.SessionType != "extended" {
		return fmt.Errorf("quotes.session_type must be regular or extended, got %q", c.Quotes.SessionType)
	}

	if c.Charts.Range < 1 {
		return errors.New("charts.range must be >= 1")
	}

	if c.Pipeline.MaxQueueSize < 1 {
		return errors.New("pipeline.max_queue_size must be >= 1")
	}
	if c.Pipeline.MaxBatchSize < 1 {
		return errors.New("pipeline.max_batch_size must be >= 1")
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return errors.New("pipeline.max_concurrent must be >= 1")
	}
	if c.Pipeline.DedupWindow < 1 {
		return errors.New("pipeline.dedup_window must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

// validateSymbol requires the EXCHANGE:TICKER form.
func validateSymbol(s, field string) error {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%s: %q must be EXCHANGE:TICKER", field, s)
	}
	return nil
}
