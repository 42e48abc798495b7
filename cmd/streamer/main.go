package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buzzup-hub/tvstream/internal/chart"
	"github.com/buzzup-hub/tvstream/internal/config"
	"github.com/buzzup-hub/tvstream/internal/connection"
	"github.com/buzzup-hub/tvstream/internal/metrics"
	"github.com/buzzup-hub/tvstream/internal/pipeline"
	"github.com/buzzup-hub/tvstream/internal/quote"
	"github.com/buzzup-hub/tvstream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamer.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"server", cfg.Connection.Server,
		"quote_symbols", len(cfg.Quotes.Symbols),
		"chart_symbols", len(cfg.Charts.Symbols),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// Connect upstream
	clientCfg := connection.ClientConfig{
		Server:           cfg.Connection.Server,
		Origin:           cfg.Connection.Origin,
		Token:            cfg.Connection.Token,
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
		WriteTimeout:     cfg.Connection.WriteTimeout,
		PingInterval:     cfg.Connection.PingInterval,
		InboundBuffer:    cfg.Connection.InboundBuffer,
		DialMaxElapsed:   cfg.Connection.DialMaxElapsed,
	}
	client := connection.NewClient(clientCfg, m, logger)

	logger.Info("connecting", "server", cfg.Connection.Server)
	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.End()

	// Message pipeline
	optCfg := pipeline.OptimizerConfig{
		EnableDeduplication: cfg.Pipeline.Deduplication(),
		EnableBatching:      cfg.Pipeline.Batching(),
		MaxQueueSize:        cfg.Pipeline.MaxQueueSize,
		PollTimeout:         cfg.Pipeline.PollTimeout,
		Dedup: pipeline.DedupConfig{
			WindowSize: cfg.Pipeline.DedupWindow,
			TTL:        cfg.Pipeline.DedupTTL,
		},
		Batch: pipeline.BatchConfig{
			MaxBatchSize:  cfg.Pipeline.MaxBatchSize,
			MaxWait:       cfg.Pipeline.MaxBatchWait,
			MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		},
	}
	optimizer := pipeline.NewOptimizer(optCfg, m, logger)

	optimizer.RegisterHandler(pipeline.TypeKlineUpdate, func(msg *pipeline.ProcessedMessage) error {
		logger.Debug("kline update", "id", msg.ID, "symbol", msg.Symbol)
		return nil
	})
	optimizer.RegisterHandler(pipeline.TypeQuoteUpdate, func(msg *pipeline.ProcessedMessage) error {
		logger.Debug("quote update", "id", msg.ID, "symbol", msg.Symbol)
		return nil
	})
	optimizer.RegisterHandler(pipeline.TypeError, func(msg *pipeline.ProcessedMessage) error {
		logger.Warn("upstream error frame", "id", msg.ID, "params", msg.Raw.Data)
		return nil
	})

	optimizer.Start()
	defer optimizer.Stop()

	// Feed the pipeline from the connection's inbound tap
	go func() {
		for frame := range client.Inbound() {
			optimizer.AddMessage(pipeline.RawMessage{
				Type:       frame.Type,
				Data:       frame.Data,
				ReceivedAt: frame.ReceivedAt,
			})
		}
	}()

	// Quote session
	var quoteSession *quote.Session
	if len(cfg.Quotes.Symbols) > 0 {
		quoteSession, err = quote.NewSession(client, logger)
		if err != nil {
			logger.Error("failed to create quote session", "error", err)
			os.Exit(1)
		}
		defer quoteSession.Close()

		for _, symbol := range cfg.Quotes.Symbols {
			opts := []quote.MarketOption{
				quote.OnData(func(data map[string]any) {
					logger.Debug("quote", "symbol", symbol, "lp", data["lp"], "volume", data["volume"])
				}),
				quote.OnError(func(err error) {
					logger.Warn("quote error", "symbol", symbol, "error", err)
				}),
			}
			if cfg.Quotes.SessionType != "" {
				opts = append(opts, quote.WithSessionType(cfg.Quotes.SessionType))
			}
			if _, err := quoteSession.AddMarket(symbol, opts...); err != nil {
				logger.Error("failed to add market", "symbol", symbol, "error", err)
				os.Exit(1)
			}
		}
		logger.Info("quote session ready", "symbols", len(cfg.Quotes.Symbols))
	}

	// Chart sessions, one per symbol
	chartSessions := make([]*chart.Session, 0, len(cfg.Charts.Symbols))
	for _, symbol := range cfg.Charts.Symbols {
		cs, err := chart.NewSession(client, logger)
		if err != nil {
			logger.Error("failed to create chart session", "symbol", symbol, "error", err)
			os.Exit(1)
		}
		defer cs.Close()

		if err := cs.SetTimezone(cfg.Charts.Timezone); err != nil {
			logger.Error("failed to set timezone", "error", err)
			os.Exit(1)
		}
		cs.OnError(func(err error) {
			logger.Warn("chart error", "symbol", symbol, "error", err)
		})
		if err := cs.SetMarket(symbol, chart.MarketOptions{
			Timeframe: cfg.Charts.Timeframe,
			Range:     cfg.Charts.Range,
		}); err != nil {
			logger.Error("failed to set market", "symbol", symbol, "error", err)
			os.Exit(1)
		}
		chartSessions = append(chartSessions, cs)
	}
	if len(chartSessions) > 0 {
		logger.Info("chart sessions ready", "symbols", len(chartSessions))
	}

	// Health and metrics server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createHealthHandler(cfg, client, optimizer, registry),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("streamer running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("streamer stopped")
}

// createHealthHandler creates the HTTP handler for health and metrics.
func createHealthHandler(cfg *config.StreamerConfig, client connection.Client, optimizer *pipeline.Optimizer, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := optimizer.Stats()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if client.IsConnected() {
			health.Components["connection"] = "connected"
		} else {
			health.Status = "unhealthy"
			health.Components["connection"] = "disconnected"
		}

		health.Components["sessions"] = client.Registry().Len()
		health.Components["pipeline"] = map[string]any{
			"total":      stats.TotalMessages,
			"processed":  stats.ProcessedMessages,
			"duplicates": stats.DuplicateMessages,
			"errors":     stats.ErrorMessages,
			"queue":      stats.QueueDepth,
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return mux
}
