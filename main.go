// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // For pprof debug server
	"os"
	"os/signal"
	"syscall"
	"time"

	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stack_exporter/internal/collector"
	"stack_exporter/internal/config"
	"stack_exporter/internal/exporter"
	"stack_exporter/internal/interp"
	"stack_exporter/internal/logger"
	"stack_exporter/internal/tracing"
)

var (
	version = "0.1.0"
)

// StackExporter encapsulates the core components of the application.
type StackExporter struct {
	config     *config.AppConfig
	registry   *interp.Registry
	tracer     *tracing.Tracer
	collector  *collector.StackCollector
	pprofOut   *exporter.PprofWriter
	httpServer *http.Server
	log        plog.Logger
}

// NewStackExporter creates and initializes a new StackExporter instance.
// The registry must be the host runtime's registry, created on the main
// thread before any threading patching runs.
func NewStackExporter(cfg *config.AppConfig, registry *interp.Registry) (*StackExporter, error) {
	e := &StackExporter{
		config:   cfg,
		registry: registry,
	}
	e.log = plog.DefaultLogger // main app uses default logger

	e.log.Info().
		Str("version", version).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Msg("Starting Stack Exporter")

	if err := e.setupProfiler(); err != nil {
		return nil, err
	}
	e.setupHTTPServer()
	return e, nil
}

// setupProfiler wires the exporters and the stack collector.
func (e *StackExporter) setupProfiler() error {
	sinks := exporter.Multi{}

	threadMetrics := exporter.NewThreadMetrics()
	prometheus.MustRegister(threadMetrics)
	sinks = append(sinks, threadMetrics)
	e.log.Debug().Msg("- Thread metrics collector registered")

	if dir := e.config.Profiler.PprofDir; dir != "" {
		e.pprofOut = exporter.NewPprofWriter(dir)
		sinks = append(sinks, e.pprofOut)
		e.log.Debug().Str("dir", dir).Msg("- Pprof writer created")
	}

	if e.config.Tracing.Enabled {
		e.tracer = tracing.New()
		e.log.Debug().Msg("- Embedded tracer created")
	}

	perThread := e.config.Profiler.PerThreadCPU != "off"

	var tracer collector.Tracer
	if e.tracer != nil {
		tracer = e.tracer
	}
	c, err := collector.New(e.registry, collector.Config{
		MaxTimeUsagePct: e.config.Profiler.MaxTimeUsagePct,
		MaxNFrames:      e.config.Profiler.MaxNFrames,
		IgnoreProfiler:  e.config.Profiler.IgnoreProfiler,
		PerThreadCPU:    perThread,
	}, tracer, sinks)
	if err != nil {
		return fmt.Errorf("failed to create stack collector: %w", err)
	}
	e.collector = c

	features := c.Features()
	if e.config.Profiler.PerThreadCPU == "on" && !features["cpu-time"] {
		return fmt.Errorf("per_thread_cpu = \"on\" but per-thread CPU clocks are unavailable on this platform")
	}
	e.log.Info().
		Bool("cpu_time", features["cpu-time"]).
		Bool("stack_exceptions", features["stack-exceptions"]).
		Msg("Profiler features")

	// Register sampler self-telemetry
	statsCollector := collector.NewStatsCollector(c)
	prometheus.MustRegister(statsCollector)
	e.log.Debug().Msg("- Sampler statistics collector registered")

	return nil
}

// setupHTTPServer configures the HTTP server for metrics and pprof.
func (e *StackExporter) setupHTTPServer() {
	e.log.Debug().Str("metrics_path", e.config.Server.MetricsPath).Msg("Setting up HTTP handlers")
	mux := http.NewServeMux()
	mux.Handle(e.config.Server.MetricsPath, promhttp.Handler())
	if e.config.Server.PprofEnabled {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
            <head><title>Stack Exporter</title></head>
            <body>
            <h1>Stack Exporter v` + version + ` </h1>
            <p><a href="` + e.config.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	e.httpServer = &http.Server{
		Addr:    e.config.Server.ListenAddress,
		Handler: mux,
	}
}

// Start launches the sampler, the pprof flusher and the HTTP server.
func (e *StackExporter) Start() error {
	if err := e.collector.Start(); err != nil {
		return fmt.Errorf("failed to start stack collector: %w", err)
	}
	if e.pprofOut != nil {
		e.pprofOut.Start(e.config.Profiler.PprofIntervalOrDefault())
	}

	go func() {
		e.log.Info().Str("address", e.config.Server.ListenAddress).Msg("Starting HTTP server")
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Fatal().Err(err).Msg("❌ Failed to start HTTP server")
		}
	}()
	return nil
}

// Stop shuts everything down in dependency order: sampler first, then the
// sinks it feeds, then the HTTP server.
func (e *StackExporter) Stop() {
	e.collector.Stop()
	e.collector.Join()
	if e.pprofOut != nil {
		e.pprofOut.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
		e.log.Error().Err(err).Msg("❌ Error shutting down HTTP server")
	} else {
		e.log.Debug().Msg("HTTP server shut down cleanly")
	}
}

func main() {
	var (
		configPath    = flag.String("config", "", "Path to configuration file (optional).")
		listenAddress = flag.String("web.listen-address", "", "Address to listen on for web interface and telemetry.")
		genConfig     = flag.String("generate-config", "", "Write an example configuration file to the given path and exit.")
	)
	flag.Parse()

	if *genConfig != "" {
		if err := config.SaveConfig(*genConfig, config.DefaultConfig()); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write example config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// The registry must exist before anything else: it records the bootstrap
	// thread's identity while this is still provably the main thread.
	registry := interp.NewRegistry()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Override with command line flags if provided
	if *listenAddress != "" {
		cfg.Server.ListenAddress = *listenAddress
	}

	// Configure loggers based on configuration
	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		plog.Fatal().Err(err).Msg("❌ Invalid configuration")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	e, err := NewStackExporter(cfg, registry)
	if err != nil {
		plog.Fatal().Err(err).Msg("❌ Failed to initialize")
	}
	if err := e.Start(); err != nil {
		plog.Fatal().Err(err).Msg("❌ Failed to start")
	}

	plog.Info().Msg("Stack Exporter is ready and sampling...")

	// Wait for context cancellation
	<-ctx.Done()
	plog.Info().Msg("🛑 Received shutdown signal, shutting down gracefully...")

	e.Stop()
	plog.Info().Msg("Stack Exporter stopped gracefully")
}
