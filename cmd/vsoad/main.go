// Command vsoad runs a standalone VSOA server: it binds the reliable
// listener, wires the packet pool/parallel sender/plistener pool/subscription
// index, serves Prometheus metrics, and shuts down gracefully on SIGINT/
// SIGTERM. Grounded on the teacher's main.go (flag parsing, automaxprocs,
// LoadConfig, signal-driven graceful Shutdown).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/acoinfo/vsoa-go/internal/config"
	"github.com/acoinfo/vsoa-go/internal/logging"
	"github.com/acoinfo/vsoa-go/internal/metrics"
	"github.com/acoinfo/vsoa-go/internal/vsoa/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides VSOA_LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: "info"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("runtime initialized")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Service: "vsoad",
		File:    cfg.LogFile,
	})
	cfg.LogConfig(logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	collector := metrics.NewCollector(m, cfg.MetricsInterval)
	collector.Start()
	defer collector.Stop()

	go serveMetrics(cfg.MetricsAddr, reg, logger)

	srv := server.New(server.Config{
		Passwd:           cfg.Passwd,
		Info:             mustMarshalInfo(),
		SenderWorkers:    cfg.SenderWorkers,
		SenderQueue:      cfg.SenderQueue,
		SendTimeout:      cfg.SendTimeout,
		PlistenerWorkers: cfg.PlistenerWorkers,
		PoolMaxSlab:      cfg.PoolMaxSlabMB * 1024 * 1024,
		MaxClients:       cfg.MaxClients,
		Logger:           logger,
		Metrics:          m,
	})

	if err := srv.ListenAndServe(cfg.Addr); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
	logger.Info().Str("addr", cfg.Addr).Msg("vsoad listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// serveMetrics runs the /metrics HTTP endpoint until the process exits.
func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func mustMarshalInfo() []byte {
	info, err := server.MarshalInfo(map[string]any{"v": 1})
	if err != nil {
		panic(err)
	}
	return info
}
