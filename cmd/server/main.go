package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/demo"
	"example.com/grpclite/internal/lite"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/metrics"
	"example.com/grpclite/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configFilePath string
	metricsListen  string
)

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON or TOML)")
	flag.StringVar(&metricsListen, "metrics-listen", "", "Optional host:port serving Prometheus metrics on /metrics")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}
	configFilePath = absConfigPath

	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", configFilePath, err)
	}
	if cfg.Server == nil {
		log.Fatalf("Configuration %s has no [server] section", configFilePath)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	code := run(cfg, appLogger)
	if err := appLogger.CloseLogFiles(); err != nil {
		// The custom logger may be unusable at this point.
		log.Printf("Error closing log files during shutdown: %v", err)
	}
	os.Exit(code)
}

func run(cfg *config.Config, appLogger *logger.Logger) int {
	services := lite.NewServiceRegistry()
	if err := demo.Register(services); err != nil {
		appLogger.Error("Failed to register services", logger.LogFields{"error": err.Error()})
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		ms := &http.Server{Addr: metricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Metrics endpoint stopped", logger.LogFields{"error": err.Error(), "address": metricsListen})
			}
		}()
		defer ms.Close()
		appLogger.Info("Serving metrics", logger.LogFields{"address": metricsListen})
	}

	srv, err := server.NewServer(cfg, services, appLogger, server.WithMetrics(m))
	if err != nil {
		appLogger.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		return 1
	}

	appLogger.Info("Starting server", logger.LogFields{"listen": cfg.Server.Listen, "services": services.Services()})
	// Start blocks until SIGINT or SIGTERM; SIGHUP reopens log files.
	if err := srv.Start(); err != nil {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return 1
	}
	appLogger.Info("Server has shut down gracefully", nil)
	return 0
}
