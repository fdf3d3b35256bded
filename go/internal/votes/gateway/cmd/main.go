package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/livevote/go/internal/config"
	"github.com/mcdev12/livevote/go/internal/votes/gateway"
	"github.com/mcdev12/livevote/go/internal/votes/identity"
	"github.com/mcdev12/livevote/go/internal/votes/table"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "optional YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.LoadGateway(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	config.SetupLogging(cfg.LogLevel, os.Stderr)

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	log.Info().
		Str("backend", cfg.Backend).
		Str("instance_id", cfg.InstanceID).
		Str("port", cfg.Port).
		Msg("starting vote gateway")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	issuer, err := identity.NewIssuer(identity.IssuerConfig{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.TokenTTL,
		Clock:  clock,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create identity issuer")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := gateway.NewMetrics(registry)

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.ShutdownTimeout = cfg.ShutdownTimeout
	gatewayConfig.ConnectionConfig.ReadTimeout = cfg.ReadTimeout
	gatewayConfig.ConnectionConfig.WriteTimeout = cfg.WriteTimeout
	gatewayConfig.ConnectionConfig.PingInterval = cfg.PingInterval
	gatewayConfig.ConnectionConfig.FrameRate = cfg.FrameRate
	gatewayConfig.ConnectionConfig.FrameBurst = cfg.FrameBurst

	store, workers, err := setupTable(ctx, cfg, clock, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up vote table")
	}

	gatewayService := gateway.NewService(gatewayConfig, store, issuer, metrics)
	for name, run := range workers {
		gatewayService.AddWorker(name, run)
	}

	// Setup HTTP server
	mux := http.NewServeMux()
	gatewayService.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Add health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	// Start HTTP server
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down vote gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown HTTP server gracefully")
	}

	// Closes websockets, which runs their disconnect actions
	cancel()
	<-serviceDone

	log.Info().Msg("vote gateway stopped")
}

// setupTable builds the configured backend and the background workers it
// needs.
func setupTable(ctx context.Context, cfg config.Gateway, clock clockwork.Clock, metrics *gateway.Metrics) (table.Table, map[string]func(context.Context), error) {
	if cfg.Backend == config.BackendMemory {
		return table.NewMemoryTable(), nil, nil
	}

	kvConfig := table.DefaultKVConfig()
	kvConfig.URL = cfg.NATSURL
	kvConfig.Bucket = cfg.VoteBucket
	kvConfig.HeartbeatBucket = cfg.HeartbeatBucket
	kvConfig.HeartbeatTTL = cfg.HeartbeatTTL
	kvConfig.InstanceID = cfg.InstanceID

	kv, err := table.NewKVTable(ctx, kvConfig, clock)
	if err != nil {
		return nil, nil, err
	}

	sweeper := table.NewSweeper(kv, kv, clock, cfg.SweepInterval, func(n int) {
		metrics.SweptRecords.Add(float64(n))
	})

	return kv, map[string]func(context.Context){
		"heartbeat": kv.Heartbeat,
		"sweeper":   sweeper.Run,
	}, nil
}
