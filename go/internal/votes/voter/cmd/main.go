package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/config"
	"github.com/mcdev12/livevote/go/internal/votes/identity"
	"github.com/mcdev12/livevote/go/internal/votes/session"
	"github.com/mcdev12/livevote/go/internal/votes/storeclient"
	"github.com/mcdev12/livevote/go/internal/votes/voter"
)

func main() {
	configPath := flag.String("config", os.Getenv("VOTER_CONFIG"), "optional YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.LoadVoter(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	config.SetupLogging(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	terminal := voter.NewTerminal(os.Stdout)
	logger := log.Logger
	controller := session.NewController(
		identity.NewClient(cfg.GatewayURL, nil),
		voter.Connector(cfg.GatewayURL, cfg.Room, storeclient.DefaultConfig()),
		terminal,
		session.Config{WriteTimeout: cfg.WriteTimeout, Logger: &logger},
	)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := controller.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("session controller stopped")
		}
	}()

	if cfg.Name != "" {
		if err := controller.StartSession(cfg.Name); err != nil {
			log.Error().Err(err).Msg("failed to start session")
		}
	}

	if err := terminal.ReadCommands(ctx, os.Stdin, controller); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("command loop failed")
	}

	// Sign out cleanly when possible; the gateway removes the record anyway
	// once the connection drops.
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := controller.Close(closeCtx); err != nil {
		log.Debug().Err(err).Msg("clean sign-out failed")
	}

	stop()
	<-runDone
}
