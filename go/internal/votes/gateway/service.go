package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/votes/identity"
	"github.com/mcdev12/livevote/go/internal/votes/table"
)

// Service is the vote gateway: anonymous sign-in, websocket rooms and the
// disconnect cleanup behind them
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	identityHandler   *identity.Handler
	store             table.Table
	config            Config

	workers []worker
	wg      sync.WaitGroup
}

type worker struct {
	name string
	run  func(ctx context.Context)
}

// Config holds configuration for the vote gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	ShutdownTimeout  time.Duration
}

// DefaultConfig returns default configuration for the vote gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		ShutdownTimeout:  10 * time.Second,
	}
}

// NewService creates a new vote gateway service. The service owns store and
// closes it on Stop.
func NewService(config Config, store table.Table, issuer *identity.Issuer, metrics *Metrics) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig, store, metrics)

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, issuer),
		stateHandler:      NewStateHandler(store),
		identityHandler:   identity.NewHandler(issuer),
		store:             store,
		config:            config,
	}
}

// AddWorker registers a background task started with the service, such as
// the KV heartbeat or the stale record sweeper.
func (s *Service) AddWorker(name string, run func(ctx context.Context)) {
	s.workers = append(s.workers, worker{name: name, run: run})
}

// Start begins the gateway service and blocks until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Int("workers", len(s.workers)).Msg("starting vote gateway service")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectionManager.Start(ctx)
	}()

	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w worker) {
			defer s.wg.Done()
			log.Debug().Str("worker", w.name).Msg("gateway worker started")
			w.run(ctx)
		}(w)
	}

	<-ctx.Done()

	log.Info().Msg("vote gateway service shutting down")
	err := s.Stop()
	s.wg.Wait()
	return err
}

// Stop closes every connection, waits for their disconnect actions and
// closes the table
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.connectionManager.CloseAll(ctx); err != nil {
		log.Error().Err(err).Msg("disconnect actions did not finish before shutdown")
	}
	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close vote table")
	}

	log.Info().Msg("vote gateway service stopped")
	return nil
}

// RegisterRoutes registers the gateway HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.identityHandler.RegisterRoutes(mux)
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("vote gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}
