// Package config loads process configuration for the gateway and voter
// commands. Values come from built-in defaults, then an optional YAML file,
// then environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Gateway configures the vote gateway process.
type Gateway struct {
	Port     string `yaml:"port" env:"GATEWAY_PORT"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	JWTSecret string        `yaml:"jwt_secret" env:"LIVEVOTE_JWT_SECRET"`
	JWTIssuer string        `yaml:"jwt_issuer" env:"LIVEVOTE_JWT_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"LIVEVOTE_TOKEN_TTL"`

	Backend         string        `yaml:"backend" env:"VOTE_BACKEND"`
	NATSURL         string        `yaml:"nats_url" env:"NATS_URL"`
	VoteBucket      string        `yaml:"vote_bucket" env:"VOTE_BUCKET"`
	HeartbeatBucket string        `yaml:"heartbeat_bucket" env:"VOTE_HEARTBEAT_BUCKET"`
	HeartbeatTTL    time.Duration `yaml:"heartbeat_ttl" env:"VOTE_HEARTBEAT_TTL"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"VOTE_SWEEP_INTERVAL"`
	InstanceID      string        `yaml:"instance_id" env:"GATEWAY_INSTANCE_ID"`

	ReadTimeout     time.Duration `yaml:"read_timeout" env:"WS_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WS_WRITE_TIMEOUT"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL"`
	FrameRate       float64       `yaml:"frame_rate" env:"WS_FRAME_RATE"`
	FrameBurst      int           `yaml:"frame_burst" env:"WS_FRAME_BURST"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DefaultGateway returns the gateway defaults.
func DefaultGateway() Gateway {
	return Gateway{
		Port:            "8081",
		LogLevel:        "info",
		JWTIssuer:       "livevote",
		TokenTTL:        12 * time.Hour,
		Backend:         BackendMemory,
		NATSURL:         "nats://localhost:4222",
		VoteBucket:      "VOTES",
		HeartbeatBucket: "VOTE_GATEWAYS",
		HeartbeatTTL:    15 * time.Second,
		SweepInterval:   30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		FrameRate:       20,
		FrameBurst:      40,
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks values that have no usable default.
func (g Gateway) Validate() error {
	var errs []error
	if g.JWTSecret == "" {
		errs = append(errs, errors.New("LIVEVOTE_JWT_SECRET is required"))
	}
	switch g.Backend {
	case BackendMemory, BackendNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", g.Backend))
	}
	if g.PingInterval >= g.ReadTimeout {
		errs = append(errs, fmt.Errorf("ping interval %s must be shorter than read timeout %s", g.PingInterval, g.ReadTimeout))
	}
	return errors.Join(errs...)
}

// Voter configures the terminal participant.
type Voter struct {
	GatewayURL   string        `yaml:"gateway_url" env:"LIVEVOTE_GATEWAY_URL"`
	Room         string        `yaml:"room" env:"LIVEVOTE_ROOM"`
	Name         string        `yaml:"name" env:"LIVEVOTE_NAME"`
	LogLevel     string        `yaml:"log_level" env:"LOG_LEVEL"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"LIVEVOTE_WRITE_TIMEOUT"`
}

// DefaultVoter returns the voter defaults.
func DefaultVoter() Voter {
	return Voter{
		GatewayURL:   "http://localhost:8081",
		Room:         "votes",
		LogLevel:     "warn",
		WriteTimeout: 10 * time.Second,
	}
}

// LoadGateway builds the gateway configuration. path may be empty.
func LoadGateway(path string) (Gateway, error) {
	cfg := DefaultGateway()
	if err := load(path, &cfg); err != nil {
		return Gateway{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Gateway{}, fmt.Errorf("invalid gateway config: %w", err)
	}
	return cfg, nil
}

// LoadVoter builds the voter configuration. path may be empty.
func LoadVoter(path string) (Voter, error) {
	cfg := DefaultVoter()
	if err := load(path, &cfg); err != nil {
		return Voter{}, err
	}
	return cfg, nil
}

func load(path string, target any) error {
	if path != "" {
		if err := overlayYAML(path, target); err != nil {
			return err
		}
	}
	return ParseEnv(target)
}

func overlayYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ParseEnv loads configuration from environment variables. Fields whose
// variable is unset keep their current value.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// SetupLogging points the global logger at a console writer and applies
// level. Unknown levels fall back to info.
func SetupLogging(level string, out io.Writer) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})

	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
