package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadGatewayLayers(t *testing.T) {
	path := writeFile(t, `
port: "9000"
backend: nats
heartbeat_ttl: 45s
jwt_secret: from-yaml-secret-value
allowed_origins: ["https://vote.example"]
`)
	t.Setenv("GATEWAY_PORT", "9100")
	t.Setenv("VOTE_SWEEP_INTERVAL", "1m")

	cfg, err := LoadGateway(path)
	if err != nil {
		t.Fatalf("LoadGateway() error = %v", err)
	}

	if cfg.Port != "9100" {
		t.Errorf("Port = %q, want env override 9100", cfg.Port)
	}
	if cfg.Backend != BackendNATS {
		t.Errorf("Backend = %q, want yaml value nats", cfg.Backend)
	}
	if cfg.HeartbeatTTL != 45*time.Second {
		t.Errorf("HeartbeatTTL = %s, want 45s", cfg.HeartbeatTTL)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %s, want 1m", cfg.SweepInterval)
	}
	if cfg.VoteBucket != "VOTES" {
		t.Errorf("VoteBucket = %q, want default VOTES", cfg.VoteBucket)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"https://vote.example"}) {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadGatewayValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing secret", env: map[string]string{}, want: "LIVEVOTE_JWT_SECRET is required"},
		{name: "unknown backend", env: map[string]string{"LIVEVOTE_JWT_SECRET": "x", "VOTE_BACKEND": "redis"}, want: `unknown backend "redis"`},
		{name: "ping slower than read", env: map[string]string{"LIVEVOTE_JWT_SECRET": "x", "WS_PING_INTERVAL": "2m"}, want: "ping interval"},
		{name: "bad duration", env: map[string]string{"LIVEVOTE_JWT_SECRET": "x", "LIVEVOTE_TOKEN_TTL": "soon"}, want: "parse env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LIVEVOTE_JWT_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadGateway("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadGateway() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadVoter(t *testing.T) {
	t.Setenv("LIVEVOTE_NAME", "Alice")
	t.Setenv("LIVEVOTE_ROOM", "red")

	cfg, err := LoadVoter("")
	if err != nil {
		t.Fatalf("LoadVoter() error = %v", err)
	}
	if cfg.Name != "Alice" || cfg.Room != "red" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.GatewayURL != "http://localhost:8081" {
		t.Fatalf("GatewayURL = %q, want default", cfg.GatewayURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadVoter(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	prev := log.Logger
	defer func() { log.Logger = prev }()

	var buf bytes.Buffer
	SetupLogging("DEBUG", &buf)
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("level = %s, want debug", zerolog.GlobalLevel())
	}

	SetupLogging("chatty", &buf)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("level = %s, want info fallback", zerolog.GlobalLevel())
	}
	if !strings.Contains(buf.String(), "unknown log level") {
		t.Fatalf("fallback not logged: %q", buf.String())
	}
}
