package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 || cfg.ReconnectAttempts != 5 || cfg.ReconnectBackoff != 3*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SpeakerInterval != 100*time.Millisecond || cfg.RecordingMime != "audio/ogg" {
		t.Fatalf("unexpected media defaults: %+v", cfg)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("PODCAST_PORT", "9090")
	t.Setenv("PODCAST_RECONNECT_BACKOFF", "250ms")
	t.Setenv("PODCAST_ICE_SERVERS", "stun:stun.example.org:3478,turn:turn.example.org:3478")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.ReconnectBackoff != 250*time.Millisecond {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("ice servers: %v", cfg.ICEServers)
	}
}

func TestLoadRejectsBadICE(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("PODCAST_ICE_SERVERS", "http://not-a-stun-url")
	if _, err := Load(); !errors.Is(err, errInvalidICE) {
		t.Fatalf("expected invalid ice error, got %v", err)
	}
}
