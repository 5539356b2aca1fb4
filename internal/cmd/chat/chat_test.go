package chat

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":3001" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "vr_chat.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.HistoryLimit != 50 {
		t.Fatalf("expected default history limit, got %d", cfg.HistoryLimit)
	}
	if cfg.RateLimitMessages != 30 || cfg.RateLimitWindow != 60*time.Second {
		t.Fatalf("rate limit = %d/%v", cfg.RateLimitMessages, cfg.RateLimitWindow)
	}
	if cfg.StaleThreshold != 5*time.Minute {
		t.Fatalf("stale threshold = %v", cfg.StaleThreshold)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("VRCOMMS_CHAT_HTTP_ADDR", "env-addr")
	t.Setenv("VRCOMMS_HISTORY_LIMIT", "10")

	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-addr",
		"-rate-limit-window", "90s",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-addr" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.HistoryLimit != 10 {
		t.Fatalf("expected env history limit, got %d", cfg.HistoryLimit)
	}
	if cfg.RateLimitWindow != 90*time.Second {
		t.Fatalf("expected flag rate window, got %v", cfg.RateLimitWindow)
	}
}
