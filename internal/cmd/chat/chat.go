// Package chat parses chat coordinator flags and composes its entrypoint.
package chat

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/antigravityto/vrcomms/internal/platform/cmd"
	server "github.com/antigravityto/vrcomms/internal/services/chat/app"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr          string        `env:"VRCOMMS_CHAT_HTTP_ADDR"      envDefault:":3001"`
	DBPath            string        `env:"VRCOMMS_CHAT_DB_PATH"        envDefault:"vr_chat.db"`
	AllowedOrigin     string        `env:"VRCOMMS_ALLOWED_ORIGIN"      envDefault:"*"`
	HistoryLimit      int           `env:"VRCOMMS_HISTORY_LIMIT"       envDefault:"50"`
	RetentionHours    int           `env:"VRCOMMS_RETENTION_HOURS"     envDefault:"24"`
	RateLimitMessages int           `env:"VRCOMMS_RATE_LIMIT_MESSAGES" envDefault:"30"`
	RateLimitWindow   time.Duration `env:"VRCOMMS_RATE_LIMIT_WINDOW"   envDefault:"60s"`
	CleanupInterval   time.Duration `env:"VRCOMMS_CLEANUP_INTERVAL"    envDefault:"60s"`
	StaleThreshold    time.Duration `env:"VRCOMMS_STALE_THRESHOLD"     envDefault:"5m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "chat SQLite database path")
	fs.StringVar(&cfg.AllowedOrigin, "allowed-origin", cfg.AllowedOrigin, "allowed cross-origin value")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "per-room message history cap")
	fs.IntVar(&cfg.RetentionHours, "retention-hours", cfg.RetentionHours, "message retention window in hours")
	fs.IntVar(&cfg.RateLimitMessages, "rate-limit-messages", cfg.RateLimitMessages, "messages allowed per rate-limit window")
	fs.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", cfg.RateLimitWindow, "rate-limit window duration")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "presence/session cleanup interval")
	fs.DurationVar(&cfg.StaleThreshold, "stale-threshold", cfg.StaleThreshold, "presence staleness threshold")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat coordinator and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			DBPath:            cfg.DBPath,
			AllowedOrigin:     cfg.AllowedOrigin,
			HistoryLimit:      cfg.HistoryLimit,
			Retention:         time.Duration(cfg.RetentionHours) * time.Hour,
			RateLimitMessages: cfg.RateLimitMessages,
			RateLimitWindow:   cfg.RateLimitWindow,
			CleanupInterval:   cfg.CleanupInterval,
			StaleThreshold:    cfg.StaleThreshold,
		}); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
