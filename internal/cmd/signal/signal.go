// Package signal parses voice signaling flags and composes its entrypoint.
package signal

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/antigravityto/vrcomms/internal/platform/cmd"
	server "github.com/antigravityto/vrcomms/internal/services/signal/app"
)

// Config holds signaling command configuration.
type Config struct {
	HTTPAddr      string        `env:"VRCOMMS_SIGNAL_HTTP_ADDR" envDefault:":3002"`
	AllowedOrigin string        `env:"VRCOMMS_ALLOWED_ORIGIN"   envDefault:"*"`
	ZoneCapacity  int           `env:"VRCOMMS_ZONE_CAPACITY"    envDefault:"8"`
	CullDistance  float64       `env:"VRCOMMS_CULL_DISTANCE"    envDefault:"10"`
	OfferTimeout  time.Duration `env:"VRCOMMS_OFFER_TIMEOUT"    envDefault:"10s"`
	STUNServers   []string      `env:"VRCOMMS_STUN_SERVERS"     envSeparator:","`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	stunServers := strings.Join(cfg.STUNServers, ",")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "signaling HTTP listen address")
	fs.StringVar(&cfg.AllowedOrigin, "allowed-origin", cfg.AllowedOrigin, "allowed cross-origin value")
	fs.IntVar(&cfg.ZoneCapacity, "zone-capacity", cfg.ZoneCapacity, "maximum peers per voice zone")
	fs.Float64Var(&cfg.CullDistance, "cull-distance", cfg.CullDistance, "audio cull distance in world units")
	fs.DurationVar(&cfg.OfferTimeout, "offer-timeout", cfg.OfferTimeout, "offer/answer warning timeout")
	fs.StringVar(&stunServers, "stun-servers", stunServers, "comma-separated STUN server URLs")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}

	cfg.STUNServers = nil
	for _, url := range strings.Split(stunServers, ",") {
		url = strings.TrimSpace(url)
		if url != "" {
			cfg.STUNServers = append(cfg.STUNServers, url)
		}
	}
	return cfg, nil
}

// Run builds the signaling coordinator and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSignal, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:      cfg.HTTPAddr,
			AllowedOrigin: cfg.AllowedOrigin,
			ZoneCapacity:  cfg.ZoneCapacity,
			CullDistance:  cfg.CullDistance,
			OfferTimeout:  cfg.OfferTimeout,
			STUNServers:   cfg.STUNServers,
		}); err != nil {
			return fmt.Errorf("serve signal: %w", err)
		}
		return nil
	})
}
