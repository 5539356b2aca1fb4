package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/antigravityto/vrcomms/internal/platform/timeouts"
	"github.com/antigravityto/vrcomms/internal/services/chat/storage"
	"github.com/antigravityto/vrcomms/internal/services/chat/storage/sqlite"
)

const (
	defaultHistoryLimit      = 50
	defaultRetention         = 24 * time.Hour
	defaultRateLimitMessages = 30
	defaultRateLimitWindow   = 60 * time.Second
	defaultCleanupInterval   = 60 * time.Second
	defaultStaleThreshold    = 5 * time.Minute
	defaultSessionTTL        = 24 * time.Hour
)

// Config defines the inputs for the chat coordinator process.
type Config struct {
	HTTPAddr          string
	DBPath            string
	AllowedOrigin     string
	HistoryLimit      int
	Retention         time.Duration
	RateLimitMessages int
	RateLimitWindow   time.Duration
	CleanupInterval   time.Duration
	StaleThreshold    time.Duration
	SessionTTL        time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.RateLimitMessages <= 0 {
		c.RateLimitMessages = defaultRateLimitMessages
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = defaultRateLimitWindow
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaultStaleThreshold
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = timeouts.Shutdown
	}
}

// Server hosts the chat HTTP/WebSocket process.
//
// It owns the SQLite store, the room broadcast hub, and the periodic
// presence/session cleanup worker.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	cleanupStop     context.CancelFunc
	cleanupDone     chan struct{}
}

// wsDeps bundles what every frame handler needs.
type wsDeps struct {
	store             storage.Store
	hub               *roomHub
	historyLimit      int
	rateLimitMessages int
	rateLimitWindow   time.Duration
	sessionTTL        time.Duration
	connections       *atomic.Int64
}

// NewHandler builds the chat routes over an already-open store. Tests use
// it to serve the coordinator without a real listener or cleanup worker.
func NewHandler(store storage.Store, config Config) http.Handler {
	config.applyDefaults()
	deps := &wsDeps{
		store:             store,
		hub:               newRoomHub(),
		historyLimit:      config.HistoryLimit,
		rateLimitMessages: config.RateLimitMessages,
		rateLimitWindow:   config.RateLimitWindow,
		sessionTTL:        config.SessionTTL,
		connections:       &atomic.Int64{},
	}
	return newHandler(deps, config.AllowedOrigin)
}

func newHandler(deps *wsDeps, allowedOrigin string) http.Handler {
	mux := http.NewServeMux()

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, deps)
	})
	mux.HandleFunc("GET /ws", wsHandler.ServeHTTP)

	registerAPIRoutes(mux, deps)

	return withCORS(allowedOrigin, mux)
}

// withCORS reflects the configured origin on every response and short
// circuits preflight requests.
func withCORS(allowedOrigin string, next http.Handler) http.Handler {
	origin := strings.TrimSpace(allowedOrigin)
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewServer opens the store, seeds the room set, and wires the HTTP stack.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	config.applyDefaults()

	store, err := sqlite.Open(config.DBPath, sqlite.Options{
		HistoryCap: config.HistoryLimit,
		Retention:  config.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	if err := store.SeedRooms(ctx, storage.DefaultRooms()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed rooms: %w", err)
	}

	deps := &wsDeps{
		store:             store,
		hub:               newRoomHub(),
		historyLimit:      config.HistoryLimit,
		rateLimitMessages: config.RateLimitMessages,
		rateLimitWindow:   config.RateLimitWindow,
		sessionTTL:        config.SessionTTL,
		connections:       &atomic.Int64{},
	}

	cleanupCtx, cleanupStop := context.WithCancel(context.Background())
	cleanupDone := startCleanupWorker(cleanupCtx, store, config.CleanupInterval, config.StaleThreshold)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(deps, config.AllowedOrigin),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		cleanupStop:     cleanupStop,
		cleanupDone:     cleanupDone,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.cleanupStop != nil {
		s.cleanupStop()
	}
	if s.cleanupDone != nil {
		<-s.cleanupDone
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close chat store: %v", err)
		}
	}
}
