package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/antigravityto/vrcomms/internal/platform/timeouts"
	"github.com/antigravityto/vrcomms/internal/services/signal/proximity"
)

const defaultOfferTimeout = timeouts.OfferAnswer

// DefaultSTUNServers is the fallback ICE server list handed to clients when
// none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config defines the inputs for the voice signaling process.
type Config struct {
	HTTPAddr          string
	AllowedOrigin     string
	ZoneCapacity      int
	CullDistance      float64
	OfferTimeout      time.Duration
	STUNServers       []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.ZoneCapacity <= 0 {
		c.ZoneCapacity = defaultZoneCapacity
	}
	if c.CullDistance <= 0 {
		c.CullDistance = proximity.DefaultCullDistance
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = defaultOfferTimeout
	}
	if len(c.STUNServers) == 0 {
		c.STUNServers = DefaultSTUNServers
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = timeouts.Shutdown
	}
}

// Server hosts the signaling HTTP/WebSocket process. All zone state lives
// in memory; nothing survives a restart, which is fine for ephemeral voice
// sessions.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

type iceServer struct {
	URLs string `json:"urls"`
}

// wsDeps bundles what every frame handler needs.
type wsDeps struct {
	zones        *zoneRegistry
	cullDistance float64
	offerTimeout time.Duration
	iceServers   []iceServer
	connections  *atomic.Int64
}

// NewHandler builds the signaling routes. Tests use it to serve the
// coordinator without a real listener.
func NewHandler(config Config) http.Handler {
	config.applyDefaults()

	servers := make([]iceServer, 0, len(config.STUNServers))
	for _, url := range config.STUNServers {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		servers = append(servers, iceServer{URLs: url})
	}

	deps := &wsDeps{
		zones:        newZoneRegistry(config.ZoneCapacity),
		cullDistance: config.CullDistance,
		offerTimeout: config.OfferTimeout,
		iceServers:   servers,
		connections:  &atomic.Int64{},
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

func withCORS(allowedOrigin string, next http.Handler) http.Handler {
	origin := strings.TrimSpace(allowedOrigin)
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      int64  `json:"uptime"`
	Connections int64  `json:"connections"`
}

type iceConfigResponse struct {
	ICEServers []iceServer `json:"iceServers"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// registerAPIRoutes mounts the introspection surface next to /ws.
func registerAPIRoutes(mux *http.ServeMux, deps *wsDeps) {
	startedAt := time.Now()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Uptime:      int64(time.Since(startedAt).Seconds()),
			Connections: deps.connections.Load(),
		})
	})

	mux.HandleFunc("GET /api/signal/ice-config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, iceConfigResponse{ICEServers: deps.iceServers})
	})

	mux.HandleFunc("GET /api/signal/zones", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.zones.snapshot())
	})

	mux.HandleFunc("GET /api/signal/peers/{zoneID}", func(w http.ResponseWriter, r *http.Request) {
		zoneID := r.PathValue("zoneID")
		zone, ok := deps.zones.lookup(zoneID)
		if !ok {
			writeAPIError(w, http.StatusNotFound, "ZONE_NOT_FOUND", "zone has no active peers")
			return
		}
		writeJSON(w, http.StatusOK, zone.snapshot())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("signal: encode response: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

// NewServer wires the HTTP stack for the signaling coordinator.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	config.applyDefaults()

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(config),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// Run creates and serves a signaling server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init signal server: %w", err)
	}

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve signal: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("signal server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("signal server listening on %s", s.httpAddr)
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
