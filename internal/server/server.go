// Package server exposes the relay over HTTP: a WebSocket video endpoint
// per device plus REST endpoints for input, state, resolution and still
// frames.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/zsiec/devrelay/internal/adb"
	"github.com/zsiec/devrelay/internal/device"
	"github.com/zsiec/devrelay/internal/input"
	"github.com/zsiec/devrelay/internal/stream"
)

// DeviceLister enumerates attached devices. *adb.Client implements it.
type DeviceLister interface {
	Devices(ctx context.Context) ([]adb.DeviceInfo, error)
}

// Config configures the Server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	WebDir         string
	// TLS, when set, switches the listener to HTTPS.
	TLS *tls.Config
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Streams  *stream.Manager
	Injector *input.Injector
	Control  device.Control
	Capture  device.Capture
	Devices  DeviceLister
}

// Server is the HTTP surface of the relay.
type Server struct {
	cfg      Config
	log      *slog.Logger
	deps     Deps
	upgrader websocket.Upgrader
}

// New creates a Server.
func New(cfg Config, deps Deps) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:  cfg,
		log:  slog.With("component", "server"),
		deps: deps,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin accepts same-origin requests, requests without an Origin
// header, and the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)
	api.HandleFunc("/video/stream", s.handleVideoStream).Methods(http.MethodGet)
	api.HandleFunc("/video/reset", s.handleVideoReset).Methods(http.MethodPost)
	api.HandleFunc("/streams", s.handleListStreams).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/system", s.handleSystem).Methods(http.MethodGet)

	dev := api.PathPrefix("/devices/{id}").Subrouter()
	dev.HandleFunc("/pointer", s.handlePointer).Methods(http.MethodPost)
	dev.HandleFunc("/tap", s.handleTap).Methods(http.MethodPost)
	dev.HandleFunc("/swipe", s.handleSwipe).Methods(http.MethodPost)
	dev.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	dev.HandleFunc("/resolution", s.handleResolution).Methods(http.MethodGet)
	dev.HandleFunc("/screenshot", s.handleScreenshot).Methods(http.MethodGet)
	api.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(handlePreflight)

	if s.cfg.WebDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.cfg.WebDir)))
	}
	return r
}

// Start serves on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.cfg.TLS,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS != nil {
			s.log.Info("HTTPS server listening", "addr", s.cfg.Addr)
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		s.log.Info("HTTP server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
