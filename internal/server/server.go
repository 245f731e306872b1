package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/FocuswithJustin/modhost/internal/logging"
	"github.com/FocuswithJustin/modhost/internal/modconfig"
)

// HealthPath reports liveness.
const HealthPath = "/__modhost__/health"

// TLSConfig holds TLS/HTTPS configuration.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// Config configures the HTTP front end.
type Config struct {
	Port    int
	Workers int
	TLS     TLSConfig
	// ModuleID is the module being served; its configuration is the only
	// one the stream endpoint exposes.
	ModuleID string
	// TrustForwardedProto is set when a TLS-terminating proxy sits in front.
	TrustForwardedProto bool
	AllowedOrigins      []string
	ShutdownTimeout     time.Duration
}

// Server serves one dispatcher plus the host endpoints.
type Server struct {
	cfg     Config
	adapter *Adapter
	stream  *ConfigStream
}

// New creates a server. Call Close when done if Run is not used.
func New(cfg Config, d Dispatcher, store *modconfig.Store) *Server {
	adapter := NewAdapter(d, cfg.Workers)
	adapter.TrustForwardedProto = cfg.TrustForwardedProto
	return &Server{
		cfg:     cfg,
		adapter: adapter,
		stream:  NewConfigStream(store, cfg.ModuleID, cfg.AllowedOrigins...),
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(StreamPath, APIHeaders(s.stream))
	mux.Handle(HealthPath, APIHeaders(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/", s.adapter)

	return logging.CombinedMiddleware(SecurityHeaders(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"workers": s.adapter.pool.Workers(),
	})
}

// httpServer builds the listener configuration. net/http's own error
// messages go through the structured logger.
func (s *Server) httpServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logging.GetLogger().Handler(), slog.LevelWarn),
	}
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	srv := s.httpServer()

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS.Enabled {
			logging.ServerStartup("modhost", "https", s.cfg.Port)
			errCh <- srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			return
		}
		logging.ServerStartup("modhost", "http", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logging.Info("server shutting down", "port", s.cfg.Port)
	return srv.Shutdown(shutdownCtx)
}

// Close releases the dispatch workers.
func (s *Server) Close() {
	s.adapter.Close()
}
