// Package server is the receiving end of a live upload: it re-parses the
// uploaded chunks, records them and re-broadcasts each stream to viewers.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webmproject/webmlive-sub001/internal/util"
	"github.com/webmproject/webmlive-sub001/internal/version"
)

// Config holds the relay settings.
type Config struct {
	Port int
	// DataDir receives one .webm file per uploaded segment. Empty disables
	// recording.
	DataDir string
	// MaxPendingBytes caps the unfinished data kept per stream between
	// uploads. Zero uses the default of four maximum-size chunks.
	MaxPendingBytes int
}

// Server is the relay HTTP server.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	registry   *prometheus.Registry
	metrics    *Metrics
	hub        *Hub
	version    string
	startTime  time.Time
}

// New creates the relay and registers its routes.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = util.GetLogger()
	}
	logger = logger.With("component", "relay")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := NewMetrics(reg)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		registry:  reg,
		metrics:   metrics,
		hub:       NewHub(cfg.DataDir, metrics, logger),
		version:   version.Version,
		startTime: time.Now(),
	}
	if cfg.MaxPendingBytes > 0 {
		s.hub.maxPending = cfg.MaxPendingBytes
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:     fmt.Sprintf(":%d", cfg.Port),
		Handler:  s.Handler(),
		ErrorLog: log.New(util.NewLogWriter(logger), "", 0),
		// Live viewers and uploads keep connections open indefinitely.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  0,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /upload/{stream}", s.handleUpload)
	s.mux.HandleFunc("GET /ws/upload/{stream}", s.handleWebSocketUpload)
	s.mux.HandleFunc("GET /live/{stream}", s.handleLive)
	s.mux.HandleFunc("GET /api/streams", s.handleStreams)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.logger, s.mux)
}

// Start listens on the configured port and blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("Relay listening", "port", s.cfg.Port, "data_dir", s.cfg.DataDir)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "relay server failed")
	}
	return nil
}

// Stop shuts the server down and finishes every stream.
func (s *Server) Stop() error {
	// Viewers block in their handlers until their channel closes.
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		if err := s.httpServer.Close(); err != nil {
			return errors.Wrap(err, "force close relay server")
		}
	}
	s.logger.Info("Relay stopped")
	return nil
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime).Round(time.Second)
}

// Hub returns the stream registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		logger.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
