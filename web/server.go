// Package web exposes the HTTP surface: the producer ingress, the multipart
// viewer feed, the status endpoints and the operator controls.
package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
)

// Server owns the HTTP listener and routes requests into the handlers.
type Server struct {
	deps     Deps
	logger   *loglimit.Logger
	handlers *Handlers

	httpServer *http.Server
	listener   net.Listener
	errCh      chan error
}

// NewServer creates a new web server. Start binds the listener.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:     deps,
		logger:   deps.Logger,
		handlers: NewHandlers(deps),
		errCh:    make(chan error, 1),
	}
}

// Start binds the configured address and begins serving in the background.
// A bind failure is returned synchronously; later serve failures arrive on
// Err.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handlers.HandleHome)
	mux.HandleFunc(s.deps.Config.Ingest.Path, s.deps.Ingest.HandleWebSocket)
	mux.HandleFunc("/esp32_video_feed", s.deps.Streamer.HandleVideoFeed)
	mux.HandleFunc("/esp32_frame", s.handlers.HandleFrame)
	mux.HandleFunc("/performance_stats", s.handlers.HandlePerformanceStats)
	mux.HandleFunc("/health", s.handlers.HandleHealth)
	mux.HandleFunc("/system_info", s.handlers.HandleSystemInfo)
	mux.HandleFunc("/reset_stats", s.handlers.HandleResetStats)
	mux.HandleFunc("/frame_rate_control", s.handlers.HandleFrameRateControl)
	mux.HandleFunc("/image_enhancement", s.handlers.HandleImageEnhancement)
	mux.HandleFunc("/image_enhancement/mode", s.handlers.HandleEnhancementMode)
	mux.HandleFunc("/security_recording/", s.handlers.HandleRecording)

	if s.deps.Config.Metrics.Enabled {
		mux.Handle(s.deps.Config.Metrics.Path, promhttp.Handler())
	}

	addr := fmt.Sprintf("%s:%d", s.deps.Config.Server.BindIP, s.deps.Config.Server.WebPort)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.addMiddleware(mux),

		// ReadTimeout and WriteTimeout stay zero: a whole-request read
		// deadline would cancel the request context of every multipart
		// viewer once it expired, and the feed writes for as long as the
		// viewer stays connected. ReadHeaderTimeout covers slow clients.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	s.logger.Base().Info("Web server started",
		zap.String("address", ln.Addr().String()),
		zap.String("ingest_path", s.deps.Config.Ingest.Path))
	return nil
}

// Addr returns the bound listener address. Empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Err delivers a serve failure that happened after Start returned.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// addMiddleware adds CORS headers and per-path rate-limited request logging.
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		wrapped := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(wrapped, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
		}
		if wrapped.statusCode >= http.StatusBadRequest {
			s.logger.Warn("http-err-"+r.URL.Path, "HTTP request failed", fields...)
			return
		}
		s.logger.Info("http-"+r.URL.Path, "HTTP request", fields...)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture the status
// code. It forwards Flush and Hijack so the multipart feed and the
// WebSocket upgrade keep working behind the wrapper.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// Stop shuts the server down, giving in-flight requests a grace period and
// then cutting long-lived streams.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	timeout := time.Duration(s.deps.Config.Timeouts.HTTPShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Base().Info("Stopping web server", zap.Duration("grace", timeout))
	if err := s.httpServer.Shutdown(ctx); err != nil {
		// Viewers hold their connection open indefinitely, so the grace
		// period routinely expires with streams still up. Cut them.
		s.httpServer.Close()
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.logger.Base().Info("Web server stopped")
	return nil
}
