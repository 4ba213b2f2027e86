// Package server is the emulator's transport layer: one HTTP server
// carrying function routes, the WebSocket endpoint and the metrics
// endpoint, plus the file watcher that drives hot reload.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nuclio/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fauxgate/fauxgate/internal/config"
	"github.com/fauxgate/fauxgate/internal/gateway"
	"github.com/fauxgate/fauxgate/internal/metrics"
	"github.com/fauxgate/fauxgate/internal/router"
	"github.com/fauxgate/fauxgate/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

// Server hosts the gateway and its supporting loops.
type Server struct {
	cfg     *config.Config
	gw      *gateway.Gateway
	conns   *gateway.ConnManager
	watcher *watcher.Watcher
	metrics *metrics.Metrics
	promh   http.Handler
	log     zerolog.Logger

	httpServer *http.Server
}

// New assembles a server from the loaded configuration. Metric
// collectors register against reg; pass prometheus.DefaultRegisterer
// outside of tests.
func New(cfg *config.Config, reg prometheus.Registerer, log zerolog.Logger) (*Server, error) {
	table, err := router.Build(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "build route table")
	}

	m := metrics.New(reg)
	gw := gateway.New(cfg, table, m, log)

	s := &Server{
		cfg:     cfg,
		gw:      gw,
		conns:   gateway.NewConnManager(gw, m, log),
		metrics: m,
		promh:   metricsHandler(reg),
		log:     log.With().Str("component", "server").Logger(),
	}

	s.watcher = watcher.New(watcher.Config{
		Paths: []string{cfg.Dir()},
	})
	s.watcher.OnChange(func(change watcher.Change) {
		m.WatcherChanges.WithLabelValues(change.Op.String()).Inc()
		s.log.Debug().Str("path", change.Path).Stringer("op", change.Op).Msg("source changed")
		gw.InvalidateForPath(change.Path)
	})

	return s, nil
}

// Handler returns the complete HTTP handler, including the WebSocket
// and metrics endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))

	r.Get("/metrics", s.promh.ServeHTTP)
	r.Get("/ws", s.handleWebSocket)
	r.HandleFunc("/*", s.dispatch)

	return r
}

// metricsHandler serves the same registry the collectors registered
// against, so an injected registry is fully visible on /metrics.
func metricsHandler(reg prometheus.Registerer) http.Handler {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// dispatch routes preflight requests to the CORS responder and
// everything else to the gateway.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		s.handlePreflight(w, r)
		return
	}
	s.gw.HandleHTTP(w, r)
}

// Run starts the watcher, the connection sweep and the HTTP server,
// then blocks until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.watcher.Start(ctx)
	s.conns.Start()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.Handler(),
	}

	s.log.Info().Str("address", s.cfg.Address()).Str("service", s.cfg.Service).
		Str("stage", s.cfg.Provider.Stage).Msg("emulator listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err := <-errCh:
		s.Stop()
		return err
	}
}

// Stop shuts everything down, giving in-flight requests a grace
// period.
func (s *Server) Stop() {
	s.watcher.Stop()
	s.conns.Stop()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

// handlePreflight answers CORS preflight for paths whose bindings have
// CORS enabled. Other paths fall through to normal dispatch, which
// yields the route table's own verdict.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if !s.gw.Table().HasCORS(r.URL.Path) {
		s.gw.HandleHTTP(w, r)
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
	w.WriteHeader(http.StatusNoContent)
}

// requestLogger logs one line per completed request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
