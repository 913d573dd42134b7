// Package server exposes the collaboration hub over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"collabtext/internal/access"
	"collabtext/internal/catalog"
	"collabtext/internal/collab"
	"collabtext/internal/logging"
	"collabtext/internal/metrics"
	"collabtext/internal/persist"
	"collabtext/internal/relay"
	"collabtext/internal/replica"
	"collabtext/internal/session"
)

// Config holds server configuration.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	// Debounce is the quiet period before a document snapshot is written.
	Debounce    time.Duration
	AuthTimeout time.Duration
	Hub         collab.Config
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:        ":8081",
		ReadTimeout: 30 * time.Second,
		Debounce:    500 * time.Millisecond,
		AuthTimeout: 5 * time.Second,
		Hub:         collab.DefaultConfig(),
	}
}

// Deps are the collaborators a server is built on.
type Deps struct {
	Store catalog.Store
	// Relay is optional; without it updates stay in this process.
	Relay relay.Relay
	// Registry is served on /metrics. A private registry is used when nil.
	Registry *prometheus.Registry
	// Metrics must be registered on Registry; built there when nil.
	Metrics *metrics.Metrics
	// Replicas is optional and defaults to the sequence replica.
	Replicas replica.Factory
}

// Server is the HTTP server.
type Server struct {
	config   *Config
	router   *mux.Router
	httpSrv  *http.Server
	hub      *collab.Hub
	registry *session.Registry
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// New assembles the protocol stack and starts the hub loop.
func New(cfg *Config, deps Deps) *Server {
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(reg)
	}

	factory := deps.Replicas
	if factory == nil {
		factory = replica.SequenceFactory
	}
	registry := session.NewRegistry(factory,
		session.WithOpenHook(func(*session.Document) { m.DocumentOpened() }),
		session.WithTeardownHook(func(*session.Document) { m.DocumentClosed() }),
	)

	opts := []collab.Option{collab.WithConfig(cfg.Hub), collab.WithMetrics(m)}
	if deps.Relay != nil {
		opts = append(opts, collab.WithRelay(deps.Relay))
	}
	hub := collab.NewHub(
		registry,
		access.NewGate(deps.Store, cfg.AuthTimeout),
		deps.Store,
		persist.NewBridge(deps.Store, cfg.Debounce, persist.WithMetrics(m)),
		opts...,
	)
	go hub.Run()

	s := &Server{
		config:   cfg,
		router:   mux.NewRouter(),
		hub:      hub,
		registry: registry,
		gatherer: reg,
		log:      logging.For("server"),
	}
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// logRequests logs each request once it completes. The response writer is
// passed through untouched so websocket upgrades can hijack it.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("duration", time.Since(start)).Msg("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"workspaces": st.Workspaces,
		"documents":  st.Documents,
		"clients":    st.Clients,
		"open":       s.registry.Open(),
	})
}

// Start listens on the configured address.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info().Str("addr", l.Addr().String()).Msg("listening")
	return s.httpSrv.Serve(l)
}

// Shutdown stops accepting connections, then disconnects clients and
// flushes every pending snapshot.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.hub.Shutdown(ctx); err != nil && !errors.Is(err, collab.ErrStopped) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Router returns the router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}
