// Package api exposes the results API, websocket runs, metrics, the admin
// page and the optional probe and relay endpoints.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/config"
	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/events"
	"github.com/IItheshadowII/LatencyLens/internal/geoip"
	"github.com/IItheshadowII/LatencyLens/internal/metrics"
	"github.com/IItheshadowII/LatencyLens/internal/probe"
	"github.com/IItheshadowII/LatencyLens/internal/probeserver"
	"github.com/IItheshadowII/LatencyLens/internal/relay"
	"github.com/IItheshadowII/LatencyLens/internal/store"
	"github.com/IItheshadowII/LatencyLens/internal/util"
	"github.com/IItheshadowII/LatencyLens/web"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/net/netutil"
)

const (
	shutdownTimeout = 3 * time.Second
	publishTimeout  = 5 * time.Second
	readHeaderLimit = 10 * time.Second
)

// Options carries the collaborators of a Server. Store is required; the
// others fall back to no-op or disabled behavior when nil.
type Options struct {
	Config    config.Config
	Store     store.Store
	Metrics   *metrics.Metrics
	GeoIP     *geoip.Lookup
	Publisher events.Publisher
	// Exec sends the probes of server-side runs.
	Exec   probe.Executor
	Relay  *relay.Relay
	Probe  *probeserver.Server
	Logger util.Logger
}

type Server struct {
	cfg       config.Config
	store     store.Store
	metrics   *metrics.Metrics
	geo       *geoip.Lookup
	publisher events.Publisher
	exec      probe.Executor
	relay     *relay.Relay
	probe     *probeserver.Server
	logger    util.Logger
	limiter   *rateLimiter
	hub       *resultHub
	runSlots  chan struct{}
	runClouds map[string]struct{}
	baseCtx   context.Context

	server   *http.Server
	addr     net.Addr
	mu       sync.Mutex
	inflight sync.WaitGroup
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetrics()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	exec := opts.Exec
	if exec == nil {
		exec = probe.NewHTTPExecutor(probe.ExecutorOptions{UserAgent: userAgent})
	}
	srv := opts.Config.Server
	slots := srv.Runs.MaxConcurrent
	if slots <= 0 {
		slots = 1
	}
	runClouds := make(map[string]struct{}, len(srv.Runs.AllowedClouds))
	for _, raw := range srv.Runs.AllowedClouds {
		if ep, err := endpoint.Parse(raw); err == nil {
			runClouds[ep.String()] = struct{}{}
		}
	}
	return &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		metrics:   m,
		geo:       opts.GeoIP,
		publisher: publisher,
		exec:      exec,
		relay:     opts.Relay,
		probe:     opts.Probe,
		logger:    logger,
		limiter:   newRateLimiter(srv.RateLimit.Window.Duration(), srv.RateLimit.Max),
		hub:       newResultHub(),
		runSlots:  make(chan struct{}, slots),
		runClouds: runClouds,
		baseCtx:   context.Background(),
	}
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(s.rateLimit)
	apiRouter.HandleFunc("/ip", s.handleIP).Methods(http.MethodGet)
	apiRouter.HandleFunc("/results", s.handleSubmit).Methods(http.MethodPost)
	apiRouter.HandleFunc("/results", s.handleList).Methods(http.MethodGet)
	apiRouter.HandleFunc("/results/stream", s.handleResultStream).Methods(http.MethodGet)
	if s.cfg.Server.Runs.IsEnabled() {
		apiRouter.HandleFunc("/runs/ws", s.handleRun).Methods(http.MethodGet)
	}

	if s.cfg.Server.Metrics.IsEnabled() {
		r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	}
	if s.cfg.Server.Admin.IsEnabled() {
		r.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
		r.PathPrefix("/admin/").Handler(http.StripPrefix("/admin", web.AdminHandler(true)))
	}
	if s.relay != nil {
		r.Handle("/relay/connection-probe/{file}", s.relay).Methods(http.MethodGet, http.MethodPost)
	}
	if s.probe != nil {
		r.PathPrefix("/connection-probe/").Handler(s.probe.Handler())
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})

	return cors.New(cors.Options{
		AllowedOrigins: []string{s.cfg.Server.CORSOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset"},
	}).Handler(r)
}

// Start binds the listener and serves until ctx is cancelled. Bind errors are
// returned; serve errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := util.NetJoin(s.cfg.Server.BindAddr, s.cfg.Server.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if limit := s.cfg.Server.MaxConnections; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderLimit,
	}
	s.mu.Lock()
	s.server = server
	s.addr = ln.Addr()
	s.baseCtx = ctx
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
	s.logger.Info("api server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Shutdown stops accepting connections and waits for pending publishes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	s.inflight.Wait()
	return err
}
