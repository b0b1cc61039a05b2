package app

import (
	"context"
	"net"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/api"
	"github.com/IItheshadowII/LatencyLens/internal/config"
	"github.com/IItheshadowII/LatencyLens/internal/events"
	"github.com/IItheshadowII/LatencyLens/internal/geoip"
	"github.com/IItheshadowII/LatencyLens/internal/metrics"
	"github.com/IItheshadowII/LatencyLens/internal/probe"
	"github.com/IItheshadowII/LatencyLens/internal/probeserver"
	"github.com/IItheshadowII/LatencyLens/internal/relay"
	"github.com/IItheshadowII/LatencyLens/internal/resolver"
	"github.com/IItheshadowII/LatencyLens/internal/store"
	"github.com/IItheshadowII/LatencyLens/internal/util"
	"github.com/IItheshadowII/LatencyLens/internal/version"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 2 * time.Second

// Runtime owns every long-lived component of the API server built from one
// configuration.
type Runtime struct {
	cfg       config.Config
	ctx       context.Context
	cancel    context.CancelFunc
	logger    util.Logger
	metrics   *metrics.Metrics
	store     store.Store
	geo       *geoip.Lookup
	publisher events.Publisher
	exec      *probe.HTTPExecutor
	api       *api.Server
}

func NewRuntime(cfg config.Config, logger util.Logger) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		cancel()
		return nil, err
	}
	geo, err := geoip.Open(cfg.GeoIP.CountryDB, cfg.GeoIP.ASNDB)
	if err != nil {
		_ = st.Close()
		cancel()
		return nil, err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.IsEnabled() {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		logger.Info("publishing results", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	m := metrics.NewMetrics()
	exec := probe.NewHTTPExecutor(probe.ExecutorOptions{
		Resolver:   resolver.New(cfg.DNS.Servers),
		UserAgent:  "latencylens-server/" + version.Version,
		CaptureTCP: true,
	})

	var rl *relay.Relay
	if cfg.Relay.Enabled {
		rl = relay.New(relay.Config{
			AllowedClouds: cfg.Relay.AllowedClouds,
			AllowAny:      cfg.Relay.AllowAny,
			Timeout:       cfg.Relay.Timeout.Duration(),
		}, logger, m)
	}
	var ps *probeserver.Server
	if cfg.ProbeServer.Enabled {
		ps = probeserver.New(probeserver.Config{
			MaxDownloadBytes: cfg.ProbeServer.MaxDownloadBytes,
			MaxUploadBytes:   cfg.ProbeServer.MaxUploadBytes,
		}, logger)
	}

	rt := &Runtime{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		metrics:   m,
		store:     st,
		geo:       geo,
		publisher: publisher,
		exec:      exec,
	}
	rt.api = api.NewServer(api.Options{
		Config:    cfg,
		Store:     st,
		Metrics:   m,
		GeoIP:     geo,
		Publisher: publisher,
		Exec:      exec,
		Relay:     rl,
		Probe:     ps,
		Logger:    logger,
	})
	return rt, nil
}

func (r *Runtime) Start() error {
	r.metrics.Start(r.ctx.Done())
	if err := r.api.Start(r.ctx); err != nil {
		r.Stop()
		return err
	}
	r.logger.Info("runtime started",
		"storage", r.cfg.Storage.Driver,
		"geoip", r.geo.Enabled(),
		"relay", r.cfg.Relay.Enabled,
		"probe_server", r.cfg.ProbeServer.Enabled)
	return nil
}

// Addr is the bound API address, nil until Start succeeds.
func (r *Runtime) Addr() net.Addr {
	return r.api.Addr()
}

func (r *Runtime) Stop() {
	r.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	_ = r.api.Shutdown(ctx)
	cancel()
	r.exec.CloseIdle()

	var g errgroup.Group
	g.Go(r.publisher.Close)
	g.Go(r.store.Close)
	g.Go(r.geo.Close)
	if err := g.Wait(); err != nil {
		r.logger.Error("runtime cleanup failed", "error", err)
	}
}
