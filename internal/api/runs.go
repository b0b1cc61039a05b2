package api

import (
	"context"
	"net/http"

	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/orchestrator"
	"github.com/IItheshadowII/LatencyLens/internal/probe"
	"github.com/IItheshadowII/LatencyLens/internal/result"
	"github.com/IItheshadowII/LatencyLens/internal/store"
	"github.com/IItheshadowII/LatencyLens/internal/version"
)

const (
	runBuffer       = 256
	maxUserAgentLen = 1024
	maxScreenLen    = 64
)

var userAgent = "latencylens-server/" + version.Version

// runMessage is one frame of /api/runs/ws. Type is log, progress, state,
// result or failed.
type runMessage struct {
	Type     string             `json:"type"`
	Time     int64              `json:"time,omitempty"`
	State    orchestrator.State `json:"state,omitempty"`
	Progress int                `json:"progress"`
	Message  string             `json:"message,omitempty"`
	Result   *store.Record      `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func eventMessage(ev orchestrator.Event) runMessage {
	return runMessage{
		Type:     string(ev.Kind),
		Time:     ev.Time.UnixMilli(),
		State:    ev.State,
		Progress: ev.Progress,
		Message:  ev.Message,
	}
}

// handleRun measures the cloud named in the query from this server and
// streams the run to the caller. The result is stored unless the caller
// disconnects first.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	select {
	case s.runSlots <- struct{}{}:
	default:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Too many concurrent runs"})
		return
	}
	defer func() { <-s.runSlots }()

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := newWSClient(conn, runBuffer)
	s.metrics.IncWSClients()
	defer s.metrics.DecWSClients()
	go client.readLoop()
	go client.writeLoop()

	ctx, cancel := context.WithCancel(s.runContext())
	defer cancel()
	go func() {
		select {
		case <-client.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger := s.logger.With("ws_client", client.id)
	query := r.URL.Query()
	cloud := query.Get("cloud")
	// Unparseable input is left to the orchestrator, which fails validation.
	if ep, err := endpoint.Parse(cloud); err == nil && !s.runAllowed(ep) {
		logger.Warn("run rejected", "cloud", ep.String())
		s.metrics.IncRejected("cloud_not_allowed")
		client.finish(runMessage{Type: "failed", State: orchestrator.StateFailedValidation, Error: "cloud not allowed"})
		return
	}

	s.metrics.IncRunsActive()
	defer s.metrics.DecRunsActive()

	cfg := orchestrator.ConfigFromMeasurement(s.cfg.Measurement)
	cfg.Relay = ""
	orch := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Exec:   probe.Observed{Next: s.exec, Hook: s.countProbe},
		Logger: logger,
		Observer: func(ev orchestrator.Event) {
			client.enqueue(eventMessage(ev))
		},
	})

	res, err := orch.Run(ctx, cloud, result.Client{
		UserAgent: truncate(r.UserAgent(), maxUserAgentLen),
		Screen:    truncate(query.Get("screen"), maxScreenLen),
		IP:        s.clientIP(r),
	})
	if err != nil {
		client.finish(runMessage{Type: "failed", State: orch.State(), Error: err.Error()})
		return
	}
	if ctx.Err() != nil {
		logger.Info("run abandoned", "cloud", res.Cloud)
		client.close()
		return
	}
	s.metrics.IncRun(res.Classification)
	rec, err := s.persist(ctx, res)
	if err != nil {
		client.finish(runMessage{Type: "failed", State: orch.State(), Progress: orch.Progress(), Error: "result not stored"})
		return
	}
	client.finish(runMessage{Type: "result", State: orch.State(), Progress: orch.Progress(), Result: &rec})
}

func (s *Server) runAllowed(ep endpoint.Endpoint) bool {
	if s.cfg.Server.Runs.AllowAny {
		return true
	}
	_, ok := s.runClouds[ep.String()]
	return ok
}

func (s *Server) countProbe(_ probe.Request, out probe.Outcome) {
	s.metrics.IncProbe(out.Result())
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
