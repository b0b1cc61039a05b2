// Package orchestrator drives one measurement run through its stages and
// assembles the result.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/classify"
	"github.com/IItheshadowII/LatencyLens/internal/config"
	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/measure"
	"github.com/IItheshadowII/LatencyLens/internal/probe"
	"github.com/IItheshadowII/LatencyLens/internal/result"
	"github.com/IItheshadowII/LatencyLens/internal/util"
	"github.com/google/uuid"
)

const (
	latencyProgressSpan = 40
	progressAfterPing   = 45
	progressAfterDown   = 75
	progressDone        = 100
)

// IPResolver looks up the public IP of the machine running the test.
type IPResolver interface {
	PublicIP(ctx context.Context) (string, error)
}

// Reporter submits a completed result.
type Reporter interface {
	Submit(ctx context.Context, res result.TestResult) error
}

type Config struct {
	PingCount         int
	PingTimeout       time.Duration
	ThroughputTimeout time.Duration
	DownloadBytes     int64
	UploadBytes       int64
	// SkipReachability disables the bytes=1 preflight probe.
	SkipReachability bool
	// Relay routes probes through a relay base URL when set.
	Relay string
}

func DefaultConfig() Config {
	return Config{
		PingCount:         measure.DefaultPingCount,
		PingTimeout:       measure.DefaultPingTimeout,
		ThroughputTimeout: measure.DefaultThroughputTimeout,
		DownloadBytes:     measure.DefaultDownloadBytes,
		UploadBytes:       measure.DefaultUploadBytes,
	}
}

// ConfigFromMeasurement maps the measurement section of a loaded config.
func ConfigFromMeasurement(m config.MeasurementConfig) Config {
	return Config{
		PingCount:         m.PingCount,
		PingTimeout:       m.PingTimeout.Duration(),
		ThroughputTimeout: m.ThroughputTimeout.Duration(),
		DownloadBytes:     m.DownloadBytes,
		UploadBytes:       m.UploadBytes,
		SkipReachability:  !m.ReachabilityEnabled(),
		Relay:             m.RelayBase,
	}
}

type Options struct {
	Config   Config
	Exec     probe.Executor
	Logger   util.Logger
	Observer Observer
	IP       IPResolver
	Reporter Reporter
	Now      func() time.Time
}

// Orchestrator runs one test at a time. Reports are submitted in the
// background; Wait blocks until they finish.
type Orchestrator struct {
	cfg      Config
	exec     probe.Executor
	logger   util.Logger
	observer Observer
	ip       IPResolver
	reporter Reporter
	now      func() time.Time

	mu       sync.Mutex
	state    State
	progress int
	logs     []LogLine
	lastTCP  *probe.TCPStats

	reports sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.PingCount <= 0 {
		cfg.PingCount = def.PingCount
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.ThroughputTimeout <= 0 {
		cfg.ThroughputTimeout = def.ThroughputTimeout
	}
	if cfg.DownloadBytes <= 0 {
		cfg.DownloadBytes = def.DownloadBytes
	}
	if cfg.UploadBytes <= 0 {
		cfg.UploadBytes = def.UploadBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		observer: opts.Observer,
		ip:       opts.IP,
		reporter: opts.Reporter,
		now:      now,
		state:    StateIdle,
	}
	o.exec = probe.Observed{Next: opts.Exec, Hook: o.recordOutcome}
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Progress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Logs returns a copy of the log lines of the current or last run.
func (o *Orchestrator) Logs() []LogLine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]LogLine(nil), o.logs...)
}

// Wait blocks until all background report submissions have finished.
func (o *Orchestrator) Wait() {
	o.reports.Wait()
}

// Run performs a full test against rawEndpoint. The only error returned is
// *endpoint.ValidationError, in which case no probe was sent. Every other
// failure degrades the affected stage and the run still completes.
func (o *Orchestrator) Run(ctx context.Context, rawEndpoint string, client result.Client) (result.TestResult, error) {
	o.reset()
	runID := uuid.NewString()
	o.setState(StateValidating)

	ep, warning, err := endpoint.Normalize(rawEndpoint)
	if err != nil {
		o.logf("invalid endpoint: %v", err)
		o.setState(StateFailedValidation)
		return result.TestResult{}, err
	}
	if warning != "" {
		o.logf("warning: %s", warning)
	}
	o.logf("starting test against %s (run %s)", ep, runID)
	urls := probe.URLs{Relay: o.cfg.Relay}
	if o.cfg.Relay != "" {
		o.logf("probing through relay %s", o.cfg.Relay)
	}

	if !o.cfg.SkipReachability {
		o.setState(StateProbingReachability)
		out := o.exec.Probe(ctx, probe.Request{
			URL:     urls.Download(ep, 1, 0),
			Method:  http.MethodGet,
			Timeout: o.cfg.PingTimeout,
		})
		if out.Succeeded {
			o.logf("endpoint reachable (%.1f ms)", out.ElapsedMs())
		} else {
			o.logf("warning: reachability probe %s: %v; continuing", out.Result(), out.Err)
		}
	}

	o.setState(StateMeasuringLatency)
	o.logf("measuring latency with %d probes", o.cfg.PingCount)
	sampler := &measure.Sampler{Exec: o.exec, URLs: urls, Count: o.cfg.PingCount, Timeout: o.cfg.PingTimeout}
	latency := runStage(o, "latency", result.FailedLatency(o.cfg.PingCount), func() (result.LatencyStats, error) {
		return sampler.Sample(ctx, ep, func(done, total int) {
			o.setProgress(int(math.Round(float64(done) / float64(total) * latencyProgressSpan)))
		})
	})
	o.logf("latency avg %s, median %s, p95 %s, jitter %s, loss %.1f%%",
		util.FormatMs(latency.Avg), util.FormatMs(latency.Median), util.FormatMs(latency.P95),
		util.FormatMs(latency.Jitter), latency.Loss*100)
	o.setProgress(progressAfterPing)

	prober := &measure.Prober{Exec: o.exec, URLs: urls, Timeout: o.cfg.ThroughputTimeout}

	o.setState(StateMeasuringDownload)
	o.logf("downloading %s", util.FormatBytes(float64(o.cfg.DownloadBytes)))
	download := runStage(o, "download", result.FailedThroughput(o.cfg.DownloadBytes), func() (result.ThroughputStats, error) {
		return prober.MeasureDownload(ctx, ep, o.cfg.DownloadBytes)
	})
	o.logThroughput("download", download)
	o.setProgress(progressAfterDown)

	o.setState(StateMeasuringUpload)
	o.logf("uploading %s", util.FormatBytes(float64(o.cfg.UploadBytes)))
	upload := runStage(o, "upload", result.FailedThroughput(o.cfg.UploadBytes), func() (result.ThroughputStats, error) {
		return prober.MeasureUpload(ctx, ep, o.cfg.UploadBytes)
	})
	o.logThroughput("upload", upload)
	o.setProgress(progressDone)

	o.setState(StateClassifying)
	classification := classify.Classify(latency, download, upload)
	o.logf("classification: %s", classification)

	if client.IP == "" && o.ip != nil && ctx.Err() == nil {
		ip, err := o.ip.PublicIP(ctx)
		if err != nil {
			o.logf("warning: public IP lookup failed: %v", err)
		} else {
			client.IP = ip
		}
	}

	res := result.TestResult{
		RunID:          runID,
		Cloud:          ep.String(),
		Timestamp:      o.now().UTC().Truncate(time.Millisecond),
		UserAgent:      client.UserAgent,
		Screen:         client.Screen,
		IP:             client.IP,
		Ping:           latency,
		Download:       download,
		Upload:         upload,
		Classification: classification,
	}
	o.setState(StateComplete)

	if ctx.Err() != nil {
		o.logf("run cancelled; result not reported")
		return res, nil
	}
	if o.reporter != nil {
		o.submit(context.WithoutCancel(ctx), res)
	}
	return res, nil
}

// runStage runs one measurement stage. A failure is logged and replaced by
// the stage's worst-case value so the run can continue.
func runStage[T any](o *Orchestrator, stage string, worst T, fn func() (T, error)) T {
	v, err := fn()
	if err != nil {
		o.logf("%s stage failed: %v; using worst-case values", stage, err)
		o.logger.Warn("stage failed", "stage", stage, "error", err)
		return worst
	}
	if tcp := o.takeTCP(); tcp != nil {
		o.logf("%s tcp: srtt %s, rttvar %s, retransmits %d/%d segments",
			stage, tcp.RTT, tcp.RTTVar, tcp.Retransmits, tcp.SegmentsSent)
	}
	return v
}

func (o *Orchestrator) submit(ctx context.Context, res result.TestResult) {
	o.reports.Add(1)
	go func() {
		defer o.reports.Done()
		if err := o.reporter.Submit(ctx, res); err != nil {
			o.logger.Warn("result report failed", "run", res.RunID, "cloud", res.Cloud, "error", err)
			return
		}
		o.logger.Debug("result reported", "run", res.RunID, "cloud", res.Cloud)
	}()
}

func (o *Orchestrator) logThroughput(direction string, stats result.ThroughputStats) {
	if stats.Mbps == nil {
		o.logf("%s: no measurement", direction)
		return
	}
	o.logf("%s: %s in %.2f s (%s)", direction, util.FormatBytes(float64(stats.Bytes)), stats.Seconds, util.FormatMbps(stats.Mbps))
}

func (o *Orchestrator) recordOutcome(_ probe.Request, out probe.Outcome) {
	if out.TCP == nil {
		return
	}
	o.mu.Lock()
	o.lastTCP = out.TCP
	o.mu.Unlock()
}

func (o *Orchestrator) takeTCP() *probe.TCPStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	tcp := o.lastTCP
	o.lastTCP = nil
	return tcp
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	o.state = StateIdle
	o.progress = 0
	o.logs = nil
	o.lastTCP = nil
	o.mu.Unlock()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	progress := o.progress
	o.mu.Unlock()
	o.logger.Debug("run state", "state", s)
	o.emit(Event{Time: o.now(), Kind: EventState, State: s, Progress: progress})
}

// setProgress only ever raises the progress value.
func (o *Orchestrator) setProgress(p int) {
	if p > progressDone {
		p = progressDone
	}
	o.mu.Lock()
	if p <= o.progress {
		o.mu.Unlock()
		return
	}
	o.progress = p
	state := o.state
	o.mu.Unlock()
	o.emit(Event{Time: o.now(), Kind: EventProgress, State: state, Progress: p})
}

func (o *Orchestrator) logf(format string, args ...any) {
	line := LogLine{Time: o.now(), Message: fmt.Sprintf(format, args...)}
	o.mu.Lock()
	o.logs = append(o.logs, line)
	state, progress := o.state, o.progress
	o.mu.Unlock()
	o.logger.Debug("run log", "message", line.Message)
	o.emit(Event{Time: line.Time, Kind: EventLog, State: state, Progress: progress, Message: line.Message})
}

func (o *Orchestrator) emit(ev Event) {
	if o.observer != nil {
		o.observer(ev)
	}
}
