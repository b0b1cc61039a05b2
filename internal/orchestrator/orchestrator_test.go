package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/config"
	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/probe"
	"github.com/IItheshadowII/LatencyLens/internal/result"
)

type funcExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(req probe.Request) probe.Outcome
}

func (f *funcExecutor) Probe(ctx context.Context, req probe.Request) probe.Outcome {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(req)
}

func (f *funcExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReporter struct {
	mu      sync.Mutex
	results []result.TestResult
	err     error
}

func (f *fakeReporter) Submit(ctx context.Context, res result.TestResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return f.err
}

func (f *fakeReporter) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

type fakeIP struct {
	ip  string
	err error
}

func (f fakeIP) PublicIP(ctx context.Context) (string, error) {
	return f.ip, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func healthyExecutor() *funcExecutor {
	return &funcExecutor{fn: func(req probe.Request) probe.Outcome {
		switch {
		case req.Method == http.MethodPost:
			return probe.Outcome{Succeeded: true, Elapsed: time.Second}
		case strings.Contains(req.URL, "bytes=1&"):
			return probe.Outcome{Succeeded: true, Elapsed: 10 * time.Millisecond}
		default:
			return probe.Outcome{Succeeded: true, Elapsed: time.Second}
		}
	}}
}

func TestRunRejectsInvalidEndpointWithoutProbing(t *testing.T) {
	exec := healthyExecutor()
	reporter := &fakeReporter{}
	o := New(Options{Exec: exec, Logger: quietLogger(), Reporter: reporter})

	for _, raw := range []string{"", "ftp://cloud.example.com", "not a url", "https://"} {
		_, err := o.Run(context.Background(), raw, result.Client{})
		var verr *endpoint.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected validation error for %q, got %v", raw, err)
		}
		if o.State() != StateFailedValidation {
			t.Fatalf("expected FAILED_VALIDATION, got %s", o.State())
		}
	}
	o.Wait()
	if exec.Calls() != 0 {
		t.Fatalf("expected no probes, got %d", exec.Calls())
	}
	if reporter.Count() != 0 {
		t.Fatalf("expected no report, got %d", reporter.Count())
	}
}

func TestRunHealthyEndpoint(t *testing.T) {
	exec := healthyExecutor()
	reporter := &fakeReporter{}
	o := New(Options{
		Exec:     exec,
		Logger:   quietLogger(),
		Reporter: reporter,
		IP:       fakeIP{ip: "198.51.100.4"},
	})
	res, err := o.Run(context.Background(), "https://cloud.example.com", result.Client{UserAgent: "test", Screen: "80x24"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	o.Wait()

	if res.Classification != result.Good {
		t.Fatalf("expected GOOD, got %s", res.Classification)
	}
	if res.Cloud != "https://cloud.example.com" || res.IP != "198.51.100.4" || res.RunID == "" {
		t.Fatalf("unexpected result header %+v", res)
	}
	if res.Ping.Loss != 0 || len(res.Ping.Samples) != 30 || *res.Ping.Avg != 10 {
		t.Fatalf("unexpected ping stats %+v", res.Ping)
	}
	if res.Download.Mbps == nil || *res.Download.Mbps != 64 {
		t.Fatalf("expected 64 Mbps download, got %v", res.Download.Mbps)
	}
	if res.Upload.Mbps == nil || *res.Upload.Mbps != 24 {
		t.Fatalf("expected 24 Mbps upload, got %v", res.Upload.Mbps)
	}
	// reachability + 30 pings + download + upload
	if exec.Calls() != 33 {
		t.Fatalf("expected 33 probes, got %d", exec.Calls())
	}
	if reporter.Count() != 1 {
		t.Fatalf("expected one report, got %d", reporter.Count())
	}
	if o.State() != StateComplete || o.Progress() != 100 {
		t.Fatalf("expected COMPLETE at 100, got %s at %d", o.State(), o.Progress())
	}
}

func TestRunNullThroughputForcesPoor(t *testing.T) {
	exec := &funcExecutor{fn: func(req probe.Request) probe.Outcome {
		switch {
		case req.Method == http.MethodPost:
			return probe.Outcome{TimedOut: true, Elapsed: req.Timeout}
		case strings.Contains(req.URL, "bytes=1&"):
			return probe.Outcome{Succeeded: true, Elapsed: 10 * time.Millisecond}
		default:
			return probe.Outcome{Err: errors.New("connection reset by peer")}
		}
	}}
	var (
		mu    sync.Mutex
		lines []string
	)
	o := New(Options{
		Exec:   exec,
		Logger: quietLogger(),
		Observer: func(ev Event) {
			if ev.Kind == EventLog {
				mu.Lock()
				lines = append(lines, ev.Message)
				mu.Unlock()
			}
		},
	})
	res, err := o.Run(context.Background(), "https://cloud.example.com", result.Client{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	o.Wait()

	if o.State() != StateComplete {
		t.Fatalf("expected COMPLETE, got %s", o.State())
	}
	if res.Ping.Loss != 0 || len(res.Ping.Samples) != 30 || res.Ping.Avg == nil || *res.Ping.Avg != 10 {
		t.Fatalf("unexpected ping stats %+v", res.Ping)
	}
	if res.Download.Mbps != nil || res.Upload.Mbps != nil {
		t.Fatalf("expected null throughput, got download %+v upload %+v", res.Download, res.Upload)
	}
	if res.Classification != result.Poor {
		t.Fatalf("expected POOR, got %s", res.Classification)
	}

	mu.Lock()
	defer mu.Unlock()
	var downloadFailed, uploadFailed bool
	for _, line := range lines {
		downloadFailed = downloadFailed || strings.HasPrefix(line, "download stage failed")
		uploadFailed = uploadFailed || strings.HasPrefix(line, "upload stage failed")
	}
	if !downloadFailed || !uploadFailed {
		t.Fatalf("expected a failure line per stage, got %q", lines)
	}
}

func TestRunDegradedEndpointCompletesPoor(t *testing.T) {
	exec := &funcExecutor{fn: func(req probe.Request) probe.Outcome {
		return probe.Outcome{TimedOut: true, Elapsed: req.Timeout}
	}}
	reporter := &fakeReporter{}
	var (
		mu     sync.Mutex
		events []Event
	)
	o := New(Options{
		Config:   Config{PingTimeout: time.Millisecond, ThroughputTimeout: time.Millisecond},
		Exec:     exec,
		Logger:   quietLogger(),
		Reporter: reporter,
		IP:       fakeIP{err: errors.New("no route")},
		Observer: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	res, err := o.Run(context.Background(), "https://cloud.example.com", result.Client{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	o.Wait()

	if res.Classification != result.Poor {
		t.Fatalf("expected POOR, got %s", res.Classification)
	}
	if res.Ping.Loss != 1 || res.Ping.Avg != nil || res.Ping.Jitter != nil {
		t.Fatalf("unexpected ping stats %+v", res.Ping)
	}
	if res.Download.Mbps != nil || res.Download.Seconds != 0 || res.Download.Bytes != 8<<20 {
		t.Fatalf("unexpected download %+v", res.Download)
	}
	if res.Upload.Mbps != nil || res.Upload.Bytes != 3<<20 {
		t.Fatalf("unexpected upload %+v", res.Upload)
	}
	if res.IP != "" {
		t.Fatalf("expected empty ip after lookup failure, got %q", res.IP)
	}
	if reporter.Count() != 1 {
		t.Fatalf("expected degraded result to be reported")
	}

	mu.Lock()
	defer mu.Unlock()
	last := -1
	var states []State
	for _, ev := range events {
		if ev.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", ev.Progress, last)
		}
		last = ev.Progress
		if ev.Kind == EventState {
			states = append(states, ev.State)
		}
	}
	if last != 100 {
		t.Fatalf("expected final progress 100, got %d", last)
	}
	want := []State{
		StateValidating, StateProbingReachability, StateMeasuringLatency, StateMeasuringDownload,
		StateMeasuringUpload, StateClassifying, StateComplete,
	}
	if len(states) != len(want) {
		t.Fatalf("unexpected state sequence %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected state sequence %v", states)
		}
	}
}

func TestRunLatencyProgressMapping(t *testing.T) {
	exec := healthyExecutor()
	var progress []int
	o := New(Options{
		Config: Config{PingCount: 4},
		Exec:   exec,
		Logger: quietLogger(),
		Observer: func(ev Event) {
			if ev.Kind == EventProgress {
				progress = append(progress, ev.Progress)
			}
		},
	})
	if _, err := o.Run(context.Background(), "https://cloud.example.com", result.Client{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []int{10, 20, 30, 40, 45, 75, 100}
	if len(progress) != len(want) {
		t.Fatalf("unexpected progress %v", progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("unexpected progress %v", progress)
		}
	}
}

func TestRunWarnsAboutIgnoredPath(t *testing.T) {
	o := New(Options{Config: Config{SkipReachability: true}, Exec: healthyExecutor(), Logger: quietLogger()})
	res, err := o.Run(context.Background(), "https://cloud.example.com/speedtest?x=1", result.Client{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Cloud != "https://cloud.example.com" {
		t.Fatalf("expected origin, got %s", res.Cloud)
	}
	found := false
	for _, line := range o.Logs() {
		if strings.Contains(line.Message, "ignored") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a warning log line, got %v", o.Logs())
	}
}

func TestRunReportFailureDoesNotAffectResult(t *testing.T) {
	reporter := &fakeReporter{err: errors.New("server down")}
	o := New(Options{Exec: healthyExecutor(), Logger: quietLogger(), Reporter: reporter})
	res, err := o.Run(context.Background(), "https://cloud.example.com", result.Client{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	o.Wait()
	if res.Classification != result.Good || reporter.Count() != 1 {
		t.Fatalf("unexpected outcome %s / %d reports", res.Classification, reporter.Count())
	}
}

func TestRunCancelledIsNotReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reporter := &fakeReporter{}
	exec := &funcExecutor{fn: func(req probe.Request) probe.Outcome {
		return probe.Outcome{Err: context.Canceled}
	}}
	o := New(Options{Exec: exec, Logger: quietLogger(), Reporter: reporter})
	res, err := o.Run(ctx, "https://cloud.example.com", result.Client{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	o.Wait()
	if res.Classification != result.Poor {
		t.Fatalf("expected POOR, got %s", res.Classification)
	}
	if reporter.Count() != 0 {
		t.Fatalf("expected cancelled run not to be reported")
	}
}

func TestConfigFromMeasurement(t *testing.T) {
	m := config.Default().Measurement
	off := false
	m.ReachabilityCheck = &off
	m.RelayBase = "https://relay.example.com"
	cfg := ConfigFromMeasurement(m)
	if cfg.PingCount != 30 || cfg.PingTimeout != 2*time.Second || cfg.ThroughputTimeout != 15*time.Second {
		t.Fatalf("unexpected timing config %+v", cfg)
	}
	if cfg.DownloadBytes != 8<<20 || cfg.UploadBytes != 3<<20 {
		t.Fatalf("unexpected sizes %+v", cfg)
	}
	if !cfg.SkipReachability || cfg.Relay != "https://relay.example.com" {
		t.Fatalf("unexpected flags %+v", cfg)
	}
}
