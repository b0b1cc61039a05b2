package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/IItheshadowII/LatencyLens/internal/api"
	"github.com/IItheshadowII/LatencyLens/internal/config"
	"github.com/IItheshadowII/LatencyLens/internal/orchestrator"
	"github.com/IItheshadowII/LatencyLens/internal/probeserver"
	"github.com/IItheshadowII/LatencyLens/internal/result"
	"github.com/IItheshadowII/LatencyLens/internal/store"
)

const smallConfig = `
log:
  level: warn
measurement:
  ping_count: 3
  ping_timeout: 2s
  download_size: 64KiB
  upload_size: 16KiB
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func probeCloud(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(probeserver.New(probeserver.Config{}, quietLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestRunCommandPrintsJSONAndWritesFile(t *testing.T) {
	cloud := probeCloud(t)
	cfgPath := writeFile(t, "config.yaml", smallConfig)
	outPath := filepath.Join(t.TempDir(), "result.json")

	var stdout, stderr bytes.Buffer
	code := runCommand(context.Background(), []string{"-config", cfgPath, "-json", "-out", outPath, cloud.URL + "/ignored"}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}

	var res result.TestResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("stdout is not a result: %v\n%s", err, stdout.String())
	}
	if res.Cloud != cloud.URL {
		t.Fatalf("expected cloud %s, got %s", cloud.URL, res.Cloud)
	}
	if !res.Classification.Valid() || len(res.Ping.Samples) != 3 || res.Download.Bytes != 64<<10 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.UserAgent, "latencylens/") {
		t.Fatalf("unexpected user agent %q", res.UserAgent)
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read out file: %v", err)
	}
	var fromFile result.TestResult
	if err := json.Unmarshal(raw, &fromFile); err != nil || fromFile.RunID != res.RunID {
		t.Fatalf("out file mismatch: %v", err)
	}

	log := stderr.String()
	for _, want := range []string{"[validate]", "[ping]", "[done]", "100%"} {
		if !strings.Contains(log, want) {
			t.Fatalf("missing %q in progress output:\n%s", want, log)
		}
	}
}

func TestRunCommandSummary(t *testing.T) {
	cloud := probeCloud(t)
	cfgPath := writeFile(t, "config.yaml", smallConfig)
	var stdout, stderr bytes.Buffer
	code := runCommand(context.Background(), []string{"-config", cfgPath, "-quiet", cloud.URL}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	for _, want := range []string{"Cloud:", "Classification:", "Latency:", "Download:", "Upload:"} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("missing %q in summary:\n%s", want, stdout.String())
		}
	}
	if strings.Contains(stderr.String(), "[ping]") {
		t.Fatalf("quiet run must not draw progress:\n%s", stderr.String())
	}
}

func TestRunCommandReportsToResultsAPI(t *testing.T) {
	cloud := probeCloud(t)
	st := store.NewMemoryStore()
	apiServer := api.NewServer(api.Options{Config: config.Default(), Store: st, Logger: quietLogger()})
	results := httptest.NewServer(apiServer.Handler())
	defer results.Close()

	cfgPath := writeFile(t, "config.yaml", smallConfig)
	var stdout, stderr bytes.Buffer
	code := runCommand(context.Background(), []string{"-config", cfgPath, "-quiet", "-api-base", results.URL, cloud.URL}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Public IP:      127.0.0.1") {
		t.Fatalf("expected public ip in summary:\n%s", stdout.String())
	}
	page, err := st.List(context.Background(), store.Query{}.Normalize())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Data[0].Cloud != cloud.URL {
		t.Fatalf("expected the run to be reported, got %+v", page)
	}
}

func TestRunCommandRejectsInvalidEndpoint(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runCommand(context.Background(), []string{"-quiet", "ftp://example.com"}, &stdout, &stderr)
	if code != exitUsage {
		t.Fatalf("expected exit %d, got %d", exitUsage, code)
	}
	if !strings.Contains(stderr.String(), "invalid endpoint: URL must start with http or https") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected no result output, got %q", stdout.String())
	}
}

func TestRunCommandUsageErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"a", "b"},
		{"-relay", "ftp://x", "https://cloud.example.com"},
		{"-config", "/does/not/exist.yaml", "https://cloud.example.com"},
	}
	for _, args := range cases {
		var stdout, stderr bytes.Buffer
		if code := runCommand(context.Background(), args, &stdout, &stderr); code != exitUsage {
			t.Fatalf("%v: expected exit %d, got %d", args, exitUsage, code)
		}
	}
}

func TestProgressLine(t *testing.T) {
	line := progressLine(orchestrator.StateMeasuringLatency, 40, "probe 12/30")
	if !strings.HasPrefix(line, "[ping] ") || !strings.HasSuffix(line, " 40% | probe 12/30") {
		t.Fatalf("unexpected line %q", line)
	}
	if got := renderBar(40, 10); got != "████░░░░░░" {
		t.Fatalf("unexpected bar %q", got)
	}
	if got := renderBar(150, 4); got != "████" {
		t.Fatalf("expected clamped bar, got %q", got)
	}
	if got := renderBar(-5, 4); got != "░░░░" {
		t.Fatalf("expected empty bar, got %q", got)
	}
}

func TestScreenDescriptor(t *testing.T) {
	if got := screenDescriptor(120, 40); got != "120x40" {
		t.Fatalf("unexpected descriptor %q", got)
	}
	if got := screenDescriptor(0, 40); got != "" {
		t.Fatalf("expected empty descriptor, got %q", got)
	}
}

func TestCheckConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := checkConfig(writeFile(t, "ok.yaml", smallConfig), &stdout, &stderr); code != 0 {
		t.Fatalf("expected valid config, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "config valid") {
		t.Fatalf("unexpected output %q", stdout.String())
	}
	stdout.Reset()
	if code := checkConfig(writeFile(t, "bad.yaml", "measurement:\n  ping_count: -1\n"), &stdout, &stderr); code != 1 {
		t.Fatalf("expected invalid config exit 1, got %d", code)
	}
}
