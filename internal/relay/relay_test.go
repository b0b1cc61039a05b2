package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/IItheshadowII/LatencyLens/internal/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type seenRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   int
}

func newBackend(t *testing.T) (*httptest.Server, chan seenRequest) {
	t.Helper()
	seen := make(chan seenRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		seen <- seenRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone(), Body: int(n)}
		w.Header().Set("Connection", "X-Backend-Secret")
		w.Header().Set("X-Backend-Secret", "1")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Probe", "yes")
		if r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		_, _ = w.Write(bytes.Repeat([]byte{'x'}, 1000))
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestRelayForwardsDownload(t *testing.T) {
	backend, seen := newBackend(t)
	m := metrics.NewMetrics()
	r := New(Config{AllowedClouds: []string{backend.URL}}, quietLogger(), m)

	target := "/relay/connection-probe/download.ashx?bytes=1000&t=1-0&cloud=" + url.QueryEscape(backend.URL)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Connection", "X-Client-Secret")
	req.Header.Set("X-Client-Secret", "1")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Cache-Control", "no-store")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 1000 {
		t.Fatalf("expected 1000 bytes, got %d", rec.Body.Len())
	}
	if rec.Header().Get("X-Probe") != "yes" {
		t.Fatalf("expected end-to-end header to pass")
	}
	if rec.Header().Get("X-Backend-Secret") != "" || rec.Header().Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop response headers leaked: %v", rec.Header())
	}

	got := <-seen
	if got.Path != "/connection-probe/download.ashx" {
		t.Fatalf("unexpected upstream path %s", got.Path)
	}
	if got.Query.Get("cloud") != "" || got.Query.Get("bytes") != "1000" || got.Query.Get("t") != "1-0" {
		t.Fatalf("unexpected upstream query %v", got.Query)
	}
	if got.Header.Get("X-Client-Secret") != "" || got.Header.Get("Proxy-Authorization") != "" {
		t.Fatalf("hop-by-hop request headers leaked: %v", got.Header)
	}
	if got.Header.Get("Cache-Control") != "no-store" || got.Header.Get("X-Forwarded-For") == "" {
		t.Fatalf("expected end-to-end headers and X-Forwarded-For, got %v", got.Header)
	}
	if !strings.Contains(m.Render(), `latencylens_relay_requests_total{outcome="ok"} 1`) {
		t.Fatalf("expected relay counter")
	}
}

func TestRelayForwardsUpload(t *testing.T) {
	backend, seen := newBackend(t)
	r := New(Config{AllowAny: true}, quietLogger(), nil)

	target := "/relay/connection-probe/upload.ashx?t=1-0&cloud=" + url.QueryEscape(backend.URL)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(make([]byte, 4096)))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !json.Valid(rec.Body.Bytes()) {
		t.Fatalf("expected JSON ack, got %q", rec.Body.String())
	}
	got := <-seen
	if got.Method != http.MethodPost || got.Body != 4096 {
		t.Fatalf("unexpected upstream request %+v", got)
	}
}

func TestRelayRejects(t *testing.T) {
	r := New(Config{AllowedClouds: []string{"https://allowed.example.com"}}, quietLogger(), nil)
	cases := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"bad cloud", http.MethodGet, "/relay/connection-probe/download.ashx?cloud=ftp://x", http.StatusBadRequest},
		{"missing cloud", http.MethodGet, "/relay/connection-probe/download.ashx", http.StatusBadRequest},
		{"not allowed", http.MethodGet, "/relay/connection-probe/download.ashx?cloud=https://other.example.com", http.StatusForbidden},
		{"unknown file", http.MethodGet, "/relay/connection-probe/secret.txt?cloud=https://allowed.example.com", http.StatusNotFound},
		{"method", http.MethodDelete, "/relay/connection-probe/download.ashx?cloud=https://allowed.example.com", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.target, nil))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close, X-Foo")
	h.Set("X-Foo", "1")
	h.Set("Upgrade", "websocket")
	h.Set("Te", "trailers")
	h.Set("X-Keep", "1")
	removeHopHeaders(h)
	for _, name := range []string{"Connection", "X-Foo", "Upgrade", "Te"} {
		if h.Get(name) != "" {
			t.Fatalf("expected %s removed", name)
		}
	}
	if h.Get("X-Keep") != "1" {
		t.Fatalf("expected X-Keep preserved")
	}
}
