package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestProbeDownloadCountsBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cache-Control") != "no-store" {
			http.Error(w, "cache-control", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(ExecutorOptions{CaptureTCP: true})
	out := exec.Probe(context.Background(), Request{URL: srv.URL, Timeout: time.Second})
	if !out.Succeeded || out.TimedOut {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Bytes != 4096 {
		t.Fatalf("expected 4096 bytes, got %d", out.Bytes)
	}
	if out.Elapsed <= 0 || out.ElapsedMs() <= 0 {
		t.Fatalf("expected positive elapsed, got %s", out.Elapsed)
	}
	if out.Result() != "ok" {
		t.Fatalf("expected result ok, got %s", out.Result())
	}
}

func TestProbeNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	out := NewHTTPExecutor(ExecutorOptions{}).Probe(context.Background(), Request{URL: srv.URL, Timeout: time.Second})
	if out.Succeeded || out.TimedOut {
		t.Fatalf("expected plain failure, got %+v", out)
	}
	if !errors.Is(out.Err, ErrStatus) || out.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status error, got %v (%d)", out.Err, out.StatusCode)
	}
}

func TestProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	out := NewHTTPExecutor(ExecutorOptions{}).Probe(context.Background(), Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	if out.Succeeded || !out.TimedOut {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if out.Result() != "timeout" {
		t.Fatalf("expected result timeout, got %s", out.Result())
	}
}

func TestProbeParentCancelIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	out := NewHTTPExecutor(ExecutorOptions{}).Probe(ctx, Request{URL: srv.URL, Timeout: 5 * time.Second})
	if out.Succeeded || out.TimedOut {
		t.Fatalf("expected failure without timeout, got %+v", out)
	}
}

func TestProbeUploadExpectsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ := io.Copy(io.Discard, r.Body)
		if received != 1024 || r.Header.Get("Content-Type") != "application/octet-stream" {
			http.Error(w, "unexpected body", http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("bad") != "" {
			_, _ = w.Write([]byte("<html>"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(ExecutorOptions{})
	req := Request{
		URL:         srv.URL,
		Method:      http.MethodPost,
		Body:        make([]byte, 1024),
		ContentType: "application/octet-stream",
		Timeout:     time.Second,
		ExpectJSON:  true,
	}
	out := exec.Probe(context.Background(), req)
	if !out.Succeeded {
		t.Fatalf("expected success, got %+v", out)
	}

	req.URL = srv.URL + "?bad=1"
	out = exec.Probe(context.Background(), req)
	if out.Succeeded || !errors.Is(out.Err, ErrInvalidJSON) {
		t.Fatalf("expected invalid json failure, got %+v", out)
	}
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := NewHTTPExecutor(ExecutorOptions{}).Probe(context.Background(), Request{URL: url, Timeout: time.Second})
	if out.Succeeded || out.TimedOut || out.Err == nil {
		t.Fatalf("expected connection failure, got %+v", out)
	}
}

func TestObservedCallsHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var seen []string // hook runs on the calling goroutine
	exec := Observed{
		Next: NewHTTPExecutor(ExecutorOptions{}),
		Hook: func(req Request, out Outcome) {
			seen = append(seen, req.URL+" "+out.Result())
		},
	}
	exec.Probe(context.Background(), Request{URL: srv.URL, Timeout: time.Second})
	if len(seen) != 1 || !strings.HasSuffix(seen[0], " ok") {
		t.Fatalf("unexpected hook calls %v", seen)
	}
}
