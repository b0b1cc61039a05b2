package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/resolver"
)

const defaultUserAgent = "latencylens"

type ExecutorOptions struct {
	// Resolver overrides DNS resolution for probe dials when set.
	Resolver  *resolver.Resolver
	UserAgent string
	// CaptureTCP reads TCP_INFO of the connection after each probe (linux only).
	CaptureTCP bool
}

// HTTPExecutor runs probes over a dedicated HTTP transport.
type HTTPExecutor struct {
	client     *http.Client
	userAgent  string
	captureTCP bool
}

func NewHTTPExecutor(opts ExecutorOptions) *HTTPExecutor {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// payload sizes are measured on the wire
		DisableCompression: true,
	}
	if opts.Resolver != nil {
		transport.DialContext = opts.Resolver.DialContext
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &HTTPExecutor{
		client:     &http.Client{Transport: transport},
		userAgent:  ua,
		captureTCP: opts.CaptureTCP,
	}
}

// CloseIdle drops pooled connections.
func (e *HTTPExecutor) CloseIdle() {
	e.client.CloseIdleConnections()
}

func (e *HTTPExecutor) Probe(ctx context.Context, req Request) Outcome {
	probeCtx := ctx
	cancel := context.CancelFunc(func() {})
	if req.Timeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	var conn net.Conn
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			conn = info.Conn
		},
	}
	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(probeCtx, trace), method, req.URL, body)
	if err != nil {
		return Outcome{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Cache-Control", "no-store")
	httpReq.Header.Set("User-Agent", e.userAgent)
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.ExpectJSON {
		httpReq.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return finish(ctx, probeCtx, Outcome{Elapsed: time.Since(start), Err: err})
	}

	var n int64
	var readErr error
	var payload []byte
	if req.ExpectJSON {
		payload, readErr = io.ReadAll(resp.Body)
		n = int64(len(payload))
	} else {
		n, readErr = io.Copy(io.Discard, resp.Body)
	}
	_ = resp.Body.Close()
	out := Outcome{Elapsed: time.Since(start), Bytes: n, StatusCode: resp.StatusCode}

	if e.captureTCP && conn != nil {
		out.TCP = readConnStats(conn)
	}
	if readErr != nil {
		out.Err = fmt.Errorf("read body: %w", readErr)
		return finish(ctx, probeCtx, out)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Err = fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
		return out
	}
	if req.ExpectJSON && !json.Valid(payload) {
		out.Err = ErrInvalidJSON
		return out
	}
	out.Succeeded = true
	return out
}

// finish marks out as timed out when the probe's own deadline fired. A
// cancelled parent context is a plain failure.
func finish(parent, probeCtx context.Context, out Outcome) Outcome {
	if parent.Err() == nil && errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
	}
	return out
}

func unwrapConn(conn net.Conn) net.Conn {
	for {
		wrapped, ok := conn.(interface{ NetConn() net.Conn })
		if !ok {
			return conn
		}
		conn = wrapped.NetConn()
	}
}
