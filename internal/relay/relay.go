// Package relay forwards probe traffic to an allowed cloud so that browsers
// and restricted clients can measure clouds they cannot reach directly.
package relay

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/metrics"
	"github.com/IItheshadowII/LatencyLens/internal/util"
	"golang.org/x/net/http/httpguts"
)

const defaultTimeout = 30 * time.Second

// hopHeaders are removed in both directions, together with any header named
// in Connection.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var probeFiles = map[string]struct{}{
	"download.ashx": {},
	"upload.ashx":   {},
}

type Config struct {
	AllowedClouds []string
	AllowAny      bool
	Timeout       time.Duration
}

type Relay struct {
	client   *http.Client
	allowed  map[string]struct{}
	allowAny bool
	timeout  time.Duration
	logger   util.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config, logger util.Logger, m *metrics.Metrics) *Relay {
	allowed := make(map[string]struct{}, len(cfg.AllowedClouds))
	for _, raw := range cfg.AllowedClouds {
		if ep, err := endpoint.Parse(raw); err == nil {
			allowed[ep.String()] = struct{}{}
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = util.NewLogger()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// bodies are relayed byte for byte
	transport.DisableCompression = true
	return &Relay{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		allowed:  allowed,
		allowAny: cfg.AllowAny,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
	}
}

// Allowed reports whether probes may be relayed to ep.
func (r *Relay) Allowed(ep endpoint.Endpoint) bool {
	if r.allowAny {
		return true
	}
	_, ok := r.allowed[ep.String()]
	return ok
}

// ServeHTTP relays /.../connection-probe/{file}?cloud={origin}.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		r.count("invalid")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	file := path.Base(req.URL.Path)
	if _, ok := probeFiles[file]; !ok {
		r.count("invalid")
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	query := req.URL.Query()
	ep, err := endpoint.Parse(query.Get("cloud"))
	if err != nil {
		r.count("invalid")
		writeError(w, http.StatusBadRequest, "Invalid cloud URL")
		return
	}
	if !r.Allowed(ep) {
		r.count("forbidden")
		writeError(w, http.StatusForbidden, "cloud not allowed")
		return
	}
	query.Del("cloud")
	target := ep.URL("/connection-probe/"+file, query)

	ctx, cancel := context.WithTimeout(req.Context(), r.timeout)
	defer cancel()
	var body io.Reader
	if req.Method == http.MethodPost {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		r.count("error")
		writeError(w, http.StatusBadGateway, "relay request failed")
		return
	}
	if body != nil {
		out.ContentLength = req.ContentLength
	}
	copyHeader(out.Header, req.Header)
	removeHopHeaders(out.Header)
	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	resp, err := r.client.Do(out)
	if err != nil {
		r.count("error")
		r.logger.Warn("relay upstream failed", "cloud", ep.String(), "file", file, "error", err)
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		r.count("error")
		r.logger.Debug("relay copy interrupted", "cloud", ep.String(), "error", err)
		return
	}
	r.count("ok")
}

func (r *Relay) count(outcome string) {
	if r.metrics != nil {
		r.metrics.IncRelay(outcome)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, token := range strings.Split(field, ",") {
			token = textproto.TrimString(token)
			if token != "" && httpguts.ValidHeaderFieldName(token) {
				h.Del(token)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
