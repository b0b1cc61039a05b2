// Package report talks to a results API: it looks up the caller's public IP
// and submits completed results.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/result"
	"github.com/IItheshadowII/LatencyLens/internal/util"
	"github.com/IItheshadowII/LatencyLens/internal/version"
)

const (
	resultsPath    = "/api/results"
	ipPath         = "/api/ip"
	defaultTimeout = 10 * time.Second
	maxBody        = 64 << 10
)

var ErrReportFailed = errors.New("report failed")

type Config struct {
	// APIBase is the results API origin, e.g. https://api.example.com.
	APIBase string
	Timeout time.Duration
}

// Dependencies allow test overrides for the HTTP client and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Logger     util.Logger
}

// Client implements orchestrator.Reporter and orchestrator.IPResolver.
type Client struct {
	httpClient *http.Client
	resultsURL string
	ipURL      string
	timeout    time.Duration
	logger     util.Logger
	userAgent  string
}

func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		return nil, fmt.Errorf("api base is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = util.NewLogger()
	}
	return &Client{
		httpClient: httpClient,
		resultsURL: base + resultsPath,
		ipURL:      base + ipPath,
		timeout:    timeout,
		logger:     logger,
		userAgent:  "latencylens/" + version.Version,
	}, nil
}

// Submit posts res to the results API. Any failure wraps ErrReportFailed.
func (c *Client) Submit(ctx context.Context, res result.TestResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("%w: marshal result: %v", ErrReportFailed, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resultsURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrReportFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReportFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %s: %s", ErrReportFailed, resp.Status, strings.TrimSpace(string(body)))
	}
	c.logger.Debug("result submitted", "cloud", res.Cloud, "status", resp.StatusCode)
	return nil
}

type ipResponse struct {
	IP string `json:"ip"`
}

// PublicIP asks the results API which address the request came from.
func (c *Client) PublicIP(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ipURL, nil)
	if err != nil {
		return "", fmt.Errorf("build ip request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ip lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("ip lookup failed: status %s", resp.Status)
	}
	var out ipResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ip response: %w", err)
	}
	if out.IP == "" {
		return "", fmt.Errorf("ip lookup returned no address")
	}
	return out.IP, nil
}
