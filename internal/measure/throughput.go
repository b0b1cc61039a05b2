package measure

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/probe"
	"github.com/IItheshadowII/LatencyLens/internal/result"
)

const (
	DefaultDownloadBytes     = 8 << 20
	DefaultUploadBytes       = 3 << 20
	DefaultThroughputTimeout = 15 * time.Second
)

// Prober measures bulk transfer rate with a single probe per direction.
type Prober struct {
	Exec    probe.Executor
	URLs    probe.URLs
	Timeout time.Duration
}

func (p *Prober) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultThroughputTimeout
	}
	return p.Timeout
}

// MeasureDownload fetches bytes from the endpoint. On failure the returned
// error wraps ErrProbeTimeout or ErrProbeFailed.
func (p *Prober) MeasureDownload(ctx context.Context, ep endpoint.Endpoint, bytes int64) (result.ThroughputStats, error) {
	out := p.Exec.Probe(ctx, probe.Request{
		URL:     p.URLs.Download(ep, bytes, 0),
		Method:  http.MethodGet,
		Timeout: p.timeout(),
	})
	return throughput(out, bytes, "download")
}

// MeasureUpload posts bytes zero bytes and waits for a JSON acknowledgment.
func (p *Prober) MeasureUpload(ctx context.Context, ep endpoint.Endpoint, bytes int64) (result.ThroughputStats, error) {
	out := p.Exec.Probe(ctx, probe.Request{
		URL:         p.URLs.Upload(ep, 0),
		Method:      http.MethodPost,
		Body:        make([]byte, bytes),
		ContentType: "application/octet-stream",
		Timeout:     p.timeout(),
		ExpectJSON:  true,
	})
	return throughput(out, bytes, "upload")
}

func throughput(out probe.Outcome, bytes int64, direction string) (result.ThroughputStats, error) {
	if out.TimedOut {
		return result.FailedThroughput(bytes), fmt.Errorf("%s: %w", direction, ErrProbeTimeout)
	}
	if !out.Succeeded {
		return result.FailedThroughput(bytes), fmt.Errorf("%s: %w: %v", direction, ErrProbeFailed, out.Err)
	}
	seconds := out.Elapsed.Seconds()
	return result.ThroughputStats{
		Bytes:   bytes,
		Seconds: seconds,
		Mbps:    Mbps(bytes, seconds),
	}, nil
}
