// Package measure turns probe outcomes into latency and throughput figures.
package measure

import (
	"context"
	"net/http"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/probe"
	"github.com/IItheshadowII/LatencyLens/internal/result"
)

const (
	DefaultPingCount   = 30
	DefaultPingTimeout = 2000 * time.Millisecond
)

// Sampler collects latency samples with minimal download probes.
type Sampler struct {
	Exec    probe.Executor
	URLs    probe.URLs
	Count   int
	Timeout time.Duration
}

// Sample runs Count sequential bytes=1 probes. Timeouts and failures both
// count as lost samples. progress, if non-nil, is called after every probe.
// The only error is the context's.
func (s *Sampler) Sample(ctx context.Context, ep endpoint.Endpoint, progress func(done, total int)) (result.LatencyStats, error) {
	count := s.Count
	if count <= 0 {
		count = DefaultPingCount
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}

	samples := make([]float64, 0, count)
	timeouts := 0
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return result.LatencyStats{}, err
		}
		out := s.Exec.Probe(ctx, probe.Request{
			URL:     s.URLs.Download(ep, 1, i),
			Method:  http.MethodGet,
			Timeout: timeout,
		})
		if out.Succeeded {
			samples = append(samples, out.ElapsedMs())
		} else {
			timeouts++
		}
		if progress != nil {
			progress(i+1, count)
		}
	}
	if err := ctx.Err(); err != nil {
		return result.LatencyStats{}, err
	}
	return ComputeLatencyStats(samples, timeouts, count), nil
}
