// Package probe issues single timed HTTP request/response exchanges against a
// probe endpoint.
package probe

import (
	"context"
	"time"
)

// Request describes one timed exchange.
type Request struct {
	URL         string
	Method      string
	Body        []byte
	ContentType string
	Timeout     time.Duration
	// ExpectJSON requires the response body to be valid JSON.
	ExpectJSON bool
}

// Outcome is the result of one exchange. A probe that fails for any reason
// other than its own deadline has Succeeded and TimedOut both false.
type Outcome struct {
	Elapsed    time.Duration
	Succeeded  bool
	TimedOut   bool
	Bytes      int64
	StatusCode int
	Err        error
	TCP        *TCPStats
}

// ElapsedMs returns the elapsed time in fractional milliseconds.
func (o Outcome) ElapsedMs() float64 {
	return float64(o.Elapsed.Microseconds()) / 1000.0
}

// Result returns "ok", "timeout" or "failed".
func (o Outcome) Result() string {
	switch {
	case o.Succeeded:
		return "ok"
	case o.TimedOut:
		return "timeout"
	default:
		return "failed"
	}
}

// TCPStats carries kernel TCP_INFO figures of the connection a probe used.
type TCPStats struct {
	RTT          time.Duration
	RTTVar       time.Duration
	Retransmits  uint64
	SegmentsSent uint64
}

type Executor interface {
	Probe(ctx context.Context, req Request) Outcome
}

// Hook observes every outcome of an Observed executor.
type Hook func(req Request, out Outcome)

// Observed wraps an Executor and reports each outcome to Hook.
type Observed struct {
	Next Executor
	Hook Hook
}

func (o Observed) Probe(ctx context.Context, req Request) Outcome {
	out := o.Next.Probe(ctx, req)
	if o.Hook != nil {
		o.Hook(req, out)
	}
	return out
}
