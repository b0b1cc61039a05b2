// Package result holds the data produced by a measurement run.
package result

import (
	"fmt"
	"strings"
	"time"
)

// LatencyStats summarizes the latency samples of one run. The pointer fields
// are nil only when no sample succeeded.
type LatencyStats struct {
	Samples  []float64 `json:"samples"`
	Timeouts int       `json:"timeouts" validate:"gte=0"`
	Avg      *float64  `json:"avg"`
	Median   *float64  `json:"median"`
	P95      *float64  `json:"p95"`
	Jitter   *float64  `json:"jitter"`
	Loss     float64   `json:"loss" validate:"gte=0,lte=1"`
}

// ThroughputStats is the outcome of one download or upload probe. Mbps is nil
// when Seconds is zero.
type ThroughputStats struct {
	Bytes   int64    `json:"bytes" validate:"gt=0"`
	Seconds float64  `json:"seconds" validate:"gte=0"`
	Mbps    *float64 `json:"mbps"`
}

// FailedThroughput returns the value substituted when a throughput probe fails.
func FailedThroughput(bytes int64) ThroughputStats {
	return ThroughputStats{Bytes: bytes}
}

// FailedLatency returns the value substituted when the latency stage cannot
// produce samples at all.
func FailedLatency(total int) LatencyStats {
	return LatencyStats{Samples: []float64{}, Timeouts: total, Loss: 1}
}

type Classification string

const (
	Good Classification = "GOOD"
	Fair Classification = "FAIR"
	Poor Classification = "POOR"
)

// Rank orders classifications so that Good > Fair > Poor.
func (c Classification) Rank() int {
	switch c {
	case Good:
		return 2
	case Fair:
		return 1
	default:
		return 0
	}
}

func (c Classification) Valid() bool {
	return c == Good || c == Fair || c == Poor
}

func (c Classification) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid classification %q", string(c))
	}
	return []byte(c), nil
}

// UnmarshalText accepts the English labels and the legacy VERDE/AMARILLO/ROJO
// labels.
func (c *Classification) UnmarshalText(text []byte) error {
	parsed, err := ParseClassification(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func ParseClassification(s string) (Classification, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GOOD", "VERDE":
		return Good, nil
	case "FAIR", "AMARILLO":
		return Fair, nil
	case "POOR", "ROJO":
		return Poor, nil
	default:
		return "", fmt.Errorf("invalid classification %q", s)
	}
}

// Client describes the machine the run was made from.
type Client struct {
	UserAgent string `json:"userAgent"`
	Screen    string `json:"screen"`
	IP        string `json:"ip,omitempty"`
}

// TestResult is the immutable record of a completed run.
type TestResult struct {
	RunID          string          `json:"runId,omitempty"`
	Cloud          string          `json:"cloud" validate:"required"`
	Timestamp      time.Time       `json:"timestamp" validate:"required"`
	UserAgent      string          `json:"userAgent" validate:"max=1024"`
	Screen         string          `json:"screen" validate:"max=64"`
	IP             string          `json:"ip,omitempty" validate:"omitempty,ip"`
	Ping           LatencyStats    `json:"ping"`
	Download       ThroughputStats `json:"download"`
	Upload         ThroughputStats `json:"upload"`
	Classification Classification  `json:"classification" validate:"required"`
}

// Float returns a pointer to v. Used when building stats literals.
func Float(v float64) *float64 {
	return &v
}
