package measure

import (
	"math"
	"sort"

	"github.com/IItheshadowII/LatencyLens/internal/result"
)

// ComputeLatencyStats reduces latency samples (ms, arrival order) into
// summary statistics. Loss is timeouts/total, so total must be the number of
// attempted probes, not the number of successes.
func ComputeLatencyStats(samples []float64, timeouts, total int) result.LatencyStats {
	stats := result.LatencyStats{
		Samples:  append(make([]float64, 0, len(samples)), samples...),
		Timeouts: timeouts,
	}
	if total > 0 {
		stats.Loss = clampFloat(float64(timeouts)/float64(total), 0, 1)
	}
	n := len(samples)
	if n == 0 {
		return stats
	}

	var sum float64
	for _, v := range samples {
		sum += v
	}
	avg := sum / float64(n)

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	median := sorted[n/2]
	idx := int(math.Ceil(float64(n)*0.95)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	p95 := sorted[idx]
	jitter := computeJitter(samples)

	stats.Avg = &avg
	stats.Median = &median
	stats.P95 = &p95
	stats.Jitter = &jitter
	return stats
}

func computeJitter(samples []float64) float64 {
	// Jitter is mean absolute difference between consecutive samples.
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		diff := samples[i] - samples[i-1]
		if diff < 0 {
			diff = -diff
		}
		sum += diff
	}
	return sum / float64(len(samples)-1)
}

// Mbps converts a transfer into megabits per second using a 1,048,576 bit
// megabit. It returns nil when seconds is not positive.
func Mbps(bytes int64, seconds float64) *float64 {
	if seconds <= 0 {
		return nil
	}
	v := float64(bytes) * 8 / seconds / 1_048_576
	return &v
}

func clampFloat(val, min, max float64) float64 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
