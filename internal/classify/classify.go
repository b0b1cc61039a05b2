// Package classify maps measured figures to a coarse quality label.
package classify

import (
	"math"

	"github.com/IItheshadowII/LatencyLens/internal/result"
)

// Thresholds. Latency and jitter are in ms, throughput in Mbps.
const (
	GoodMaxAvgMs      = 80
	GoodMaxJitterMs   = 15
	GoodMinDownMbps   = 10
	GoodMinUpMbps     = 2
	PoorAboveAvgMs    = 150
	PoorAboveJitterMs = 30
	PoorAboveLoss     = 0.05
	PoorBelowDownMbps = 5
	PoorBelowUpMbps   = 1
)

// Classify is pure: unknown latency or jitter counts as infinitely bad and
// unknown throughput as zero.
func Classify(latency result.LatencyStats, download, upload result.ThroughputStats) result.Classification {
	avg := orInf(latency.Avg)
	jitter := orInf(latency.Jitter)
	loss := latency.Loss
	down := orZero(download.Mbps)
	up := orZero(upload.Mbps)

	if avg < GoodMaxAvgMs && jitter < GoodMaxJitterMs && loss == 0 && down >= GoodMinDownMbps && up >= GoodMinUpMbps {
		return result.Good
	}
	if avg > PoorAboveAvgMs || jitter > PoorAboveJitterMs || loss > PoorAboveLoss || down < PoorBelowDownMbps || up < PoorBelowUpMbps {
		return result.Poor
	}
	return result.Fair
}

func orInf(v *float64) float64 {
	if v == nil {
		return math.Inf(1)
	}
	return *v
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
