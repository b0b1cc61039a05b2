package metrics

import (
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/result"
)

// MaxClouds bounds the number of clouds that carry gauges. Submitting a new
// cloud past the limit evicts the least recently updated one.
const MaxClouds = 256

// CloudMetrics holds the figures of the latest result seen for one cloud.
type CloudMetrics struct {
	LatencyAvgMs float64
	JitterMs     float64
	Loss         float64
	DownMbps     float64
	UpMbps       float64
	Rank         int
	HasLatency   bool
	UpdatedAt    time.Time

	seq uint64
}

type Metrics struct {
	mu               sync.Mutex
	clouds           map[string]*CloudMetrics
	cloudSeq         uint64
	runs             map[result.Classification]uint64
	probes           map[string]uint64
	rejected         map[string]uint64
	relay            map[string]uint64
	runsActive       int
	wsClients        int
	stored           atomic.Uint64
	publishFailures  atomic.Uint64
	rateLimited      atomic.Uint64
	memoryAllocBytes uint64
	startTime        time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		clouds:    make(map[string]*CloudMetrics),
		runs:      make(map[result.Classification]uint64),
		probes:    make(map[string]uint64),
		rejected:  make(map[string]uint64),
		relay:     make(map[string]uint64),
		startTime: time.Now(),
	}
}

func (m *Metrics) Start(ctxDone <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctxDone:
				return
			case <-ticker.C:
				m.updateMemory()
			}
		}
	}()
}

func (m *Metrics) updateMemory() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.mu.Lock()
	m.memoryAllocBytes = mem.Alloc
	m.mu.Unlock()
}

// RecordResult updates the per-cloud gauges from a completed or stored result.
func (m *Metrics) RecordResult(res result.TestResult) {
	cm := CloudMetrics{
		Loss:      res.Ping.Loss,
		Rank:      res.Classification.Rank(),
		UpdatedAt: time.Now(),
	}
	if res.Ping.Avg != nil && res.Ping.Jitter != nil {
		cm.LatencyAvgMs = *res.Ping.Avg
		cm.JitterMs = *res.Ping.Jitter
		cm.HasLatency = true
	}
	if res.Download.Mbps != nil {
		cm.DownMbps = *res.Download.Mbps
	}
	if res.Upload.Mbps != nil {
		cm.UpMbps = *res.Upload.Mbps
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cloudSeq++
	cm.seq = m.cloudSeq
	if _, ok := m.clouds[res.Cloud]; !ok && len(m.clouds) >= MaxClouds {
		m.evictOldestCloud()
	}
	m.clouds[res.Cloud] = &cm
}

func (m *Metrics) evictOldestCloud() {
	var (
		oldest string
		lowest uint64
	)
	for cloud, cm := range m.clouds {
		if oldest == "" || cm.seq < lowest {
			oldest, lowest = cloud, cm.seq
		}
	}
	delete(m.clouds, oldest)
}

func (m *Metrics) GetCloudMetrics(cloud string) (CloudMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.clouds[cloud]
	if !ok {
		return CloudMetrics{}, false
	}
	return *cm, true
}

func (m *Metrics) IncRun(class result.Classification) {
	m.mu.Lock()
	m.runs[class]++
	m.mu.Unlock()
}

func (m *Metrics) IncRunsActive() {
	m.mu.Lock()
	m.runsActive++
	m.mu.Unlock()
}

func (m *Metrics) DecRunsActive() {
	m.mu.Lock()
	if m.runsActive > 0 {
		m.runsActive--
	}
	m.mu.Unlock()
}

func (m *Metrics) IncWSClients() {
	m.mu.Lock()
	m.wsClients++
	m.mu.Unlock()
}

func (m *Metrics) DecWSClients() {
	m.mu.Lock()
	if m.wsClients > 0 {
		m.wsClients--
	}
	m.mu.Unlock()
}

// IncProbe counts one probe outcome: "ok", "timeout" or "failed".
func (m *Metrics) IncProbe(outcome string) {
	m.mu.Lock()
	m.probes[outcome]++
	m.mu.Unlock()
}

func (m *Metrics) IncRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncRelay(outcome string) {
	m.mu.Lock()
	m.relay[outcome]++
	m.mu.Unlock()
}

func (m *Metrics) IncStored() {
	m.stored.Add(1)
}

func (m *Metrics) IncPublishFailure() {
	m.publishFailures.Add(1)
}

func (m *Metrics) IncRateLimited() {
	m.rateLimited.Add(1)
}

func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(m.Render()))
}

func (m *Metrics) Render() string {
	m.mu.Lock()
	clouds := make([]string, 0, len(m.clouds))
	for cloud := range m.clouds {
		clouds = append(clouds, cloud)
	}
	sort.Strings(clouds)
	cloudMetrics := make(map[string]CloudMetrics, len(m.clouds))
	for cloud, cm := range m.clouds {
		cloudMetrics[cloud] = *cm
	}
	runs := make(map[string]uint64, len(m.runs))
	for class, n := range m.runs {
		runs[string(class)] = n
	}
	probes := copyUint64Map(m.probes)
	rejected := copyUint64Map(m.rejected)
	relay := copyUint64Map(m.relay)
	runsActive := m.runsActive
	wsClients := m.wsClients
	memoryAlloc := m.memoryAllocBytes
	startTime := m.startTime
	m.mu.Unlock()

	var b strings.Builder
	writeCloudGauge(&b, "latencylens_cloud_latency_avg_ms", clouds, func(c string) float64 { return cloudMetrics[c].LatencyAvgMs })
	writeCloudGauge(&b, "latencylens_cloud_jitter_ms", clouds, func(c string) float64 { return cloudMetrics[c].JitterMs })
	writeCloudGauge(&b, "latencylens_cloud_loss_ratio", clouds, func(c string) float64 { return cloudMetrics[c].Loss })
	writeCloudGauge(&b, "latencylens_cloud_download_mbps", clouds, func(c string) float64 { return cloudMetrics[c].DownMbps })
	writeCloudGauge(&b, "latencylens_cloud_upload_mbps", clouds, func(c string) float64 { return cloudMetrics[c].UpMbps })
	writeCloudGauge(&b, "latencylens_cloud_classification_rank", clouds, func(c string) float64 { return float64(cloudMetrics[c].Rank) })

	writeLabeledCounter(&b, "latencylens_runs_total", "classification", runs)
	writeLabeledCounter(&b, "latencylens_probes_total", "result", probes)
	writeLabeledCounter(&b, "latencylens_results_rejected_total", "reason", rejected)
	writeLabeledCounter(&b, "latencylens_relay_requests_total", "outcome", relay)

	b.WriteString("# TYPE latencylens_results_stored_total counter\n")
	b.WriteString("latencylens_results_stored_total ")
	b.WriteString(strconv.FormatUint(m.stored.Load(), 10))
	b.WriteString("\n")
	b.WriteString("# TYPE latencylens_publish_failures_total counter\n")
	b.WriteString("latencylens_publish_failures_total ")
	b.WriteString(strconv.FormatUint(m.publishFailures.Load(), 10))
	b.WriteString("\n")
	b.WriteString("# TYPE latencylens_rate_limited_total counter\n")
	b.WriteString("latencylens_rate_limited_total ")
	b.WriteString(strconv.FormatUint(m.rateLimited.Load(), 10))
	b.WriteString("\n")
	b.WriteString("# TYPE latencylens_runs_active gauge\n")
	b.WriteString("latencylens_runs_active ")
	b.WriteString(strconv.Itoa(runsActive))
	b.WriteString("\n")
	b.WriteString("# TYPE latencylens_ws_clients gauge\n")
	b.WriteString("latencylens_ws_clients ")
	b.WriteString(strconv.Itoa(wsClients))
	b.WriteString("\n")
	b.WriteString("# TYPE latencylens_memory_alloc_bytes gauge\n")
	b.WriteString("latencylens_memory_alloc_bytes ")
	b.WriteString(strconv.FormatUint(memoryAlloc, 10))
	b.WriteString("\n")
	b.WriteString("# TYPE latencylens_uptime_seconds gauge\n")
	b.WriteString("latencylens_uptime_seconds ")
	if startTime.IsZero() {
		b.WriteString("0\n")
	} else {
		b.WriteString(formatFloat(time.Since(startTime).Seconds()))
		b.WriteString("\n")
	}
	return b.String()
}

func writeCloudGauge(b *strings.Builder, name string, clouds []string, value func(string) float64) {
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" gauge\n")
	for _, cloud := range clouds {
		b.WriteString(name)
		b.WriteString("{cloud=\"")
		b.WriteString(escapeLabel(cloud))
		b.WriteString("\"} ")
		b.WriteString(formatFloat(value(cloud)))
		b.WriteString("\n")
	}
}

func writeLabeledCounter(b *strings.Builder, name, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" counter\n")
	for _, k := range keys {
		b.WriteString(name)
		b.WriteString("{")
		b.WriteString(label)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(k))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(values[k], 10))
		b.WriteString("\n")
	}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}

func copyUint64Map(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func formatFloat(val float64) string {
	return strconv.FormatFloat(val, 'f', 6, 64)
}
