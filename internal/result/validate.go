package result

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(latencyStructLevel, LatencyStats{})
		validate.RegisterStructValidation(throughputStructLevel, ThroughputStats{})
	})
	return validate
}

// Validate checks a submitted result before it is stored. The returned error
// lists every offending field by its JSON path.
func Validate(r TestResult) error {
	if !r.Classification.Valid() {
		return fmt.Errorf("classification: must be GOOD, FAIR or POOR")
	}
	err := payloadValidator().Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %s", jsonPath(fe.Namespace()), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

func latencyStructLevel(sl validator.StructLevel) {
	stats := sl.Current().Interface().(LatencyStats)
	for _, s := range stats.Samples {
		if s < 0 {
			sl.ReportError(stats.Samples, "Samples", "samples", "nonneg", "")
			break
		}
	}
	if len(stats.Samples) > 0 && (stats.Avg == nil || stats.Median == nil || stats.P95 == nil || stats.Jitter == nil) {
		sl.ReportError(stats.Avg, "Avg", "avg", "required_with_samples", "")
	}
}

func throughputStructLevel(sl validator.StructLevel) {
	stats := sl.Current().Interface().(ThroughputStats)
	if stats.Mbps != nil && *stats.Mbps < 0 {
		sl.ReportError(stats.Mbps, "Mbps", "mbps", "gte", "0")
	}
}

var jsonNames = map[string]string{
	"TestResult":     "",
	"Cloud":          "cloud",
	"Timestamp":      "timestamp",
	"UserAgent":      "userAgent",
	"Screen":         "screen",
	"IP":             "ip",
	"Ping":           "ping",
	"Download":       "download",
	"Upload":         "upload",
	"Classification": "classification",
	"Samples":        "samples",
	"Timeouts":       "timeouts",
	"Avg":            "avg",
	"Loss":           "loss",
	"Bytes":          "bytes",
	"Seconds":        "seconds",
	"Mbps":           "mbps",
}

func jsonPath(namespace string) string {
	segments := strings.Split(namespace, ".")
	out := segments[:0]
	for _, seg := range segments {
		name, ok := jsonNames[seg]
		if !ok {
			name = seg
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return strings.Join(out, ".")
}
