package util

import "fmt"

// FormatMbps renders a throughput figure, or "-" when it is unknown.
func FormatMbps(mbps *float64) string {
	if mbps == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f Mbps", *mbps)
}

// FormatMs renders a latency figure, or "-" when it is unknown.
func FormatMs(ms *float64) string {
	if ms == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f ms", *ms)
}

// FormatBytes formats byte counts with binary units.
func FormatBytes(bytes float64) string {
	return formatWithUnits(bytes, []string{"B", "KiB", "MiB", "GiB", "TiB"}, 1024)
}

func formatWithUnits(value float64, units []string, base float64) string {
	if value < 0 {
		return "0"
	}
	idx := 0
	for value >= base && idx < len(units)-1 {
		value /= base
		idx++
	}
	if value >= 100 {
		return fmt.Sprintf("%.0f %s", value, units[idx])
	}
	if value >= 10 {
		return fmt.Sprintf("%.1f %s", value, units[idx])
	}
	return fmt.Sprintf("%.2f %s", value, units[idx])
}
