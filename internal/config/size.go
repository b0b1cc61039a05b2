package config

import (
	"fmt"
	"math"
	"strings"
)

// ParseSize parses a human-readable size string to bytes.
// Supports formats: "100", "100b", "500kb", "1mb", "8kib", "8mib", "1gib"
// (case insensitive). kb/mb/gb are decimal (1000), kib/mib/gib are binary (1024).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	s = strings.ToLower(strings.ReplaceAll(s, " ", ""))

	multiplier := float64(1)
	numStr := s

	switch {
	case strings.HasSuffix(s, "kib"):
		multiplier = 1 << 10
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "mib"):
		multiplier = 1 << 20
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "gib"):
		multiplier = 1 << 30
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "kb"):
		multiplier = 1_000
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "mb"):
		multiplier = 1_000_000
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "gb"):
		multiplier = 1_000_000_000
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "b"):
		numStr = s[:len(s)-1]
	}

	if numStr == "" {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	var value float64
	if _, err := fmt.Sscanf(numStr, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}

	return int64(math.Round(value * multiplier)), nil
}
