// Package store persists submitted test results.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/result"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// timeLayout has a fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Record is a stored result.
type Record struct {
	ID int64 `json:"id"`
	result.TestResult
	CreatedAt time.Time `json:"createdAt"`
}

// Query selects a page of records, newest first.
type Query struct {
	Cloud    string
	Page     int
	PageSize int
}

// Normalize clamps page to >= 1 and page size to 1..100, defaulting to 20.
func (q Query) Normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize < 1 {
		q.PageSize = 1
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	q.Cloud = strings.TrimSpace(q.Cloud)
	return q
}

func (q Query) Offset() int {
	return (q.Page - 1) * q.PageSize
}

type Page struct {
	Data     []Record `json:"data"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
	Total    int64    `json:"total"`
}

type Store interface {
	// Insert stores res and returns it with its assigned id and creation time.
	Insert(ctx context.Context, res result.TestResult) (Record, error)
	List(ctx context.Context, q Query) (Page, error)
	Close() error
}

type encodedStats struct {
	ping     []byte
	download []byte
	upload   []byte
}

func encodeStats(res result.TestResult) (encodedStats, error) {
	var enc encodedStats
	var err error
	if enc.ping, err = json.Marshal(res.Ping); err != nil {
		return enc, fmt.Errorf("encode ping: %w", err)
	}
	if enc.download, err = json.Marshal(res.Download); err != nil {
		return enc, fmt.Errorf("encode download: %w", err)
	}
	if enc.upload, err = json.Marshal(res.Upload); err != nil {
		return enc, fmt.Errorf("encode upload: %w", err)
	}
	return enc, nil
}

func (e encodedStats) decodeInto(res *result.TestResult) error {
	if err := json.Unmarshal(e.ping, &res.Ping); err != nil {
		return fmt.Errorf("decode ping: %w", err)
	}
	if err := json.Unmarshal(e.download, &res.Download); err != nil {
		return fmt.Errorf("decode download: %w", err)
	}
	if err := json.Unmarshal(e.upload, &res.Upload); err != nil {
		return fmt.Errorf("decode upload: %w", err)
	}
	return nil
}

func nullString(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}
