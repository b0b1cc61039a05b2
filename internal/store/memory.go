package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/result"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	nextID  int64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, now: time.Now}
}

func (m *MemoryStore) Insert(ctx context.Context, res result.TestResult) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{
		ID:         m.nextID,
		TestResult: res,
		CreatedAt:  m.now().UTC().Truncate(time.Millisecond),
	}
	m.nextID++
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) (Page, error) {
	q = q.Normalize()
	m.mu.RLock()
	matched := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if q.Cloud == "" || rec.Cloud == q.Cloud {
			matched = append(matched, rec)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := Page{Data: []Record{}, Page: q.Page, PageSize: q.PageSize, Total: int64(len(matched))}
	start := q.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	page.Data = append(page.Data, matched[start:end]...)
	return page, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
