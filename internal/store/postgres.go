package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/result"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS test_results (
  id BIGSERIAL PRIMARY KEY,
  run_id TEXT,
  cloud TEXT NOT NULL,
  timestamp TIMESTAMPTZ NOT NULL,
  user_agent TEXT NOT NULL,
  screen TEXT NOT NULL,
  ip TEXT,
  ping_json JSONB NOT NULL,
  download_json JSONB NOT NULL,
  upload_json JSONB NOT NULL,
  classification TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_test_results_cloud ON test_results(cloud);
CREATE INDEX IF NOT EXISTS idx_test_results_created_at ON test_results(created_at);
`

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects using connString and creates the schema if needed.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Insert(ctx context.Context, res result.TestResult) (Record, error) {
	enc, err := encodeStats(res)
	if err != nil {
		return Record{}, err
	}
	const insert = `
INSERT INTO test_results (
  run_id, cloud, timestamp, user_agent, screen, ip, ping_json, download_json, upload_json, classification
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id, created_at;
`
	rec := Record{TestResult: res}
	err = p.pool.QueryRow(ctx, insert,
		nullString(res.RunID),
		res.Cloud,
		res.Timestamp.UTC(),
		res.UserAgent,
		res.Screen,
		nullString(res.IP),
		json.RawMessage(enc.ping),
		json.RawMessage(enc.download),
		json.RawMessage(enc.upload),
		string(res.Classification),
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("insert result: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) (Page, error) {
	q = q.Normalize()
	page := Page{Data: []Record{}, Page: q.Page, PageSize: q.PageSize}

	// an empty cloud matches every row
	const count = `SELECT COUNT(*) FROM test_results WHERE ($1 = '' OR cloud = $1)`
	if err := p.pool.QueryRow(ctx, count, q.Cloud).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count results: %w", err)
	}
	const query = `
SELECT id, run_id, cloud, timestamp, user_agent, screen, ip, ping_json, download_json, upload_json, classification, created_at
  FROM test_results
 WHERE ($1 = '' OR cloud = $1)
 ORDER BY created_at DESC, id DESC
 LIMIT $2 OFFSET $3;
`
	rows, err := p.pool.Query(ctx, query, q.Cloud, q.PageSize, q.Offset())
	if err != nil {
		return Page{}, fmt.Errorf("list results: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		var runID, ip *string
		var classification string
		var timestamp, createdAt time.Time
		var enc encodedStats
		if err := row.Scan(&rec.ID, &runID, &rec.Cloud, &timestamp, &rec.UserAgent, &rec.Screen, &ip,
			&enc.ping, &enc.download, &enc.upload, &classification, &createdAt); err != nil {
			return Record{}, err
		}
		if runID != nil {
			rec.RunID = *runID
		}
		if ip != nil {
			rec.IP = *ip
		}
		rec.Timestamp = timestamp.UTC()
		rec.CreatedAt = createdAt.UTC()
		parsed, err := result.ParseClassification(classification)
		if err != nil {
			return Record{}, err
		}
		rec.Classification = parsed
		if err := enc.decodeInto(&rec.TestResult); err != nil {
			return Record{}, err
		}
		return rec, nil
	})
	if err != nil {
		return Page{}, fmt.Errorf("list results: %w", err)
	}
	page.Data = append(page.Data, records...)
	return page, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
