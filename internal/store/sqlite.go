package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/result"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS test_results (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT,
  cloud TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  user_agent TEXT NOT NULL,
  screen TEXT NOT NULL,
  ip TEXT,
  ping_json TEXT NOT NULL,
  download_json TEXT NOT NULL,
  upload_json TEXT NOT NULL,
  classification TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_results_cloud ON test_results(cloud);
CREATE INDEX IF NOT EXISTS idx_test_results_created_at ON test_results(created_at);
`

// SQLiteStore implements Store on a local SQLite file in WAL mode.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, res result.TestResult) (Record, error) {
	enc, err := encodeStats(res)
	if err != nil {
		return Record{}, err
	}
	createdAt := s.now().UTC().Truncate(time.Millisecond)
	const insert = `
INSERT INTO test_results (
  run_id, cloud, timestamp, user_agent, screen, ip, ping_json, download_json, upload_json, classification, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	out, err := s.db.ExecContext(ctx, insert,
		nullString(res.RunID),
		res.Cloud,
		res.Timestamp.UTC().Format(timeLayout),
		res.UserAgent,
		res.Screen,
		nullString(res.IP),
		string(enc.ping),
		string(enc.download),
		string(enc.upload),
		string(res.Classification),
		createdAt.Format(timeLayout),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert result: %w", err)
	}
	id, err := out.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("insert result: %w", err)
	}
	return Record{ID: id, TestResult: res, CreatedAt: createdAt}, nil
}

func (s *SQLiteStore) List(ctx context.Context, q Query) (Page, error) {
	q = q.Normalize()
	page := Page{Data: []Record{}, Page: q.Page, PageSize: q.PageSize}

	const columns = `id, run_id, cloud, timestamp, user_agent, screen, ip, ping_json, download_json, upload_json, classification, created_at`
	var rows *sql.Rows
	var err error
	if q.Cloud != "" {
		if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_results WHERE cloud = ?`, q.Cloud).Scan(&page.Total); err != nil {
			return Page{}, fmt.Errorf("count results: %w", err)
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM test_results WHERE cloud = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			q.Cloud, q.PageSize, q.Offset())
	} else {
		if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_results`).Scan(&page.Total); err != nil {
			return Page{}, fmt.Errorf("count results: %w", err)
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM test_results ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			q.PageSize, q.Offset())
	}
	if err != nil {
		return Page{}, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec Record
		var runID, ip sql.NullString
		var timestamp, createdAt, classification string
		var enc encodedStats
		if err := rows.Scan(&rec.ID, &runID, &rec.Cloud, &timestamp, &rec.UserAgent, &rec.Screen, &ip,
			&enc.ping, &enc.download, &enc.upload, &classification, &createdAt); err != nil {
			return Page{}, fmt.Errorf("scan result: %w", err)
		}
		rec.RunID = runID.String
		rec.IP = ip.String
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return Page{}, fmt.Errorf("parse timestamp of %d: %w", rec.ID, err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return Page{}, fmt.Errorf("parse created_at of %d: %w", rec.ID, err)
		}
		if rec.Classification, err = result.ParseClassification(classification); err != nil {
			return Page{}, fmt.Errorf("result %d: %w", rec.ID, err)
		}
		if err := enc.decodeInto(&rec.TestResult); err != nil {
			return Page{}, fmt.Errorf("result %d: %w", rec.ID, err)
		}
		page.Data = append(page.Data, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list results: %w", err)
	}
	return page, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
