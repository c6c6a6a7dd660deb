// Package store persists evidence records and batch membership in SQLite.
//
// Every request produces exactly one record: captured records carry the PNG,
// failed records carry only their attempt history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/use-agent/proofshot/models"
)

// ErrNotFound is returned when no record (or image) exists for an ID.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS evidence (
	request_id   TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	target_text  TEXT NOT NULL,
	status       TEXT NOT NULL,
	engine       TEXT NOT NULL DEFAULT '',
	selector     TEXT NOT NULL DEFAULT '',
	region_json  TEXT,
	stats_json   TEXT,
	attempts     TEXT NOT NULL DEFAULT '[]',
	preflight    TEXT,
	image        BLOB,
	html         TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS evidence_url ON evidence(url);

CREATE TABLE IF NOT EXISTS batches (
	id          TEXT PRIMARY KEY,
	total       INTEGER NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_items (
	batch_id   TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	request_id TEXT NOT NULL,
	PRIMARY KEY (batch_id, position)
);
`

// Store is a SQLite-backed evidence store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if memory {
		// Each connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: exec schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Save inserts or replaces the record for rec.RequestID.
func (s *Store) Save(ctx context.Context, rec *models.EvidenceRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("store: save: empty request id")
	}
	region, err := nullableJSON(rec.Region)
	if err != nil {
		return err
	}
	stats, err := nullableJSON(rec.Stats)
	if err != nil {
		return err
	}
	pre, err := nullableJSON(rec.Preflight)
	if err != nil {
		return err
	}
	attempts := rec.Attempts
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	att, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("store: encode attempts: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO evidence
	(request_id, url, target_text, status, engine, selector,
	 region_json, stats_json, attempts, preflight, image, html, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.URL, rec.TargetText, rec.Status, rec.Engine, rec.Selector,
		region, stats, string(att), pre, rec.Image, rec.HTML, createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", rec.RequestID, err)
	}
	return nil
}

// Get returns the record for id without its image or HTML.
func (s *Store) Get(ctx context.Context, id string) (*models.EvidenceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT request_id, url, target_text, status, engine, selector,
       region_json, stats_json, attempts, preflight, created_at
FROM evidence WHERE request_id = ?`, id)
	return scanRecord(row)
}

// Image returns the PNG stored for id. Failed records have no image and
// report ErrNotFound.
func (s *Store) Image(ctx context.Context, id string) ([]byte, error) {
	var img []byte
	err := s.db.QueryRowContext(ctx, `SELECT image FROM evidence WHERE request_id = ?`, id).Scan(&img)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(img) == 0) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: image %s: %w", id, err)
	}
	return img, nil
}

// HTML returns the raw HTML exported for id, if any.
func (s *Store) HTML(ctx context.Context, id string) (string, error) {
	var html string
	err := s.db.QueryRowContext(ctx, `SELECT html FROM evidence WHERE request_id = ?`, id).Scan(&html)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: html %s: %w", id, err)
	}
	return html, nil
}

// CreateBatch records a batch and the request IDs it will produce, in order.
func (s *Store) CreateBatch(ctx context.Context, id, webhookURL string, requestIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (id, total, webhook_url, created_at) VALUES (?, ?, ?, ?)`,
		id, len(requestIDs), webhookURL, time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("store: create batch %s: %w", id, err)
	}
	for i, rid := range requestIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_items (batch_id, position, request_id) VALUES (?, ?, ?)`,
			id, i, rid); err != nil {
			return fmt.Errorf("store: batch item %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Batch returns the batch's size and the records stored so far, in
// submission order.
func (s *Store) Batch(ctx context.Context, id string) (total int, records []*models.EvidenceRecord, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT total FROM batches WHERE id = ?`, id).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("store: batch %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT e.request_id, e.url, e.target_text, e.status, e.engine, e.selector,
       e.region_json, e.stats_json, e.attempts, e.preflight, e.created_at
FROM batch_items b JOIN evidence e ON e.request_id = b.request_id
WHERE b.batch_id = ?
ORDER BY b.position`, id)
	if err != nil {
		return 0, nil, fmt.Errorf("store: batch %s items: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return 0, nil, err
		}
		records = append(records, rec)
	}
	return total, records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*models.EvidenceRecord, error) {
	var (
		rec                models.EvidenceRecord
		region, stats, pre sql.NullString
		attempts           string
		createdAt          int64
	)
	err := sc.Scan(&rec.RequestID, &rec.URL, &rec.TargetText, &rec.Status, &rec.Engine, &rec.Selector,
		&region, &stats, &attempts, &pre, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan: %w", err)
	}
	if region.Valid {
		rec.Region = new(models.Region)
		if err := json.Unmarshal([]byte(region.String), rec.Region); err != nil {
			return nil, fmt.Errorf("store: decode region: %w", err)
		}
	}
	if stats.Valid {
		rec.Stats = new(models.ConsentStats)
		if err := json.Unmarshal([]byte(stats.String), rec.Stats); err != nil {
			return nil, fmt.Errorf("store: decode stats: %w", err)
		}
	}
	if pre.Valid {
		rec.Preflight = new(models.PreflightReport)
		if err := json.Unmarshal([]byte(pre.String), rec.Preflight); err != nil {
			return nil, fmt.Errorf("store: decode preflight: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(attempts), &rec.Attempts); err != nil {
		return nil, fmt.Errorf("store: decode attempts: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

// nullableJSON encodes v, mapping a nil pointer to SQL NULL.
func nullableJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encode: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
