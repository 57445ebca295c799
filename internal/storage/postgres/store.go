// Package postgres provides Postgres-backed persistence for the pipeline.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courtdata/statpipe/internal/pipeline"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements pipeline.Store on Postgres. Raw pages, stat lines, and
// dead letters each get a table; JSON-shaped columns are JSONB.
type Store struct {
	pool db
}

// New creates a Store backed by a new connection pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool db) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the pipeline tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scraped_pages (
			url TEXT PRIMARY KEY,
			body BYTEA NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			status_code INT NOT NULL DEFAULT 0,
			used_headless BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			fetched_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS stat_lines (
			player_name TEXT NOT NULL,
			season_type TEXT NOT NULL,
			stats JSONB NOT NULL,
			per_game JSONB,
			stats_raw JSONB,
			source_url TEXT NOT NULL DEFAULT '',
			scraped_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (player_name, season_type)
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			error TEXT NOT NULL,
			metadata JSONB,
			worker_id TEXT NOT NULL DEFAULT '',
			failed_at TIMESTAMPTZ NOT NULL,
			retry_count INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS dead_letters_failed_at_idx
			ON dead_letters (failed_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Exists reports whether a page row exists for the URL.
func (s *Store) Exists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scraped_pages WHERE url = $1)`, url,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query page exists: %w", err)
	}
	return exists, nil
}

// StorePage inserts or replaces the page row for page.URL. Replacing on
// conflict keeps redelivered tasks idempotent.
func (s *Store) StorePage(ctx context.Context, page pipeline.PageDocument) error {
	if page.URL == "" {
		return fmt.Errorf("page url is required")
	}
	metadata, err := json.Marshal(page.Metadata)
	if err != nil {
		return fmt.Errorf("marshal page metadata: %w", err)
	}
	query := `
INSERT INTO scraped_pages (
	url, body, content_type, status_code, used_headless, status,
	content_hash, fetched_at, duration_ms, metadata
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (url) DO UPDATE SET
	body = EXCLUDED.body,
	content_type = EXCLUDED.content_type,
	status_code = EXCLUDED.status_code,
	used_headless = EXCLUDED.used_headless,
	status = EXCLUDED.status,
	content_hash = EXCLUDED.content_hash,
	fetched_at = EXCLUDED.fetched_at,
	duration_ms = EXCLUDED.duration_ms,
	metadata = EXCLUDED.metadata`
	_, err = s.pool.Exec(ctx, query,
		page.URL,
		page.Body,
		page.ContentType,
		page.StatusCode,
		page.UsedHeadless,
		page.Status,
		page.ContentHash,
		page.FetchedAt,
		page.DurationMs,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// GetPage loads the page row for a URL, or pipeline.ErrNotFound.
func (s *Store) GetPage(ctx context.Context, url string) (pipeline.PageDocument, error) {
	query := `
SELECT url, body, content_type, status_code, used_headless, status,
	content_hash, fetched_at, duration_ms, metadata
FROM scraped_pages WHERE url = $1`
	var (
		page     pipeline.PageDocument
		metadata []byte
	)
	err := s.pool.QueryRow(ctx, query, url).Scan(
		&page.URL,
		&page.Body,
		&page.ContentType,
		&page.StatusCode,
		&page.UsedHeadless,
		&page.Status,
		&page.ContentHash,
		&page.FetchedAt,
		&page.DurationMs,
		&metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.PageDocument{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.PageDocument{}, fmt.Errorf("query page: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &page.Metadata); err != nil {
			return pipeline.PageDocument{}, fmt.Errorf("unmarshal page metadata: %w", err)
		}
	}
	return page, nil
}

// UpsertRecord inserts or replaces a stat line keyed by
// (player_name, season_type).
func (s *Store) UpsertRecord(ctx context.Context, line pipeline.StatLine) error {
	if line.PlayerName == "" || line.SeasonType == "" {
		return fmt.Errorf("player_name and season_type are required")
	}
	stats, err := json.Marshal(line.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	perGame, err := json.Marshal(line.PerGame)
	if err != nil {
		return fmt.Errorf("marshal per_game: %w", err)
	}
	raw, err := json.Marshal(line.RawStats)
	if err != nil {
		return fmt.Errorf("marshal stats_raw: %w", err)
	}
	query := `
INSERT INTO stat_lines (
	player_name, season_type, stats, per_game, stats_raw, source_url, scraped_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (player_name, season_type) DO UPDATE SET
	stats = EXCLUDED.stats,
	per_game = EXCLUDED.per_game,
	stats_raw = EXCLUDED.stats_raw,
	source_url = EXCLUDED.source_url,
	scraped_at = EXCLUDED.scraped_at`
	_, err = s.pool.Exec(ctx, query,
		line.PlayerName,
		line.SeasonType,
		stats,
		perGame,
		raw,
		line.SourceURL,
		line.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert stat line: %w", err)
	}
	return nil
}

// CountRecords returns the number of stat line rows.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stat_lines`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count stat lines: %w", err)
	}
	return count, nil
}

// SaveDeadLetter appends a dead letter row.
func (s *Store) SaveDeadLetter(ctx context.Context, rec pipeline.DeadLetterRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal dead letter metadata: %w", err)
	}
	query := `
INSERT INTO dead_letters (url, error, metadata, worker_id, failed_at, retry_count)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err = s.pool.Exec(ctx, query,
		rec.URL,
		rec.Error,
		metadata,
		rec.WorkerID,
		rec.FailedAt,
		rec.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns up to limit dead letters, newest first. A
// non-positive limit falls back to 100.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]pipeline.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT url, error, metadata, worker_id, failed_at, retry_count
FROM dead_letters ORDER BY failed_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []pipeline.DeadLetterRecord
	for rows.Next() {
		var (
			rec      pipeline.DeadLetterRecord
			metadata []byte
		)
		if err := rows.Scan(&rec.URL, &rec.Error, &metadata, &rec.WorkerID, &rec.FailedAt, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal dead letter metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
