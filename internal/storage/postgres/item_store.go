package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsintel/intelhub/internal/intel"
)

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool builds a pgx pool from the config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	return pool, nil
}

// ItemStore persists raw items in Postgres.
type ItemStore struct {
	pool dbPool
}

// NewItemStore constructs a store from an existing pool.
func NewItemStore(pool dbPool) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ItemStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const itemColumns = `id, fingerprint, source_url, title, body, informant, published_at, collected_at, status, attempts, next_eligible_at, last_error`

// Reserve inserts the item, claiming its fingerprint atomically. A conflict
// on the fingerprint's unique constraint means another submission already
// holds it; no partial write occurs.
func (s *ItemStore) Reserve(ctx context.Context, item intel.RawItem) error {
	if item.ID == "" {
		return fmt.Errorf("item id is required")
	}
	if item.Fingerprint == "" {
		return fmt.Errorf("item fingerprint is required")
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO raw_items (`+itemColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (fingerprint) DO NOTHING`,
		item.ID,
		item.Fingerprint,
		item.SourceURL,
		item.Title,
		item.Body,
		item.Informant,
		item.PublishedAt,
		item.CollectedAt,
		string(item.Status),
		item.Attempts,
		item.NextEligible,
		item.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert raw item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return intel.ErrDuplicateFingerprint
	}
	return nil
}

// UpdateStatus records a state transition plus retry bookkeeping.
func (s *ItemStore) UpdateStatus(ctx context.Context, itemID string, status intel.ItemStatus, attempts int, nextEligible *time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE raw_items
SET status = $2, attempts = $3, next_eligible_at = $4, last_error = $5
WHERE id = $1`,
		itemID, string(status), attempts, nextEligible, lastError,
	)
	if err != nil {
		return fmt.Errorf("update item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return intel.ErrNotFound
	}
	return nil
}

// MarkAnalyzing claims a queued item for analysis. The status check rides in
// the WHERE clause so two claimants racing over the same row cannot both win;
// the loser sees zero rows and gets ErrNotFound.
func (s *ItemStore) MarkAnalyzing(ctx context.Context, itemID string) (intel.RawItem, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE raw_items
SET status = 'analyzing', attempts = attempts + 1, next_eligible_at = NULL, last_error = ''
WHERE id = $1 AND status = 'queued'
RETURNING `+itemColumns, itemID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return intel.RawItem{}, intel.ErrNotFound
		}
		return intel.RawItem{}, fmt.Errorf("claim item for analysis: %w", err)
	}
	return item, nil
}

// MarkQueued re-queues an item only if it still holds the expected status.
func (s *ItemStore) MarkQueued(ctx context.Context, itemID string, from intel.ItemStatus) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE raw_items
SET status = 'queued', next_eligible_at = NULL
WHERE id = $1 AND status = $2`,
		itemID, string(from),
	)
	if err != nil {
		return fmt.Errorf("requeue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return intel.ErrNotFound
	}
	return nil
}

// GetItem fetches one raw item by ID.
func (s *ItemStore) GetItem(ctx context.Context, itemID string) (intel.RawItem, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+itemColumns+`
FROM raw_items
WHERE id = $1`, itemID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return intel.RawItem{}, intel.ErrNotFound
		}
		return intel.RawItem{}, fmt.Errorf("get raw item: %w", err)
	}
	return item, nil
}

// ListResumable returns items that were in flight when the service stopped.
func (s *ItemStore) ListResumable(ctx context.Context, limit int) ([]intel.RawItem, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+itemColumns+`
FROM raw_items
WHERE status IN ('submitted', 'queued', 'analyzing')
ORDER BY collected_at
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list resumable items: %w", err)
	}
	return collectItems(rows)
}

// ListRetryDue returns parked items whose backoff has elapsed.
func (s *ItemStore) ListRetryDue(ctx context.Context, now time.Time, limit int) ([]intel.RawItem, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+itemColumns+`
FROM raw_items
WHERE status = 'retry_pending' AND next_eligible_at <= $1
ORDER BY next_eligible_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retry-due items: %w", err)
	}
	return collectItems(rows)
}

func collectItems(rows pgx.Rows) ([]intel.RawItem, error) {
	defer rows.Close()
	var items []intel.RawItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw items: %w", err)
	}
	return items, nil
}

func scanItem(row pgx.Row) (intel.RawItem, error) {
	var item intel.RawItem
	var status string
	err := row.Scan(
		&item.ID,
		&item.Fingerprint,
		&item.SourceURL,
		&item.Title,
		&item.Body,
		&item.Informant,
		&item.PublishedAt,
		&item.CollectedAt,
		&status,
		&item.Attempts,
		&item.NextEligible,
		&item.LastError,
	)
	if err != nil {
		return intel.RawItem{}, err
	}
	item.Status = intel.ItemStatus(status)
	return item, nil
}
