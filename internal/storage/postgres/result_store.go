// Package postgres persists geographic search results in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/geoscrape/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	BusinessTable   string
	SearchTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// ResultStore implements scraper.Deduper and scraper.ResultWriter.
type ResultStore struct {
	pool          pool
	businessTable string
	searchTable   string
}

// NewResultStore connects to Postgres using cfg.
func NewResultStore(ctx context.Context, cfg Config) (*ResultStore, error) {
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewResultStoreWithPool(p, cfg.BusinessTable, cfg.SearchTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(p pool, businessTable, searchTable string) (*ResultStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if businessTable == "" {
		businessTable = "businesses"
	}
	if searchTable == "" {
		searchTable = "searches"
	}
	for _, table := range []string{businessTable, searchTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &ResultStore{pool: p, businessTable: businessTable, searchTable: searchTable}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the result tables when they do not exist.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	business_id  TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	category     TEXT NOT NULL,
	latitude     DOUBLE PRECISION NOT NULL,
	longitude    DOUBLE PRECISION NOT NULL,
	rating       DOUBLE PRECISION,
	review_count INTEGER,
	url          TEXT,
	address      TEXT,
	found_at     TIMESTAMPTZ
)`, s.businessTable),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          BIGSERIAL PRIMARY KEY,
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	category    TEXT NOT NULL,
	num_unique  INTEGER NOT NULL,
	searched_at TIMESTAMPTZ NOT NULL
)`, s.searchTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// FilterUnseen returns the ids without a stored business, in input order.
func (s *ResultStore) FilterUnseen(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT business_id FROM %s WHERE business_id = ANY($1)`, s.businessTable)
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query seen businesses: %w", err)
	}
	seenIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan seen businesses: %w", err)
	}
	seen := make(map[string]struct{}, len(seenIDs))
	for _, id := range seenIDs {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// WriteBusinesses inserts businesses, ignoring IDs that already exist.
func (s *ResultStore) WriteBusinesses(ctx context.Context, businesses []scraper.Business) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	business_id, name, category, latitude, longitude, rating, review_count, url, address, found_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
) ON CONFLICT (business_id) DO NOTHING`, s.businessTable)
	for _, b := range businesses {
		if b.ID == "" {
			return fmt.Errorf("business id is required")
		}
		if _, err := s.pool.Exec(ctx, query,
			b.ID, b.Name, b.Category, b.Latitude, b.Longitude,
			b.Rating, b.ReviewCount, b.URL, b.Address, b.FoundAt,
		); err != nil {
			return fmt.Errorf("insert business %s: %w", b.ID, err)
		}
	}
	return nil
}

// WriteSearch inserts a search metadata row.
func (s *ResultStore) WriteSearch(ctx context.Context, record scraper.SearchRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (latitude, longitude, category, num_unique, searched_at)
VALUES ($1,$2,$3,$4,$5)`, s.searchTable)
	if _, err := s.pool.Exec(ctx, query,
		record.Latitude, record.Longitude, record.Category, record.NumUnique, record.SearchedAt,
	); err != nil {
		return fmt.Errorf("insert search: %w", err)
	}
	return nil
}
