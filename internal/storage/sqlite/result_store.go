// Package sqlite persists geographic search results in a local SQLite file
// through gorm. It is the default result store for single-machine runs.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/geoscrape/internal/scraper"
)

// BusinessRow is the stored form of scraper.Business.
type BusinessRow struct {
	BusinessID  string `gorm:"primaryKey"`
	Name        string
	Category    string `gorm:"index"`
	Latitude    float64
	Longitude   float64
	Rating      float64
	ReviewCount int
	URL         string
	Address     string
	FoundAt     time.Time
}

// TableName implements gorm's tabler.
func (BusinessRow) TableName() string { return "businesses" }

// SearchRow is the stored form of scraper.SearchRecord.
type SearchRow struct {
	ID         uint `gorm:"primaryKey"`
	Latitude   float64
	Longitude  float64
	Category   string `gorm:"index"`
	NumUnique  int
	SearchedAt time.Time
}

// TableName implements gorm's tabler.
func (SearchRow) TableName() string { return "searches" }

// ResultStore implements scraper.Deduper and scraper.ResultWriter.
type ResultStore struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(ctx context.Context, path string) (*ResultStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	store := New(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *ResultStore {
	return &ResultStore{db: db}
}

// Migrate creates or updates the result tables.
func (s *ResultStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&BusinessRow{}, &SearchRow{}); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *ResultStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	return sqlDB.Close()
}

// FilterUnseen returns the ids without a stored business, in input order.
func (s *ResultStore) FilterUnseen(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var seenIDs []string
	if err := s.db.WithContext(ctx).
		Model(&BusinessRow{}).
		Where("business_id IN ?", ids).
		Pluck("business_id", &seenIDs).Error; err != nil {
		return nil, fmt.Errorf("query seen businesses: %w", err)
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
	if len(businesses) == 0 {
		return nil
	}
	rows := make([]BusinessRow, 0, len(businesses))
	for _, b := range businesses {
		if b.ID == "" {
			return fmt.Errorf("business id is required")
		}
		rows = append(rows, BusinessRow{
			BusinessID:  b.ID,
			Name:        b.Name,
			Category:    b.Category,
			Latitude:    b.Latitude,
			Longitude:   b.Longitude,
			Rating:      b.Rating,
			ReviewCount: b.ReviewCount,
			URL:         b.URL,
			Address:     b.Address,
			FoundAt:     b.FoundAt,
		})
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert businesses: %w", err)
	}
	return nil
}

// WriteSearch inserts a search metadata row.
func (s *ResultStore) WriteSearch(ctx context.Context, record scraper.SearchRecord) error {
	row := SearchRow{
		Latitude:   record.Latitude,
		Longitude:  record.Longitude,
		Category:   record.Category,
		NumUnique:  record.NumUnique,
		SearchedAt: record.SearchedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert search: %w", err)
	}
	return nil
}

// SearchCount returns the number of search rows for category.
func (s *ResultStore) SearchCount(ctx context.Context, category string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&SearchRow{}).Where("category = ?", category).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count searches: %w", err)
	}
	return n, nil
}
