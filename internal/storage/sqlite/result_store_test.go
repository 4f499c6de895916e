package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/geoscrape/internal/scraper"
)

func setupTestStore(t *testing.T) *ResultStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestResultStoreDedupes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	unseen, err := s.FilterUnseen(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, unseen)

	require.NoError(t, s.WriteBusinesses(ctx, []scraper.Business{
		{ID: "a", Name: "Alpha", Category: "tacos"},
		{ID: "c", Name: "Gamma", Category: "tacos"},
	}))
	// Duplicates are ignored rather than rejected.
	require.NoError(t, s.WriteBusinesses(ctx, []scraper.Business{{ID: "a", Name: "Alpha again"}}))

	unseen, err = s.FilterUnseen(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, unseen)

	var row BusinessRow
	require.NoError(t, s.db.First(&row, "business_id = ?", "a").Error)
	assert.Equal(t, "Alpha", row.Name)
}

func TestResultStoreWriteSearch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, s.WriteSearch(ctx, scraper.SearchRecord{
			Latitude: 1, Longitude: 2, Category: "tacos", NumUnique: i, SearchedAt: at,
		}))
	}
	require.NoError(t, s.WriteSearch(ctx, scraper.SearchRecord{Category: "pizza", SearchedAt: at}))

	n, err := s.SearchCount(ctx, "tacos")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestResultStoreRejectsMissingID(t *testing.T) {
	s := setupTestStore(t)
	require.Error(t, s.WriteBusinesses(context.Background(), []scraper.Business{{Name: "no id"}}))
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.WriteSearch(context.Background(), scraper.SearchRecord{Category: "tacos"}))
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), "")
	require.Error(t, err)
}
