package app_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/app"
	"github.com/JakeFAU/geoscrape/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadWithEnvFile("", "")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.DB.Driver = "memory"
	cfg.Queue.ScratchDir = t.TempDir()
	cfg.Dispatch.JitterMaxMs = 0
	cfg.Search.APIKey = ""
	cfg.PubSub = config.PubSubConfig{}
	return cfg
}

func TestNewWithMemoryBackends(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	assert.Equal(t, []string{"post", "reviews"}, a.Worker().Types())
	assert.Equal(t, []string{"post", "reviews"}, a.WorkerTypes())
	require.NoError(t, a.Ready(context.Background()))
	assert.NotNil(t, a.Server().Handler())
}

func TestEnqueueIsAnnouncedInProcessWithoutTopic(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	d, err := a.NewQueue().Enqueue(context.Background(), "Derived/users.json", "post", nil)
	require.NoError(t, err)

	got := a.Announcements(0)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]string{"descriptor": string(d), "type": "POST", "key": "Derived/users.json"}, got[0].Payload)

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/announcements", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(d))
}

func TestNewRegistersGeoWithAPIKey(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Search.APIKey = "secret"
	cfg.Worker.Types = []string{"GEO"}

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	assert.Equal(t, []string{"geo", "post", "reviews"}, a.Worker().Types())
	assert.Equal(t, []string{"geo"}, a.WorkerTypes())
}

func TestNewSQLiteResults(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.DB.Driver = "sqlite"
	cfg.DB.SQLitePath = ":memory:"

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestNewRejectsUnknownMatcher(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Queue.Match = "regex"
	_, err := app.New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestPostJobFlowsToIngestion(t *testing.T) {
	t.Parallel()

	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := memoryConfig(t)
	cfg.Dispatch.Endpoint = srv.URL
	cfg.Dispatch.MaxSize = 2

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ctx := context.Background()
	require.NoError(t, a.Store().Put(ctx, "Derived/users.json", "application/json",
		bytes.NewBufferString(`{"table_name":"users","data":[{"id":1},{"id":2},{"id":3}]}`)))
	_, err = a.NewQueue().Enqueue(ctx, "Derived/users.json", "post", nil)
	require.NoError(t, err)

	stats, err := a.Worker().RunTypes(ctx, a.WorkerTypes())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["post"].Completed)
	assert.Equal(t, int32(2), posts.Load())

	left, err := a.NewQueue().List(ctx, "post")
	require.NoError(t, err)
	assert.Empty(t, left)
}
