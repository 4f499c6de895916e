package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/blob"
	"github.com/JakeFAU/geoscrape/internal/id/uuid"
	"github.com/JakeFAU/geoscrape/internal/jobqueue"
	"github.com/JakeFAU/geoscrape/internal/scraper"
	"github.com/JakeFAU/geoscrape/internal/storage/memory"
)

func putBlob(t *testing.T, store blob.Store, key, body string) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), key, "application/json", bytes.NewBufferString(body)))
}

func newTestWorker(t *testing.T, store blob.Store) *Worker {
	t.Helper()
	scratch := t.TempDir()
	return New(func() Queue {
		return jobqueue.New(store, jobqueue.Options{ScratchDir: scratch, IDs: uuid.New()})
	}, zap.NewNop())
}

func keysWithPrefix(store *memory.BlobStore, prefix string) []string {
	var out []string
	for _, k := range store.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// failingGetStore fails reads of one key.
type failingGetStore struct {
	*memory.BlobStore
	key string
}

func (s failingGetStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == s.key {
		return nil, errors.New("connection reset")
	}
	return s.BlobStore.Get(ctx, key)
}

func TestRunPassCompletesAndDeletesJobs(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	putBlob(t, store, "Jobs/POST/a.json", `{"Key":"Raw/a.json"}`)
	putBlob(t, store, "Jobs/POST/b.json", `{"Key":"Raw/b.json"}`)
	putBlob(t, store, "Jobs/GEO/c.json", `{"Key":"Raw/c.json","city":"Austin"}`)

	var seen []string
	w := newTestWorker(t, store)
	w.Register("post", HandlerFunc(func(_ context.Context, job Job) ([]FollowUp, error) {
		seen = append(seen, job.Payload.Key)
		return nil, nil
	}))

	stats, err := w.RunPass(context.Background(), "POST")
	require.NoError(t, err)
	assert.Equal(t, Stats{Listed: 2, Completed: 2}, stats)
	assert.Equal(t, []string{"Raw/b.json", "Raw/a.json"}, seen)
	assert.Empty(t, keysWithPrefix(store, "Jobs/POST/"))
	assert.Len(t, keysWithPrefix(store, "Jobs/GEO/"), 1)
}

func TestRunPassKeepsFailedJobs(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	putBlob(t, store, "Jobs/POST/ok.json", `{"Key":"ok"}`)
	putBlob(t, store, "Jobs/POST/bad.json", `{"Key":"bad"}`)

	w := newTestWorker(t, store)
	w.Register("post", HandlerFunc(func(_ context.Context, job Job) ([]FollowUp, error) {
		if job.Payload.Key == "bad" {
			return nil, errors.New("ingestion down")
		}
		return nil, nil
	}))

	stats, err := w.RunPass(context.Background(), "post")
	require.NoError(t, err)
	assert.Equal(t, Stats{Listed: 2, Completed: 1, Failed: 1}, stats)
	assert.Equal(t, []string{"Jobs/POST/bad.json"}, keysWithPrefix(store, "Jobs/"))
}

func TestRunPassDeadLettersUnparseableJobs(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	putBlob(t, store, "Jobs/POST/broken.json", `{"NotKey":"x"}`)

	w := newTestWorker(t, store)
	called := false
	w.Register("post", HandlerFunc(func(context.Context, Job) ([]FollowUp, error) {
		called = true
		return nil, nil
	}))

	stats, err := w.RunPass(context.Background(), "post")
	require.NoError(t, err)
	assert.Equal(t, Stats{Listed: 1, DeadLettered: 1}, stats)
	assert.False(t, called)
	assert.Empty(t, keysWithPrefix(store, "Jobs/"))
	assert.Equal(t, []string{"DeadLetter/POST/broken.json"}, keysWithPrefix(store, "DeadLetter/"))
}

func TestRunPassDeadLettersUnreadableJobs(t *testing.T) {
	t.Parallel()

	mem := memory.NewBlobStore()
	putBlob(t, mem, "Jobs/POST/gone.json", `{"Key":"x"}`)
	store := failingGetStore{BlobStore: mem, key: "Jobs/POST/gone.json"}

	w := newTestWorker(t, store)
	w.Register("post", HandlerFunc(func(context.Context, Job) ([]FollowUp, error) { return nil, nil }))

	stats, err := w.RunPass(context.Background(), "post")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, []string{"DeadLetter/POST/gone.json"}, keysWithPrefix(mem, "DeadLetter/"))
}

func TestRunPassDeadLettersPermanentFailures(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	putBlob(t, store, "Jobs/GEO/nowhere.json", `{"Key":"geo","category":"coffee"}`)

	w := newTestWorker(t, store)
	searcher := &emptySearcher{}
	w.Register("geo", GeoHandler{
		Searcher: searcher,
		Results:  memory.NewResultStore(),
		Defaults: scraper.GeoConfig{MaxRadius: 10},
	})

	stats, err := w.RunPass(context.Background(), "geo")
	require.NoError(t, err)
	assert.Equal(t, Stats{Listed: 1, DeadLettered: 1}, stats)
	assert.Empty(t, searcher.coords)
	assert.Empty(t, keysWithPrefix(store, "Jobs/"))
	assert.Equal(t, []string{"DeadLetter/GEO/nowhere.json"}, keysWithPrefix(store, "DeadLetter/"))

	stats, err = w.RunPass(context.Background(), "geo")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestRunPassKeepsJobsWhenPermanentFailureCannotBeDeadLettered(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	putBlob(t, store, "Jobs/POST/a.json", `{"Key":"a"}`)

	w := newTestWorker(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	w.Register("post", HandlerFunc(func(context.Context, Job) ([]FollowUp, error) {
		cancel()
		return nil, Permanent(errors.New("not json"))
	}))

	stats, err := w.RunPass(ctx, "post")
	require.NoError(t, err)
	assert.Equal(t, Stats{Listed: 1, Failed: 1}, stats)
	assert.Equal(t, []string{"Jobs/POST/a.json"}, keysWithPrefix(store, "Jobs/"))
	assert.Empty(t, keysWithPrefix(store, "DeadLetter/"))
}

func TestRunPassSkipsVanishedJobs(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	putBlob(t, store, "Jobs/POST/a.json", `{"Key":"a"}`)
	putBlob(t, store, "Jobs/POST/b.json", `{"Key":"b"}`)

	w := newTestWorker(t, store)
	w.Register("post", HandlerFunc(func(ctx context.Context, _ Job) ([]FollowUp, error) {
		// Another consumer takes a.json while b.json is being handled.
		return nil, store.Delete(ctx, "Jobs/POST/a.json")
	}))

	stats, err := w.RunPass(context.Background(), "post")
	require.NoError(t, err)
	assert.Equal(t, Stats{Listed: 2, Completed: 1, Skipped: 1}, stats)
	assert.Empty(t, keysWithPrefix(store, "DeadLetter/"))
}

func TestRunPassEnqueuesFollowUps(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	putBlob(t, store, "Jobs/REVIEWS/r.json", `{"Key":"Lists/terms.json"}`)

	w := newTestWorker(t, store)
	w.Register("reviews", HandlerFunc(func(context.Context, Job) ([]FollowUp, error) {
		return []FollowUp{{AssetKey: "Derived/terms_reviews.json", Type: "POST"}}, nil
	}))

	stats, err := w.RunPass(context.Background(), "reviews")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)

	posts := keysWithPrefix(store, "Jobs/POST/")
	require.Len(t, posts, 1)
	rc, err := store.Get(context.Background(), posts[0])
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"Key":"Derived/terms_reviews.json"`)
	assert.Empty(t, keysWithPrefix(store, "Jobs/REVIEWS/"))
}

func TestRunPassUnknownType(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t, memory.NewBlobStore())
	_, err := w.RunPass(context.Background(), "mystery")
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestRunPassStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	putBlob(t, store, "Jobs/POST/a.json", `{"Key":"a"}`)
	putBlob(t, store, "Jobs/POST/b.json", `{"Key":"b"}`)

	ctx, cancel := context.WithCancel(context.Background())
	w := newTestWorker(t, store)
	w.Register("post", HandlerFunc(func(context.Context, Job) ([]FollowUp, error) {
		cancel()
		return nil, nil
	}))

	stats, err := w.RunPass(ctx, "post")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Completed)
	assert.Len(t, keysWithPrefix(store, "Jobs/POST/"), 1)
}

func TestRunTypesContinuesPastErrors(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	putBlob(t, store, "Jobs/POST/a.json", `{"Key":"a"}`)

	w := newTestWorker(t, store)
	w.Register("post", HandlerFunc(func(context.Context, Job) ([]FollowUp, error) { return nil, nil }))
	assert.Equal(t, []string{"post"}, w.Types())

	stats, err := w.RunTypes(context.Background(), []string{"mystery", "POST"})
	require.ErrorIs(t, err, ErrNoHandler)
	assert.Equal(t, 1, stats["post"].Completed)
}
