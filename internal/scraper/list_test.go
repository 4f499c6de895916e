package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type termSearcher struct {
	failures map[string]error
	calls    []string
}

func (s *termSearcher) SearchItem(_ context.Context, item string) ([]Record, error) {
	s.calls = append(s.calls, item)
	if err := s.failures[item]; err != nil {
		return nil, err
	}
	return []Record{{"term": item, "text": "good"}}, nil
}

type itemSink struct {
	written map[string][]Record
	fail    map[string]bool
}

func (w *itemSink) WriteItems(_ context.Context, item string, records []Record) error {
	if w.fail[item] {
		return errors.New("write rejected")
	}
	w.written[item] = records
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestListScraperIsolatesFailures(t *testing.T) {
	t.Parallel()

	backlog := make([]string, 10)
	for i := range backlog {
		backlog[i] = fmt.Sprintf("term-%d", i)
	}
	searcher := &termSearcher{failures: map[string]error{
		"term-1": errors.New("parse failure"),
		"term-4": Transient(errors.New("429 too many requests")),
		"term-8": fmt.Errorf("fetch: %w", timeoutErr{}),
	}}
	sink := &itemSink{written: map[string][]Record{}}

	s, err := NewListScraper(backlog, searcher, sink, nil)
	require.NoError(t, err)
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, s.State())

	require.Len(t, sum.Completed, 7)
	require.Len(t, sum.Failed, 3)
	failed := map[string]ItemResult{}
	for _, r := range sum.Failed {
		failed[r.Item] = r
	}
	for _, item := range sum.Completed {
		_, dup := failed[item]
		assert.False(t, dup, item)
		assert.Len(t, sink.written[item], 1)
	}
	assert.False(t, failed["term-1"].Retryable)
	assert.True(t, failed["term-4"].Retryable)
	assert.True(t, failed["term-8"].Retryable)

	// Items come off the end of the backlog.
	assert.Equal(t, "term-9", searcher.calls[0])
	assert.Equal(t, "term-0", searcher.calls[9])
	assert.Len(t, searcher.calls, 10)
}

func TestListScraperWriteFailureIsPerItem(t *testing.T) {
	t.Parallel()

	sink := &itemSink{written: map[string][]Record{}, fail: map[string]bool{"b": true}}
	s, err := NewListScraper([]string{"a", "b", "c"}, &termSearcher{}, sink, nil)
	require.NoError(t, err)

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, sum.Completed)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, "b", sum.Failed[0].Item)

	results := s.Results()
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Records)
	assert.Equal(t, 0, results[1].Records)
}

func TestListScraperEmptyBacklog(t *testing.T) {
	t.Parallel()

	searcher := &termSearcher{}
	s, err := NewListScraper(nil, searcher, &itemSink{written: map[string][]Record{}}, nil)
	require.NoError(t, err)

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.Completed)
	assert.Empty(t, sum.Failed)
	assert.Empty(t, searcher.calls)
	assert.Equal(t, StateComplete, s.State())
}

func TestListScraperDoesNotMutateBacklog(t *testing.T) {
	t.Parallel()

	backlog := []string{"a", "b"}
	s, err := NewListScraper(backlog, &termSearcher{}, &itemSink{written: map[string][]Record{}}, nil)
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, backlog)
}

func TestListScraperStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := NewListScraper([]string{"a"}, &termSearcher{}, &itemSink{written: map[string][]Record{}}, nil)
	require.NoError(t, err)

	_, err = s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, s.State())
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("bad html")))
	assert.True(t, IsRetryable(Transient(errors.New("503"))))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", Transient(errors.New("503")))))
	assert.True(t, IsRetryable(timeoutErr{}))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.NoError(t, Transient(nil))
}

func TestNewListScraperValidates(t *testing.T) {
	t.Parallel()

	_, err := NewListScraper([]string{"a"}, nil, &itemSink{}, nil)
	require.Error(t, err)
}
