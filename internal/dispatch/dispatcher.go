package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/metrics"
)

const (
	// DefaultConcurrency is the number of upload workers.
	DefaultConcurrency = 10
	// DefaultJitterMax bounds the random delay before a worker's first attempt.
	DefaultJitterMax = 10 * time.Second
	// DefaultMaxAttempts bounds uploads of one bunch.
	DefaultMaxAttempts = 5
	// DefaultBaseDelay is the first backoff step.
	DefaultBaseDelay = 250 * time.Millisecond
	// DefaultMaxDelay caps the backoff.
	DefaultMaxDelay = 5 * time.Second
	// DefaultTimeout bounds a single POST.
	DefaultTimeout = 30 * time.Second
)

// ErrDispatchFailure matches every *FailureError.
var ErrDispatchFailure = errors.New("dispatch: bunch upload failed")

// FailureError reports a bunch that was not accepted after all attempts.
type FailureError struct {
	Index    int
	Table    string
	Attempts int
	Err      error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("dispatch bunch %d (%s) failed after %d attempts: %v", e.Index, e.Table, e.Attempts, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDispatchFailure.
func (e *FailureError) Is(target error) bool { return target == ErrDispatchFailure }

// StatusError is returned when the endpoint answers with anything but 200.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Config controls a Dispatcher.
type Config struct {
	Endpoint    string
	Concurrency int
	JitterMax   time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	// LegacyUnboundedRetry retries failed uploads immediately and without
	// limit until the context ends.
	LegacyUnboundedRetry bool
}

// BunchResult is the outcome of one bunch.
type BunchResult struct {
	Index    int
	Table    string
	Rows     int
	Attempts int
	Err      error
}

// Report summarizes a Dispatch call.
type Report struct {
	Results   []BunchResult
	Succeeded int
	Failed    int
	Attempts  int
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client. Its timeout is left untouched.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.log = logger
		}
	}
}

// WithRetryPolicy replaces the retry policy derived from Config.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(d *Dispatcher) { d.policy = policy }
}

// WithSleep replaces the function used for jitter and backoff waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithJitter replaces the source of start-up jitter.
func WithJitter(jitter func(limit time.Duration) time.Duration) Option {
	return func(d *Dispatcher) { d.jitter = jitter }
}

// Dispatcher uploads bunches concurrently.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
	log    *zap.Logger
}

// New validates cfg and builds a Dispatcher.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("dispatch endpoint is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	d := &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sleep:  sleepContext,
		jitter: randomDuration,
		log:    zap.NewNop(),
	}
	if cfg.LegacyUnboundedRetry {
		d.policy = unboundedRetryPolicy{}
	} else {
		d.policy = NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BaseDelay, cfg.MaxDelay)
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.Named("dispatch")
	return d, nil
}

// Dispatch uploads every bunch and waits for all of them. Each bunch is owned
// by one worker from first attempt to final outcome. The returned error joins
// the failures of every bunch that was not accepted.
func (d *Dispatcher) Dispatch(ctx context.Context, bunches []Bunch) (Report, error) {
	results := make([]BunchResult, len(bunches))
	if len(bunches) == 0 {
		return Report{}, nil
	}

	tasks := make(chan int)
	var wg sync.WaitGroup
	workers := min(d.cfg.Concurrency, len(bunches))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				results[idx] = d.send(ctx, idx, bunches[idx])
			}
		}()
	}
	for idx := range bunches {
		tasks <- idx
	}
	close(tasks)
	wg.Wait()

	report := Report{Results: results}
	var errs []error
	for _, r := range results {
		report.Attempts += r.Attempts
		if r.Err != nil {
			report.Failed++
			errs = append(errs, r.Err)
			metrics.ObserveDispatchBunch("failed")
			continue
		}
		report.Succeeded++
		metrics.ObserveDispatchBunch("succeeded")
	}
	d.log.Info("dispatch finished",
		zap.Int("bunches", len(bunches)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("attempts", report.Attempts),
	)
	return report, errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, idx int, bunch Bunch) BunchResult {
	result := BunchResult{Index: idx, Table: bunch.TableName, Rows: bunch.Len()}
	fail := func(err error) BunchResult {
		result.Err = &FailureError{Index: idx, Table: bunch.TableName, Attempts: result.Attempts, Err: err}
		return result
	}

	body, err := json.Marshal(bunch)
	if err != nil {
		return fail(fmt.Errorf("encode bunch: %w", err))
	}
	if wait := d.jitter(d.cfg.JitterMax); wait > 0 {
		if err := d.sleep(ctx, wait); err != nil {
			return fail(err)
		}
	}

	for {
		result.Attempts++
		err := d.post(ctx, body)
		if err == nil {
			metrics.ObserveDispatchAttempt(bunch.TableName, "accepted")
			return result
		}
		metrics.ObserveDispatchAttempt(bunch.TableName, "rejected")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ctxErr)
		}
		if !d.policy.ShouldRetry(err, result.Attempts) {
			d.log.Error("bunch upload failed",
				zap.Int("bunch", idx),
				zap.String("table", bunch.TableName),
				zap.Int("attempts", result.Attempts),
				zap.Error(err),
			)
			return fail(err)
		}
		d.log.Warn("retrying bunch upload",
			zap.Int("bunch", idx),
			zap.Int("attempt", result.Attempts),
			zap.Error(err),
		)
		if wait := d.policy.Backoff(result.Attempts - 1); wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				return fail(err)
			}
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post bunch: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
