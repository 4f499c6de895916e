// Package jobqueue implements the blob-backed job queue: listing, popping,
// reading and deleting job files, plus follow-up and dead-letter writes.
//
// The queue has no leasing. Two workers sharing a store can both list and
// process the same job; callers that need exclusivity must partition job
// types across workers.
package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/blob"
)

const (
	// DefaultPrefix is where job files live in the blob store.
	DefaultPrefix = "Jobs/"
	// DefaultSuffix selects job files by extension.
	DefaultSuffix = "json"
	// DefaultDeadLetterPrefix receives jobs that cannot be fetched or parsed.
	DefaultDeadLetterPrefix = "DeadLetter/"
)

// Notifier announces newly enqueued jobs.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator names new job files.
type IDGenerator interface {
	NewID() (string, error)
}

// Options configures a Session.
type Options struct {
	Prefix           string
	Suffix           string
	DeadLetterPrefix string
	ScratchDir       string
	Matcher          Matcher
	Notifier         Notifier
	Topic            string
	IDs              IDGenerator
	Logger           *zap.Logger
	Now              func() time.Time
}

// Session is the view of the queue held by one worker invocation. The first
// List call snapshots the matching jobs; Pop consumes that snapshot.
type Session struct {
	store blob.Store
	opts  Options
	log   *zap.Logger

	listed     bool
	listedType string
	cache      []Descriptor
}

// New creates a Session over the store.
func New(store blob.Store, opts Options) *Session {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	if opts.DeadLetterPrefix == "" {
		opts.DeadLetterPrefix = DefaultDeadLetterPrefix
	}
	if opts.Matcher == nil {
		opts.Matcher = TokenMatcher{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{store: store, opts: opts, log: logger.Named("jobqueue")}
}

// List returns the jobs whose key matches jobType. Only the first call hits
// the store; every later call returns a copy of the remaining snapshot,
// whatever type it asks for.
func (s *Session) List(ctx context.Context, jobType string) ([]Descriptor, error) {
	if s.listed {
		if !strings.EqualFold(jobType, s.listedType) {
			s.log.Warn("job listing already cached for another type",
				zap.String("cached_type", s.listedType),
				zap.String("requested_type", jobType),
			)
		}
		return s.snapshot(), nil
	}

	keys, err := s.store.Find(ctx, s.opts.Prefix, s.opts.Suffix)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	cache := make([]Descriptor, 0, len(keys))
	for _, key := range keys {
		if s.opts.Matcher.Match(strings.TrimPrefix(key, s.opts.Prefix), jobType) {
			cache = append(cache, Descriptor(key))
		}
	}
	s.cache = cache
	s.listed = true
	s.listedType = jobType
	s.log.Debug("listed jobs", zap.String("type", jobType), zap.Int("count", len(cache)))
	return s.snapshot(), nil
}

func (s *Session) snapshot() []Descriptor {
	out := make([]Descriptor, len(s.cache))
	copy(out, s.cache)
	return out
}

// Pop removes and returns the most recently listed job.
func (s *Session) Pop() (Descriptor, error) {
	if len(s.cache) == 0 {
		return "", ErrQueueEmpty
	}
	last := len(s.cache) - 1
	d := s.cache[last]
	s.cache = s.cache[:last]
	return d, nil
}

// Read downloads the job into a scratch file, decodes it and removes the file.
func (s *Session) Read(ctx context.Context, d Descriptor) (Payload, error) {
	scratch, err := os.CreateTemp(s.opts.ScratchDir, "job-*.json")
	if err != nil {
		return Payload{}, &FetchError{Descriptor: d, Err: fmt.Errorf("create scratch file: %w", err)}
	}
	defer func() {
		_ = scratch.Close()
		if rmErr := os.Remove(scratch.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.log.Warn("remove scratch file", zap.String("path", scratch.Name()), zap.Error(rmErr))
		}
	}()

	if err := s.download(ctx, d, scratch); err != nil {
		return Payload{}, &FetchError{Descriptor: d, Err: err}
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return Payload{}, &FetchError{Descriptor: d, Err: fmt.Errorf("rewind scratch file: %w", err)}
	}

	var payload Payload
	if err := json.NewDecoder(scratch).Decode(&payload); err != nil {
		return Payload{}, &ParseError{Descriptor: d, Err: err}
	}
	return payload, nil
}

func (s *Session) download(ctx context.Context, d Descriptor, dst io.Writer) error {
	rc, err := s.store.Get(ctx, string(d))
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()
	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("download %s: %w", d, err)
	}
	return nil
}

// Delete removes the job file. Deleting a job that is already gone succeeds.
func (s *Session) Delete(ctx context.Context, d Descriptor) error {
	if err := s.store.Delete(ctx, string(d)); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("delete job %s: %w", d, err)
	}
	return nil
}

// Enqueue writes a new job of jobType that points at assetKey and returns its
// descriptor. Extra fields are stored next to Key and Type.
func (s *Session) Enqueue(ctx context.Context, assetKey, jobType string, fields map[string]any) (Descriptor, error) {
	if strings.TrimSpace(assetKey) == "" {
		return "", fmt.Errorf("enqueue: asset key is required")
	}
	if strings.TrimSpace(jobType) == "" {
		return "", fmt.Errorf("enqueue: job type is required")
	}
	if s.opts.IDs == nil {
		return "", fmt.Errorf("enqueue: id generator is not configured")
	}
	id, err := s.opts.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	doc := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		doc[k] = v
	}
	doc["Key"] = assetKey
	doc["Type"] = strings.ToUpper(jobType)
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("enqueue: encode job: %w", err)
	}

	key := fmt.Sprintf("%s%s/%s.%s", s.opts.Prefix, strings.ToUpper(jobType), id, strings.TrimPrefix(s.opts.Suffix, "."))
	if err := s.store.Put(ctx, key, "application/json", bytes.NewReader(body)); err != nil {
		return "", fmt.Errorf("enqueue: write job: %w", err)
	}
	d := Descriptor(key)
	s.log.Info("enqueued job", zap.String("job", key), zap.String("asset", assetKey))

	if s.opts.Notifier != nil && s.opts.Topic != "" {
		msg := map[string]string{"descriptor": key, "type": strings.ToUpper(jobType), "key": assetKey}
		if _, err := s.opts.Notifier.Publish(ctx, s.opts.Topic, msg); err != nil {
			// The job file is the source of truth; a lost notification only delays pickup.
			s.log.Warn("notify enqueued job", zap.String("job", key), zap.Error(err))
		}
	}
	return d, nil
}

// deadLetter is the document written for a job that could not be processed.
type deadLetter struct {
	Descriptor string    `json:"descriptor"`
	Reason     string    `json:"reason"`
	Raw        string    `json:"raw,omitempty"`
	FailedAt   time.Time `json:"failed_at"`
}

// DeadLetter moves the job to the dead-letter prefix together with the reason
// it failed. The raw payload is included when it can still be read.
func (s *Session) DeadLetter(ctx context.Context, d Descriptor, reason string) error {
	doc := deadLetter{Descriptor: string(d), Reason: reason, FailedAt: s.opts.Now()}
	var raw bytes.Buffer
	if err := s.download(ctx, d, &raw); err == nil {
		doc.Raw = raw.String()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("dead-letter %s: encode: %w", d, err)
	}
	target := s.opts.DeadLetterPrefix + strings.TrimPrefix(string(d), s.opts.Prefix)
	if err := s.store.Put(ctx, target, "application/json", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("dead-letter %s: %w", d, err)
	}
	s.log.Warn("dead-lettered job", zap.String("job", string(d)), zap.String("reason", reason))
	return s.Delete(ctx, d)
}
