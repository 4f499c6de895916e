// Package worker drains the job queue one type at a time and hands each job to
// the handler registered for that type.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/blob"
	"github.com/JakeFAU/geoscrape/internal/jobqueue"
	"github.com/JakeFAU/geoscrape/internal/logging"
	"github.com/JakeFAU/geoscrape/internal/metrics"
)

const (
	outcomeCompleted    = "completed"
	outcomeFailed       = "failed"
	outcomeDeadLettered = "dead_lettered"
	outcomeSkipped      = "skipped"
)

// ErrNoHandler is returned when a pass is requested for an unregistered type.
var ErrNoHandler = errors.New("worker: no handler for job type")

// Queue is the slice of jobqueue.Session a pass needs.
type Queue interface {
	List(ctx context.Context, jobType string) ([]jobqueue.Descriptor, error)
	Pop() (jobqueue.Descriptor, error)
	Read(ctx context.Context, d jobqueue.Descriptor) (jobqueue.Payload, error)
	Delete(ctx context.Context, d jobqueue.Descriptor) error
	Enqueue(ctx context.Context, assetKey, jobType string, fields map[string]any) (jobqueue.Descriptor, error)
	DeadLetter(ctx context.Context, d jobqueue.Descriptor, reason string) error
}

// Job is a popped job with its decoded payload.
type Job struct {
	Descriptor jobqueue.Descriptor
	Type       string
	Payload    jobqueue.Payload
	Logger     *zap.Logger
}

// FollowUp is a job to enqueue once the current one succeeds.
type FollowUp struct {
	AssetKey string
	Type     string
	Fields   map[string]any
}

// Handler processes one job. Returning an error leaves the job in the queue.
type Handler interface {
	Handle(ctx context.Context, job Job) ([]FollowUp, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) ([]FollowUp, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job Job) ([]FollowUp, error) { return f(ctx, job) }

// Stats counts the outcomes of one pass.
type Stats struct {
	Listed       int
	Completed    int
	Failed       int
	DeadLettered int
	// Skipped counts jobs removed by another consumer after the listing.
	Skipped int
}

// Worker runs passes over the queue. Each pass gets a fresh queue session.
type Worker struct {
	newQueue func() Queue
	handlers map[string]Handler
	log      *zap.Logger
}

// New creates a Worker. newQueue is called once per pass.
func New(newQueue func() Queue, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		newQueue: newQueue,
		handlers: make(map[string]Handler),
		log:      logger.Named("worker"),
	}
}

// Register binds a handler to a job type. Types are case-insensitive.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[strings.ToLower(jobType)] = h
}

// Types lists the registered job types in sorted order.
func (w *Worker) Types() []string {
	out := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RunPass processes every job of jobType that was present when the pass
// started. Failed jobs stay queued for the next pass.
func (w *Worker) RunPass(ctx context.Context, jobType string) (Stats, error) {
	h, ok := w.handlers[strings.ToLower(jobType)]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrNoHandler, jobType)
	}

	q := w.newQueue()
	jobs, err := q.List(ctx, jobType)
	if err != nil {
		return Stats{}, fmt.Errorf("list %s jobs: %w", jobType, err)
	}
	stats := Stats{Listed: len(jobs)}
	if len(jobs) == 0 {
		w.log.Debug("no jobs", zap.String("job_type", jobType))
		return stats, nil
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for range len(jobs) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		d, err := q.Pop()
		if errors.Is(err, jobqueue.ErrQueueEmpty) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("pop %s job: %w", jobType, err)
		}

		outcome := w.process(ctx, q, h, jobType, d)
		switch outcome {
		case outcomeCompleted:
			stats.Completed++
		case outcomeDeadLettered:
			stats.DeadLettered++
		case outcomeSkipped:
			stats.Skipped++
		default:
			stats.Failed++
		}
		metrics.ObserveJob(strings.ToLower(jobType), outcome)
	}

	w.log.Info("job pass finished",
		zap.String("job_type", jobType),
		zap.Int("listed", stats.Listed),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("dead_lettered", stats.DeadLettered),
	)
	return stats, nil
}

// RunTypes runs one pass per type in order. A failing type does not stop the
// others unless the context is done.
func (w *Worker) RunTypes(ctx context.Context, types []string) (map[string]Stats, error) {
	out := make(map[string]Stats, len(types))
	var errs []error
	for _, t := range types {
		stats, err := w.RunPass(ctx, t)
		out[strings.ToLower(t)] = stats
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return out, errors.Join(errs...)
}

func (w *Worker) process(ctx context.Context, q Queue, h Handler, jobType string, d jobqueue.Descriptor) string {
	log := logging.ForJob(w.log, jobType, string(d))

	payload, err := q.Read(ctx, d)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			log.Info("job already taken by another consumer")
			return outcomeSkipped
		}
		if ctx.Err() == nil && (errors.Is(err, jobqueue.ErrFetch) || errors.Is(err, jobqueue.ErrParse)) {
			return deadLetter(ctx, q, d, err, log)
		}
		log.Error("read job", zap.Error(err))
		return outcomeFailed
	}

	followUps, err := h.Handle(ctx, Job{Descriptor: d, Type: jobType, Payload: payload, Logger: log})
	if err != nil {
		if ctx.Err() == nil && IsPermanent(err) {
			return deadLetter(ctx, q, d, err, log)
		}
		log.Error("job failed, keeping it for a later pass", zap.Error(err))
		return outcomeFailed
	}
	for _, f := range followUps {
		next, err := q.Enqueue(ctx, f.AssetKey, f.Type, f.Fields)
		if err != nil {
			log.Error("enqueue follow-up", zap.String("follow_up_type", f.Type), zap.Error(err))
			return outcomeFailed
		}
		log.Debug("enqueued follow-up", zap.String("follow_up", string(next)))
	}
	if err := q.Delete(ctx, d); err != nil {
		log.Error("delete finished job", zap.Error(err))
		return outcomeFailed
	}
	log.Info("job completed", zap.Int("follow_ups", len(followUps)))
	return outcomeCompleted
}

func deadLetter(ctx context.Context, q Queue, d jobqueue.Descriptor, cause error, log *zap.Logger) string {
	if err := q.DeadLetter(ctx, d, cause.Error()); err != nil {
		log.Error("dead-letter job", zap.NamedError("cause", cause), zap.Error(err))
		return outcomeFailed
	}
	log.Warn("job dead-lettered", zap.Error(cause))
	return outcomeDeadLettered
}
