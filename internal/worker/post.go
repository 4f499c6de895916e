package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/blob"
	"github.com/JakeFAU/geoscrape/internal/dispatch"
)

// Dispatcher uploads bunches to the ingestion endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, bunches []dispatch.Bunch) (dispatch.Report, error)
}

// PostHandler uploads the data package named by a job's Key. A partial failure
// fails the job, so the whole package is sent again on the next pass.
type PostHandler struct {
	Store      blob.Store
	Dispatcher Dispatcher
	MaxSize    int
}

// Handle implements Handler.
func (h PostHandler) Handle(ctx context.Context, job Job) ([]FollowUp, error) {
	pkg, err := loadPackage(ctx, h.Store, job.Payload.Key)
	if err != nil {
		return nil, err
	}
	bunches, err := dispatch.Partition(pkg, dispatch.PartitionOptions{MaxSize: h.MaxSize})
	if err != nil {
		return nil, Permanent(fmt.Errorf("partition %s: %w", job.Payload.Key, err))
	}
	if len(bunches) == 0 {
		job.Logger.Info("package has no rows", zap.String("table", pkg.TableName))
		return nil, nil
	}

	report, err := h.Dispatcher.Dispatch(ctx, bunches)
	job.Logger.Info("dispatched package",
		zap.String("table", pkg.TableName),
		zap.Int("rows", len(pkg.Data)),
		zap.Int("bunches", len(bunches)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", job.Payload.Key, err)
	}
	return nil, nil
}

func loadPackage(ctx context.Context, store blob.Store, key string) (dispatch.Package, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return dispatch.Package{}, fmt.Errorf("fetch package %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	var pkg dispatch.Package
	if err := json.NewDecoder(rc).Decode(&pkg); err != nil {
		return dispatch.Package{}, Permanent(fmt.Errorf("decode package %s: %w", key, err))
	}
	return pkg, nil
}
