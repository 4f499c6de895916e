// Package dispatch splits data packages into bunches and uploads them to the
// ingestion endpoint through a bounded pool of workers.
package dispatch

import (
	"errors"
	"fmt"
)

// ErrPartitionMismatch is returned when partition options are inconsistent.
var ErrPartitionMismatch = errors.New("dispatch: exactly one of num splits or max size must be positive")

// Record is one row of a data package.
type Record = map[string]any

// Package is a table's worth of rows as stored in blob storage.
type Package struct {
	TableName string   `json:"table_name"`
	Data      []Record `json:"data"`
}

// Bunch is a slice of a Package sized for one upload. It encodes exactly like
// a Package.
type Bunch Package

// Len returns the number of rows.
func (b Bunch) Len() int { return len(b.Data) }

// PartitionOptions selects how a package is split. Exactly one field must be set.
type PartitionOptions struct {
	NumSplits int
	MaxSize   int
}

// Partition splits pkg into ordered bunches that together contain every row
// exactly once. All bunches hold ceil(rows/splits) rows except the last,
// which holds the remainder. With MaxSize, splits = ceil(rows/MaxSize).
func Partition(pkg Package, opts PartitionOptions) ([]Bunch, error) {
	if pkg.TableName == "" {
		return nil, fmt.Errorf("%w: table name is required", ErrPartitionMismatch)
	}
	if opts.NumSplits < 0 || opts.MaxSize < 0 || (opts.NumSplits > 0) == (opts.MaxSize > 0) {
		return nil, fmt.Errorf("%w: num_splits=%d max_size=%d", ErrPartitionMismatch, opts.NumSplits, opts.MaxSize)
	}
	n := len(pkg.Data)
	if n == 0 {
		return nil, nil
	}

	splits := opts.NumSplits
	if opts.MaxSize > 0 {
		splits = ceilDiv(n, opts.MaxSize)
	}
	splits = min(splits, n)
	size := ceilDiv(n, splits)

	bunches := make([]Bunch, 0, ceilDiv(n, size))
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		bunches = append(bunches, Bunch{TableName: pkg.TableName, Data: pkg.Data[start:end:end]})
	}
	return bunches, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
