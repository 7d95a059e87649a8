package analyzer

import (
	"context"
	"sync"

	"github.com/ivoronin/aridx/internal/report"
)

// Result is the analysis outcome of one walked entry.
//
// A deferred result means the entry could not determine its own duplicates
// (a non-regular file, or a directory whose analysis produced no candidate
// directories); its parent decides its comparability. Counters are always
// populated either way so directory totals can sum children unconditionally.
type Result struct {
	Deferred   bool
	ReportPath string // relative to the parent of the analyzed root
	BaseName   string
	Duplicates []*report.DuplicateMatch // nil for deferred results and non-duplicates

	TotalSize       int64
	TotalItems      int64
	DuplicatedSize  int64
	DuplicatedItems int64
}

// resultFromRecord lifts a freshly written record into an immediate result.
func resultFromRecord(rec *report.DuplicateRecord, baseName string) Result {
	return Result{
		ReportPath:      rec.Path,
		BaseName:        baseName,
		Duplicates:      rec.Duplicates,
		TotalSize:       rec.TotalSize,
		TotalItems:      rec.TotalItems,
		DuplicatedSize:  rec.DuplicatedSize,
		DuplicatedItems: rec.DuplicatedItems,
	}
}

// Future is a one-shot promise of a Result, resolvable exactly once.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve sets the result. Later calls are ignored.
func (f *Future) Resolve(result Result, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future resolves or the context is cancelled.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
