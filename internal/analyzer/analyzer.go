// Package analyzer drives duplicate analysis of an external path against an
// archive index and persists the outcome as a report.
//
// The driver walks the input tree once. Regular files are scheduled through
// a throttler and matched against the index (hash, then byte-level
// confirmation, then metadata comparison). Each directory registers a
// completion listener that fires only after every child — including whole
// nested subtrees — has produced a result; the listener callback runs the
// bottom-up directory reduction. Non-regular files resolve immediately as
// deferred results and are compared structurally by their parent directory.
package analyzer

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ivoronin/aridx/internal/matcher"
	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/progress"
	"github.com/ivoronin/aridx/internal/report"
	"github.com/ivoronin/aridx/internal/store"
	"github.com/ivoronin/aridx/internal/throttler"
	"github.com/ivoronin/aridx/internal/walker"
)

var (
	// ErrArchiveIDMissing means the archive has no identity yet; analysis
	// requires a built index.
	ErrArchiveIDMissing = errors.New("archive id is missing, build the index first")
	// ErrInconsistentRule means children of one directory were matched under
	// different comparison rules.
	ErrInconsistentRule = errors.New("inconsistent comparison rules within directory")
)

// Analyzer analyzes input paths against one archive.
type Analyzer struct {
	Store     *store.Store
	Processor *processor.Processor
	Algorithm processor.Algorithm
	Rule      report.DuplicateMatchRule
	Bar       *progress.Bar // optional
}

// Analyze analyzes one input path and writes its report next to it. An
// existing report for the path is updated in place.
func (a *Analyzer) Analyze(ctx context.Context, inputPath string) error {
	if a.Bar == nil {
		a.Bar = progress.New(false, -1)
	}

	archiveID, ok, err := a.Store.ArchiveID()
	if err != nil {
		return err
	}
	if !ok {
		return ErrArchiveIDMissing
	}

	archivePath, err := filepath.Abs(a.Store.ArchivePath())
	if err != nil {
		return err
	}

	rs := report.NewStore(report.DirectoryPath(inputPath))
	if err := rs.CreateDirectory(); err != nil {
		return err
	}
	if err := rs.WriteManifest(report.NewManifest(archivePath, archiveID, a.Rule)); err != nil {
		return err
	}
	if err := rs.OpenDatabase(); err != nil {
		return err
	}
	defer func() { _ = rs.Close() }()

	return a.analyzeInto(ctx, rs, inputPath)
}

func (a *Analyzer) analyzeInto(ctx context.Context, rs *report.Store, inputPath string) error {
	g, ctx := errgroup.WithContext(ctx)
	run := &run{
		analyzer:  a,
		reports:   rs,
		coord:     NewCoordinator(ctx, g),
		throttler: throttler.New(g, a.Processor.Concurrency()*2),
		matcher: &matcher.Matcher{
			Store:     a.Store,
			Processor: a.Processor,
			Algorithm: a.Algorithm,
		},
		inputBase: filepath.Base(inputPath),
	}

	for absPath, fc := range store.WalkInput(inputPath) {
		var err error
		switch {
		case fc.Meta.IsDir():
			run.handleDirectory(ctx, absPath, fc)
		case fc.Meta.IsRegular():
			err = run.handleFile(ctx, absPath, fc)
		default:
			run.deferToParent(fc)
		}
		if err != nil {
			break // the group failed; Wait reports the cause
		}
	}

	return g.Wait()
}

// run is the per-input state of one analysis.
type run struct {
	analyzer  *Analyzer
	reports   *report.Store
	coord     *Coordinator
	throttler *throttler.Throttler
	matcher   *matcher.Matcher
	inputBase string
}

// reportPath maps a walk-relative path to its report path, rooted at the
// input's base name.
func (r *run) reportPath(fc *walker.FileContext) string {
	if fc.RelPath == "." {
		return r.inputBase
	}
	return r.inputBase + "/" + fc.RelPath
}

func (r *run) handleDirectory(ctx context.Context, dirPath string, fc *walker.FileContext) {
	listener := r.coord.RegisterDirectory(fc, func(results []Result) (Result, error) {
		return r.reduceDirectory(ctx, dirPath, fc, results)
	})
	r.coord.RegisterChildWithParent(fc, listener.Future())
}

func (r *run) handleFile(ctx context.Context, filePath string, fc *walker.FileContext) error {
	future := NewFuture()
	r.coord.RegisterChildWithParent(fc, future)

	reportPath := r.reportPath(fc)
	meta := fc.Meta
	return r.throttler.Schedule(ctx, func(ctx context.Context) error {
		result, err := r.analyzeFile(ctx, filePath, reportPath, meta)
		future.Resolve(result, err)
		return err
	})
}

// deferToParent resolves a non-regular entry as deferred: one item with no
// size, compared structurally by its parent directory when needed.
func (r *run) deferToParent(fc *walker.FileContext) {
	future := NewFuture()
	future.Resolve(Result{
		Deferred:   true,
		ReportPath: r.reportPath(fc),
		BaseName:   fc.Name,
		TotalItems: 1,
	}, nil)
	r.coord.RegisterChildWithParent(fc, future)
}

// analyzeFile matches one regular file against the archive and writes its
// record when duplicates exist.
func (r *run) analyzeFile(ctx context.Context, filePath, reportPath string, meta processor.Metadata) (Result, error) {
	noDuplicates := Result{
		ReportPath: reportPath,
		BaseName:   path.Base(reportPath),
		TotalSize:  meta.Size,
		TotalItems: 1,
	}

	paths, err := r.matcher.FindMatchingClass(ctx, filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return noDuplicates, nil // vanished while analyzing
		}
		return Result{}, err
	}

	// Hashing and content confirmation are the expensive part; let another
	// file start while metadata comparison and the record write finish.
	throttler.YieldSlot(ctx)

	if len(paths) == 0 {
		return noDuplicates, nil
	}

	matches := r.matcher.BuildMatches(ctx, r.analyzer.Rule, filePath, meta, paths)
	if len(matches) == 0 {
		return noDuplicates, nil
	}

	rec := &report.DuplicateRecord{
		Path:            reportPath,
		Duplicates:      matches,
		TotalSize:       meta.Size,
		TotalItems:      1,
		DuplicatedSize:  meta.Size,
		DuplicatedItems: 1,
	}
	if err := r.reports.WriteRecord(rec); err != nil {
		return Result{}, err
	}
	r.analyzer.Bar.Describe(progressMessage("analyzed " + reportPath))
	log.Debug().Str("path", reportPath).Int("duplicates", len(matches)).Msg("file has archive duplicates")

	return resultFromRecord(rec, path.Base(reportPath)), nil
}

type progressMessage string

func (m progressMessage) String() string { return string(m) }
