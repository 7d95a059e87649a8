// Package archive is the high-level workflow layer over one archive: it
// owns the store and settings and exposes the complete operations the CLI
// drives — rebuild, refresh, analyze, import and inspect.
//
// The store exposes primitive data operations; this package sequences them
// into workflows, resolves the active hash algorithm, and keeps resource
// lifetimes straight (the store handle is owned here, the processor pool is
// shared and owned by the caller).
package archive

import (
	"context"
	"fmt"

	"github.com/ivoronin/aridx/internal/analyzer"
	"github.com/ivoronin/aridx/internal/importer"
	"github.com/ivoronin/aridx/internal/index"
	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/progress"
	"github.com/ivoronin/aridx/internal/report"
	"github.com/ivoronin/aridx/internal/settings"
	"github.com/ivoronin/aridx/internal/store"
)

// Archive combines a store, its settings and a processor pool into the
// user-facing operations.
type Archive struct {
	store    *store.Store
	settings *settings.Settings
	proc     *processor.Processor
}

// Open opens the archive at path. With create set, a missing .aridx index
// directory is created first.
func Open(proc *processor.Processor, path string, create bool) (*Archive, error) {
	st, err := settings.Load(path)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(st, path, store.Options{Create: create})
	if err != nil {
		return nil, err
	}
	return &Archive{store: s, settings: st, proc: proc}, nil
}

// Close releases the index database.
func (a *Archive) Close() error { return a.store.Close() }

// Path returns the archive root directory.
func (a *Archive) Path() string { return a.store.ArchivePath() }

// Settings returns the archive's settings.
func (a *Archive) Settings() *settings.Settings { return a.settings }

// Store exposes the underlying store for tests and tooling.
func (a *Archive) Store() *store.Store { return a.store }

// Rebuild reconstructs the whole index with the default hash algorithm.
func (a *Archive) Rebuild(ctx context.Context, bar *progress.Bar) error {
	return index.Rebuild(ctx, a.store, a.proc, bar)
}

// Refresh incrementally reconciles the index with the filesystem.
func (a *Archive) Refresh(ctx context.Context, bar *progress.Bar) error {
	return index.Refresh(ctx, a.store, a.proc, bar)
}

// Analyze analyzes the input paths against the index, writing one report
// per path.
func (a *Archive) Analyze(ctx context.Context, inputPaths []string, rule report.DuplicateMatchRule, bar *progress.Bar) error {
	algo, err := a.activeAlgorithm()
	if err != nil {
		return err
	}
	an := &analyzer.Analyzer{
		Store:     a.store,
		Processor: a.proc,
		Algorithm: algo,
		Rule:      rule,
		Bar:       bar,
	}
	for _, input := range inputPaths {
		if err := an.Analyze(ctx, input); err != nil {
			return fmt.Errorf("analyze %s: %w", input, err)
		}
	}
	return nil
}

// Import merges the index of a nested or ancestor archive into this one.
func (a *Archive) Import(ctx context.Context, sourceArchivePath string) error {
	im := &importer.Importer{Store: a.store, Processor: a.proc}
	return im.Run(ctx, sourceArchivePath)
}

// Inspect yields the index's human-readable entry lines.
func (a *Archive) Inspect() func(yield func(string) bool) {
	digestLen := 0
	if name, ok, err := a.store.ReadManifest(store.ManifestHashAlgorithm); err == nil && ok {
		if algo, err := processor.LookupAlgorithm(name); err == nil {
			digestLen = algo.Size
		}
	}
	return a.store.Inspect(digestLen)
}

// activeAlgorithm resolves the algorithm the index was built with.
func (a *Archive) activeAlgorithm() (processor.Algorithm, error) {
	name, ok, err := a.store.ReadManifest(store.ManifestHashAlgorithm)
	if err != nil {
		return processor.Algorithm{}, err
	}
	if !ok {
		return processor.Algorithm{}, index.ErrHashAlgorithmUnset
	}
	return processor.LookupAlgorithm(name)
}
