// Package index implements rebuild and refresh of an archive's content
// index.
//
// Refresh runs two concurrent phases inside one task group: reconciling
// stored signatures against the live filesystem (detecting deletions and
// modifications), and ingesting files that are not registered yet. Every
// file task that assigns an EC class holds the per-digest keyed lock while
// it enumerates classes, byte-compares content against a class
// representative, and writes the membership, so class state for one digest
// is always mutated in a total order.
//
// Digest equality never merges classes on its own: a file joins an existing
// class only after CompareContent proved byte equality against the class's
// first member. Files with colliding digests but different content receive
// their own class with the next free ec_id.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ivoronin/aridx/internal/keyedlock"
	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/progress"
	"github.com/ivoronin/aridx/internal/store"
	"github.com/ivoronin/aridx/internal/throttler"
)

// ErrHashAlgorithmUnset means the index has no recorded hash algorithm and
// therefore has never been built.
var ErrHashAlgorithmUnset = errors.New("the index has not been built")

// stats tracks refresh progress with atomic counters; workers update them
// concurrently and the progress bar reads consistent-enough snapshots.
type stats struct {
	hashedFiles  atomic.Int64
	hashedBytes  atomic.Int64
	removedFiles atomic.Int64
	startTime    time.Time
}

func (s *stats) String() string {
	return fmt.Sprintf("Hashed %d files (%s), removed %d stale entries in %.1fs",
		s.hashedFiles.Load(), humanize.IBytes(uint64(s.hashedBytes.Load())),
		s.removedFiles.Load(), time.Since(s.startTime).Seconds())
}

// engine is the per-run state of one refresh.
type engine struct {
	store *store.Store
	proc  *processor.Processor
	algo  processor.Algorithm
	locks *keyedlock.KeyedLock // per digest
	stats *stats
	bar   *progress.Bar
}

// Rebuild reconstructs the index from scratch: truncate, refresh with the
// default algorithm, then record the algorithm. The archive id is generated
// on the first build and survives later rebuilds.
func Rebuild(ctx context.Context, s *store.Store, proc *processor.Processor, bar *progress.Bar) error {
	algo, err := processor.LookupAlgorithm(processor.DefaultAlgorithm)
	if err != nil {
		return err
	}
	return RebuildWith(ctx, s, proc, algo, bar)
}

// RebuildWith is Rebuild with an explicit algorithm.
func RebuildWith(ctx context.Context, s *store.Store, proc *processor.Processor, algo processor.Algorithm, bar *progress.Bar) error {
	if err := s.Truncate(); err != nil {
		return err
	}
	if _, err := s.EnsureArchiveID(); err != nil {
		return err
	}
	if err := refresh(ctx, s, proc, algo, bar); err != nil {
		return err
	}
	return s.WriteManifest(store.ManifestHashAlgorithm, algo.Name)
}

// Refresh incrementally reconciles the index with the filesystem using the
// archive's recorded hash algorithm.
func Refresh(ctx context.Context, s *store.Store, proc *processor.Processor, bar *progress.Bar) error {
	name, ok, err := s.ReadManifest(store.ManifestHashAlgorithm)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHashAlgorithmUnset
	}
	algo, err := processor.LookupAlgorithm(name)
	if err != nil {
		return err
	}
	return refresh(ctx, s, proc, algo, bar)
}

func refresh(ctx context.Context, s *store.Store, proc *processor.Processor, algo processor.Algorithm, bar *progress.Bar) error {
	if bar == nil {
		bar = progress.New(false, -1)
	}

	g, ctx := errgroup.WithContext(ctx)
	th := throttler.New(g, proc.Concurrency()*2)
	e := &engine{
		store: s,
		proc:  proc,
		algo:  algo,
		locks: keyedlock.New(),
		stats: &stats{startTime: time.Now()},
		bar:   bar,
	}

	// Phase 1: reconcile stored signatures against the live tree. The
	// listing is materialized first so no read transaction stays open while
	// the scheduled tasks write to the same database.
	type registered struct {
		relPath string
		sig     store.Signature
	}
	var entries []registered
	for relPath, sig := range s.ListRegisteredFiles() {
		entries = append(entries, registered{relPath, sig})
	}
	for _, entry := range entries {
		if err := th.Schedule(ctx, func(ctx context.Context) error {
			return e.refreshEntry(ctx, entry.relPath, entry.sig)
		}); err != nil {
			break // the group failed; Wait reports the cause
		}
	}

	// Phase 2: ingest files with no signature yet.
	for absPath, fc := range s.WalkArchive() {
		if !fc.Meta.IsRegular() {
			continue
		}
		relPath, mtimeNS := fc.RelPath, fc.Meta.MtimeNS
		if err := th.Schedule(ctx, func(ctx context.Context) error {
			existing, err := s.LookupFile(relPath)
			if err != nil || existing != nil {
				return err
			}
			return e.generateSignature(ctx, absPath, relPath, mtimeNS)
		}); err != nil {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	bar.Finish(e.stats)
	return nil
}

// refreshEntry handles one stored signature: deletion cleans it up,
// modification cleans up and re-ingests, anything else is kept as is.
func (e *engine) refreshEntry(ctx context.Context, relPath string, sig store.Signature) error {
	absPath := filepath.Join(e.store.ArchivePath(), filepath.FromSlash(relPath))

	meta, err := processor.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return e.cleanUp(ctx, relPath, sig)
		}
		return err
	}

	if sig.MtimeNS == nil || *sig.MtimeNS < meta.MtimeNS {
		if err := e.cleanUp(ctx, relPath, sig); err != nil {
			return err
		}
		if meta.IsRegular() {
			return e.generateSignature(ctx, absPath, relPath, meta.MtimeNS)
		}
	}
	return nil
}

// cleanUp removes a file from its EC class and drops its signature.
func (e *engine) cleanUp(ctx context.Context, relPath string, sig store.Signature) error {
	release, err := e.locks.Lock(ctx, string(sig.Digest))
	if err != nil {
		return err
	}

	classes, err := e.store.ListECClasses(sig.Digest)
	if err == nil {
		for _, class := range classes {
			if !containsPath(class.Paths, relPath) {
				continue
			}
			err = e.store.RemovePathsFromEC(ctx, sig.Digest, class.ID, []string{relPath})
			break
		}
	}
	release()
	if err != nil {
		return err
	}

	if err := e.store.DeregisterFile(ctx, relPath); err != nil {
		return err
	}
	e.stats.removedFiles.Add(1)
	e.bar.Describe(e.stats)
	log.Debug().Str("path", relPath).Msg("removed stale index entry")
	return nil
}

// generateSignature hashes one file and assigns it to an EC class under the
// per-digest lock. The signature first becomes visible without an ec_id and
// is finalized only after the class membership is durable.
func (e *engine) generateSignature(ctx context.Context, absPath, relPath string, mtimeNS int64) error {
	digest, err := e.proc.Hash(ctx, e.algo, absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // deleted while walking
		}
		return err
	}

	release, err := e.locks.Lock(ctx, string(digest))
	if err != nil {
		return err
	}
	defer release()

	classes, err := e.store.ListECClasses(digest)
	if err != nil {
		return err
	}

	var ecID uint32
	var nextID uint32
	matched := false
	for _, class := range classes {
		if class.ID >= nextID {
			nextID = class.ID + 1
		}
		equal, err := e.proc.CompareContent(ctx, absPath, e.resolve(class.Paths[0]))
		if err != nil {
			// An unreadable comparison partner never merges classes.
			log.Debug().Str("path", class.Paths[0]).Err(err).Msg("content comparison failed, assuming different")
			equal = false
		}
		if equal {
			ecID = class.ID
			matched = true
			break
		}
	}
	if !matched {
		ecID = nextID
	}

	if err := e.store.RegisterFile(ctx, relPath, store.Signature{Digest: digest, MtimeNS: &mtimeNS}); err != nil {
		return err
	}
	if err := e.store.AddPathsToEC(ctx, digest, ecID, []string{relPath}); err != nil {
		return err
	}
	if err := e.store.RegisterFile(ctx, relPath, store.Signature{Digest: digest, MtimeNS: &mtimeNS, ECID: &ecID}); err != nil {
		return err
	}

	e.stats.hashedFiles.Add(1)
	if meta, err := processor.Stat(absPath); err == nil {
		e.stats.hashedBytes.Add(meta.Size)
	}
	e.bar.Describe(e.stats)
	return nil
}

// resolve maps an index-relative path to its filesystem location.
func (e *engine) resolve(relPath string) string {
	return filepath.Join(e.store.ArchivePath(), filepath.FromSlash(relPath))
}

func containsPath(paths []string, p string) bool {
	for _, candidate := range paths {
		if candidate == p {
			return true
		}
	}
	return false
}
