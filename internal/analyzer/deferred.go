package analyzer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/report"
)

// deferredCandidate tracks one still-valid candidate during a deferred-item
// comparison.
type deferredCandidate struct {
	path    string
	meta    processor.Metadata
	reducer *report.MetadataMatchReducer
}

// compareDeferredItem structurally compares a deferred item (symlink,
// device, fifo, socket, or directory) against the same-named item under
// every candidate directory in a single pass.
//
// The returned count is the number of items in the analyzed subtree matched
// by at least one candidate (deduplicated across candidates); the slice is
// parallel to candidatePaths with nil entries for candidates that do not
// exist, have a different file type, or cannot match this item kind.
//
// Directories recurse once per child with the surviving candidate list
// threaded through, then decide per-candidate identity and superset flags
// from the immediate child-name sets.
//
// All metadata reads go through the processor pool; a comparison that fails
// (vanished candidate, cancellation) invalidates that candidate only.
func (r *run) compareDeferredItem(ctx context.Context, analyzedPath string, candidatePaths []string) (int64, []*report.DuplicateMatch) {
	results := make([]*report.DuplicateMatch, len(candidatePaths))
	proc := r.analyzer.Processor

	analyzedMeta, err := proc.ReadMetadataNoFollow(ctx, analyzedPath)
	if err != nil {
		return 0, results // vanished mid-analysis: nothing can match
	}
	analyzedType := analyzedMeta.FileType()

	// First pass: compare against each candidate on the pool and retain
	// only candidates of the same type, pre-aggregating the item-level
	// metadata comparison.
	states := make([]*deferredCandidate, len(candidatePaths))
	alive := false
	for i, candidatePath := range candidatePaths {
		cmp, err := proc.CompareMetadataNoFollow(ctx, analyzedPath, candidatePath)
		if err != nil || cmp.B.FileType() != analyzedType {
			continue
		}
		reducer := report.NewMetadataMatchReducer(r.analyzer.Rule)
		reducer.AggregateFromComparison(cmp)
		states[i] = &deferredCandidate{path: candidatePath, meta: cmp.B, reducer: reducer}
		alive = true
	}
	if !alive {
		return 0, results
	}

	var totalMatched int64
	nonIdentical := make([]bool, len(candidatePaths))
	nonSuperset := make([]bool, len(candidatePaths))

	switch {
	case analyzedMeta.IsSymlink():
		target, err := os.Readlink(analyzedPath)
		if err != nil {
			return 0, results
		}
		matched := false
		for i, state := range states {
			if state == nil {
				continue
			}
			candidateTarget, err := os.Readlink(state.path)
			if err != nil || candidateTarget != target {
				states[i] = nil
				continue
			}
			state.reducer.DuplicatedItems = 1
			matched = true
		}
		if matched {
			totalMatched++
		}

	case analyzedMeta.IsDevice():
		major, minor := processor.Major(analyzedMeta.Rdev), processor.Minor(analyzedMeta.Rdev)
		matched := false
		for i, state := range states {
			if state == nil {
				continue
			}
			if processor.Major(state.meta.Rdev) != major || processor.Minor(state.meta.Rdev) != minor {
				states[i] = nil
				continue
			}
			state.reducer.DuplicatedItems = 1
			matched = true
		}
		if matched {
			totalMatched++
		}

	case analyzedMeta.IsFifoOrSocket():
		// Existence of the same type suffices.
		matched := false
		for _, state := range states {
			if state == nil {
				continue
			}
			state.reducer.DuplicatedItems = 1
			matched = true
		}
		if matched {
			totalMatched++
		}

	case analyzedMeta.IsDir():
		entries, err := os.ReadDir(analyzedPath)
		if err != nil {
			return 0, results
		}
		analyzedChildren := map[string]bool{}
		for _, entry := range entries {
			name := entry.Name()
			analyzedChildren[name] = true

			// One recursive call per child, carrying all surviving
			// candidates at once.
			var validIdx []int
			var childPaths []string
			for i, state := range states {
				if state == nil {
					continue
				}
				validIdx = append(validIdx, i)
				childPaths = append(childPaths, filepath.Join(state.path, name))
			}
			childMatched, childResults := r.compareDeferredItem(ctx, filepath.Join(analyzedPath, name), childPaths)
			totalMatched += childMatched
			for j, i := range validIdx {
				states[i].reducer.AggregateFromMatch(childResults[j])
			}
		}

		for i, state := range states {
			if state == nil {
				continue
			}
			candidateChildren, err := readDirNames(state.path)
			if err != nil {
				states[i] = nil
				continue
			}
			nonIdentical[i] = !equalSets(analyzedChildren, candidateChildren)
			nonSuperset[i] = !subsetOf(analyzedChildren, candidateChildren)
		}

	default:
		// Unknown file type: no candidate can match.
		return 0, results
	}

	for i, state := range states {
		if state == nil {
			continue
		}
		rel, err := filepath.Rel(r.analyzer.Store.ArchivePath(), state.path)
		if err != nil {
			continue
		}
		results[i] = state.reducer.CreateDuplicateMatch(filepath.ToSlash(rel), nonIdentical[i], nonSuperset[i])
	}
	return totalMatched, results
}
