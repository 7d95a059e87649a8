package analyzer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/ivoronin/aridx/internal/report"
	"github.com/ivoronin/aridx/internal/walker"
)

// candidate is one archive directory proposed as a duplicate of the
// directory under reduction. Candidates are discovered from child file
// matches and kept in insertion order; childNames preserves the order the
// children attached their matches.
type candidate struct {
	dir        string // archive-relative
	childNames []string
	children   map[string]*report.DuplicateMatch
}

// reduceDirectory computes a directory's result from its children's
// results. It runs under the coordinator's callback mutex once the whole
// subtree has resolved.
//
// Totals sum over all children unconditionally; whether a child has
// duplicates only affects the duplicated counters the child itself
// reported. Candidate directories are the parents of same-name child
// matches; each is reduced by ANDing child metadata flags, folding in
// structural comparisons of deferred items, and finally comparing the
// directory stat itself. Identity additionally requires equal child-name
// sets, superset requires containment.
func (r *run) reduceDirectory(ctx context.Context, dirPath string, fc *walker.FileContext, results []Result) (Result, error) {
	reduced := Result{
		ReportPath: r.reportPath(fc),
		BaseName:   fc.Name,
	}

	var candidates []*candidate
	candidateIndex := map[string]*candidate{}
	var deferredNames []string
	allItems := map[string]bool{}

	for _, res := range results {
		reduced.TotalSize += res.TotalSize
		reduced.TotalItems += res.TotalItems
		reduced.DuplicatedSize += res.DuplicatedSize
		reduced.DuplicatedItems += res.DuplicatedItems
		allItems[res.BaseName] = true

		if res.Deferred {
			deferredNames = append(deferredNames, res.BaseName)
			continue
		}
		for _, m := range res.Duplicates {
			// Only same-name duplicates propose their parent directory, and
			// root-level archive files have no directory candidate at all.
			if path.Base(m.Path) != res.BaseName {
				continue
			}
			parent := path.Dir(m.Path)
			if parent == "." {
				continue
			}
			c := candidateIndex[parent]
			if c == nil {
				c = &candidate{dir: parent, children: map[string]*report.DuplicateMatch{}}
				candidateIndex[parent] = c
				candidates = append(candidates, c)
			}
			if _, seen := c.children[res.BaseName]; !seen {
				c.childNames = append(c.childNames, res.BaseName)
			}
			c.children[res.BaseName] = m
		}
	}

	if len(candidates) == 0 {
		// Without candidates this directory cannot decide its own
		// comparability when deferred children exist; its parent will.
		reduced.Deferred = len(deferredNames) > 0
		return reduced, nil
	}

	// Structural comparison of deferred items, one pass per item across all
	// candidates. Matched counts are global (deduplicated) and go into the
	// directory totals; per-candidate outcomes feed that candidate's reducer.
	deferredResults := map[string]*report.DuplicateMatch{}
	deferredReducers := map[string]*report.MetadataMatchReducer{}
	for _, c := range candidates {
		deferredReducers[c.dir] = report.NewMetadataMatchReducer(r.analyzer.Rule)
	}
	for _, name := range deferredNames {
		candidatePaths := make([]string, len(candidates))
		for i, c := range candidates {
			candidatePaths[i] = r.resolveArchive(path.Join(c.dir, name))
		}
		matched, perCandidate := r.compareDeferredItem(ctx, filepath.Join(dirPath, name), candidatePaths)
		reduced.DuplicatedItems += matched
		for i, c := range candidates {
			deferredReducers[c.dir].AggregateFromMatch(perCandidate[i])
		}
	}
	for _, c := range candidates {
		deferredResults[c.dir] = deferredReducers[c.dir].CreateDuplicateMatch(c.dir, false, false)
	}

	var comparisons []*report.DuplicateMatch
	for _, c := range candidates {
		reducer := report.NewMetadataMatchReducer(r.analyzer.Rule)

		var seenRule *report.DuplicateMatchRule
		for _, name := range c.childNames {
			m := c.children[name]
			if m.Rule != nil {
				if seenRule != nil && *seenRule != *m.Rule {
					return Result{}, fmt.Errorf("%w %s: child %s", ErrInconsistentRule, fc.RelPath, name)
				}
				seenRule = m.Rule
			}
			reducer.AggregateFromMatch(m)
		}
		reducer.AggregateFromMatch(deferredResults[c.dir])

		candidateAbs := r.resolveArchive(c.dir)
		candidateItems, err := readDirNames(candidateAbs)
		if err != nil {
			log.Debug().Str("path", c.dir).Err(err).Msg("candidate directory unreadable, skipping")
			continue
		}
		cmp, err := r.analyzer.Processor.CompareMetadata(ctx, dirPath, candidateAbs)
		if err != nil {
			continue
		}
		reducer.AggregateFromComparison(cmp)

		comparisons = append(comparisons, reducer.CreateDuplicateMatch(
			c.dir,
			!equalSets(allItems, candidateItems),
			!subsetOf(allItems, candidateItems),
		))
	}

	if len(comparisons) == 0 {
		return reduced, nil
	}

	rec := &report.DuplicateRecord{
		Path:            reduced.ReportPath,
		Duplicates:      comparisons,
		TotalSize:       reduced.TotalSize,
		TotalItems:      reduced.TotalItems,
		DuplicatedSize:  reduced.DuplicatedSize,
		DuplicatedItems: reduced.DuplicatedItems,
	}
	if err := r.reports.WriteRecord(rec); err != nil {
		return Result{}, err
	}
	log.Debug().Str("path", reduced.ReportPath).Int("candidates", len(comparisons)).Msg("directory has archive duplicates")

	return resultFromRecord(rec, fc.Name), nil
}

func (r *run) resolveArchive(relPath string) string {
	return filepath.Join(r.analyzer.Store.ArchivePath(), filepath.FromSlash(relPath))
}

func readDirNames(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		names[entry.Name()] = true
	}
	return names, nil
}

func equalSets(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	return subsetOf(a, b)
}

func subsetOf(a, b map[string]bool) bool {
	for name := range a {
		if !b[name] {
			return false
		}
	}
	return true
}
