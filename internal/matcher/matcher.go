// Package matcher locates archive duplicates of a single external file.
//
// Matching is two-staged: the digest narrows the search to the EC classes
// recorded under it, then a byte-level content comparison against one
// representative of each class confirms the match. All members of the
// confirmed class are duplicates by the class invariant; per-member
// metadata comparison then classifies each as exact or content-only.
package matcher

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/report"
	"github.com/ivoronin/aridx/internal/store"
)

// Matcher holds the collaborators needed to match files against an archive.
type Matcher struct {
	Store     *store.Store
	Processor *processor.Processor
	Algorithm processor.Algorithm
}

// FindMatchingClass returns the member paths of the EC class whose content
// is byte-identical to target, or nil when the archive holds no duplicate.
// Comparison failures (a vanished or unreadable archive file) count as
// "different" and never abort the search.
func (m *Matcher) FindMatchingClass(ctx context.Context, target string) ([]string, error) {
	digest, err := m.Processor.Hash(ctx, m.Algorithm, target)
	if err != nil {
		return nil, err
	}

	classes, err := m.Store.ListECClasses(digest)
	if err != nil {
		return nil, err
	}
	for _, class := range classes {
		equal, err := m.Processor.CompareContent(ctx, m.resolve(class.Paths[0]), target)
		if err != nil {
			log.Debug().Str("path", class.Paths[0]).Err(err).Msg("content comparison failed, assuming different")
			continue
		}
		if equal {
			// One match suffices: every member of the class shares the content.
			return class.Paths, nil
		}
	}
	return nil, nil
}

// BuildMatches produces one DuplicateMatch per archive duplicate of a
// regular file, comparing metadata through the processor pool. Duplicates
// that vanish before their metadata can be read are skipped.
func (m *Matcher) BuildMatches(ctx context.Context, rule report.DuplicateMatchRule, target string, targetMeta processor.Metadata, paths []string) []*report.DuplicateMatch {
	matches := make([]*report.DuplicateMatch, 0, len(paths))
	for _, p := range paths {
		cmp, err := m.Processor.CompareMetadata(ctx, m.resolve(p), target)
		if err != nil {
			log.Debug().Str("path", p).Err(err).Msg("duplicate vanished before metadata read")
			continue
		}
		flags := report.CompareFlags(cmp)
		identical := rule.CalculateIsIdentical(flags)
		ruleCopy := rule
		matches = append(matches, &report.DuplicateMatch{
			Path:            p,
			Flags:           flags,
			DuplicatedSize:  targetMeta.Size,
			DuplicatedItems: 1,
			IsIdentical:     identical,
			// Files are atomic: a superset match is exactly an identical match.
			IsSuperset: identical,
			Rule:       &ruleCopy,
		})
	}
	return matches
}

func (m *Matcher) resolve(relPath string) string {
	return filepath.Join(m.Store.ArchivePath(), filepath.FromSlash(relPath))
}
