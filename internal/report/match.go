package report

import (
	"github.com/ivoronin/aridx/internal/processor"
)

// MatchFlags are the six per-property metadata comparison results.
type MatchFlags struct {
	Mtime bool
	Atime bool
	Ctime bool
	Mode  bool
	Owner bool
	Group bool
}

// CompareFlags derives the six match flags from a pooled metadata
// comparison: timestamp flags from the typed differences, mode and
// ownership from the two snapshots.
func CompareFlags(cmp processor.MetadataComparison) MatchFlags {
	flags := MatchFlags{Mtime: true, Atime: true, Ctime: true}
	for _, d := range cmp.Differences {
		switch d.Kind {
		case processor.DiffMtime:
			flags.Mtime = false
		case processor.DiffAtime:
			flags.Atime = false
		case processor.DiffCtime:
			flags.Ctime = false
		}
	}
	flags.Mode = cmp.A.Mode == cmp.B.Mode
	flags.Owner = cmp.A.UID == cmp.B.UID
	flags.Group = cmp.A.GID == cmp.B.GID
	return flags
}

// DuplicateMatch records that an archive path duplicates an analyzed item.
//
// DuplicatedSize and DuplicatedItems are localized to this archive
// location: an analyzed file duplicated in three archive directories
// contributes its size to each of the three matches.
//
// Rule is the comparison rule the match was produced under. It is an
// in-memory snapshot used to detect inconsistent aggregation and is not
// persisted; records read back from a report carry a nil rule.
type DuplicateMatch struct {
	Path            string // archive-relative
	Flags           MatchFlags
	DuplicatedSize  int64
	DuplicatedItems int64
	IsIdentical     bool
	IsSuperset      bool
	Rule            *DuplicateMatchRule
}

// MetadataMatchReducer AND-reduces metadata comparison results across the
// children of a directory (or across a recursive deferred comparison) and
// accumulates the localized duplicate counters. It starts from all-matching
// flags; any non-matching input clears the respective flag for good.
type MetadataMatchReducer struct {
	Flags           MatchFlags
	DuplicatedSize  int64
	DuplicatedItems int64

	rule DuplicateMatchRule
}

// NewMetadataMatchReducer creates a reducer with all flags matching.
func NewMetadataMatchReducer(rule DuplicateMatchRule) *MetadataMatchReducer {
	return &MetadataMatchReducer{
		Flags: MatchFlags{Mtime: true, Atime: true, Ctime: true, Mode: true, Owner: true, Group: true},
		rule:  rule,
	}
}

// AggregateFromMatch folds one child match into the reducer. Nil matches
// (invalidated candidates) are ignored.
func (r *MetadataMatchReducer) AggregateFromMatch(m *DuplicateMatch) {
	if m == nil {
		return
	}
	r.Flags.Mtime = r.Flags.Mtime && m.Flags.Mtime
	r.Flags.Atime = r.Flags.Atime && m.Flags.Atime
	r.Flags.Ctime = r.Flags.Ctime && m.Flags.Ctime
	r.Flags.Mode = r.Flags.Mode && m.Flags.Mode
	r.Flags.Owner = r.Flags.Owner && m.Flags.Owner
	r.Flags.Group = r.Flags.Group && m.Flags.Group
	r.DuplicatedItems += m.DuplicatedItems
	r.DuplicatedSize += m.DuplicatedSize
}

// AggregateFromComparison folds a pooled metadata comparison into the
// reducer without touching the counters.
func (r *MetadataMatchReducer) AggregateFromComparison(cmp processor.MetadataComparison) {
	r.AggregateFromMatch(&DuplicateMatch{Flags: CompareFlags(cmp)})
}

// CreateDuplicateMatch finalizes the reduction into a DuplicateMatch.
// nonIdentical forces is_identical off (structure differs); nonSuperset
// forces is_superset off (some analyzed item is missing from the
// candidate). Both otherwise require the rule-selected metadata to match.
func (r *MetadataMatchReducer) CreateDuplicateMatch(path string, nonIdentical, nonSuperset bool) *DuplicateMatch {
	metadataMatches := r.rule.CalculateIsIdentical(r.Flags)
	rule := r.rule
	return &DuplicateMatch{
		Path:            path,
		Flags:           r.Flags,
		DuplicatedSize:  r.DuplicatedSize,
		DuplicatedItems: r.DuplicatedItems,
		IsIdentical:     !nonIdentical && metadataMatches,
		IsSuperset:      !nonSuperset && metadataMatches,
		Rule:            &rule,
	}
}
