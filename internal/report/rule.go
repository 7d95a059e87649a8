// Package report holds the duplicate-analysis result model and its
// persistent store: match rules, per-candidate matches, the AND-reducer for
// directory aggregation, duplicate records, and the per-report database
// written next to the analyzed path.
package report

// DuplicateMatchRule selects which metadata properties participate in exact
// identity decisions. Content equivalence is always required; the rule only
// governs the metadata side.
type DuplicateMatchRule struct {
	IncludeMtime bool
	IncludeAtime bool
	IncludeCtime bool
	IncludeMode  bool
	IncludeOwner bool
	IncludeGroup bool
}

// DefaultRule includes every property except atime, which changes on any
// read and is rarely meaningful for identity.
func DefaultRule() DuplicateMatchRule {
	return DuplicateMatchRule{
		IncludeMtime: true,
		IncludeCtime: true,
		IncludeMode:  true,
		IncludeOwner: true,
		IncludeGroup: true,
	}
}

// CalculateIsIdentical reports whether flags satisfy the rule: every
// included property must have matched.
func (r DuplicateMatchRule) CalculateIsIdentical(f MatchFlags) bool {
	return (!r.IncludeMtime || f.Mtime) &&
		(!r.IncludeAtime || f.Atime) &&
		(!r.IncludeCtime || f.Ctime) &&
		(!r.IncludeMode || f.Mode) &&
		(!r.IncludeOwner || f.Owner) &&
		(!r.IncludeGroup || f.Group)
}

// ToMap converts the rule for the JSON report manifest.
func (r DuplicateMatchRule) ToMap() map[string]bool {
	return map[string]bool{
		"include_mtime": r.IncludeMtime,
		"include_atime": r.IncludeAtime,
		"include_ctime": r.IncludeCtime,
		"include_mode":  r.IncludeMode,
		"include_owner": r.IncludeOwner,
		"include_group": r.IncludeGroup,
	}
}

// RuleFromMap restores a rule from its manifest form; absent keys take the
// default rule's values.
func RuleFromMap(m map[string]bool) DuplicateMatchRule {
	r := DefaultRule()
	get := func(key string, def bool) bool {
		if v, ok := m[key]; ok {
			return v
		}
		return def
	}
	r.IncludeMtime = get("include_mtime", r.IncludeMtime)
	r.IncludeAtime = get("include_atime", r.IncludeAtime)
	r.IncludeCtime = get("include_ctime", r.IncludeCtime)
	r.IncludeMode = get("include_mode", r.IncludeMode)
	r.IncludeOwner = get("include_owner", r.IncludeOwner)
	r.IncludeGroup = get("include_group", r.IncludeGroup)
	return r
}
