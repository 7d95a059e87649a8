//go:build unix

package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ivoronin/aridx/internal/index"
	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/report"
	"github.com/ivoronin/aridx/internal/settings"
	"github.com/ivoronin/aridx/internal/store"
	"github.com/ivoronin/aridx/internal/walker"
)

func createFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// copyTimes transfers atime and mtime from src to dst.
func copyTimes(t *testing.T, src, dst string) {
	t.Helper()
	meta, err := processor.Stat(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(dst, time.Unix(0, meta.AtimeNS), time.Unix(0, meta.MtimeNS)); err != nil {
		t.Fatal(err)
	}
}

// newTestAnalyzer builds an archive index over the given files and returns
// an analyzer bound to it.
func newTestAnalyzer(t *testing.T, archiveFiles map[string]string, rule report.DuplicateMatchRule) (*Analyzer, string) {
	t.Helper()
	archive := t.TempDir()
	for rel, content := range archiveFiles {
		createFile(t, filepath.Join(archive, rel), content)
	}

	st, err := settings.Load(archive)
	if err != nil {
		t.Fatal(err)
	}
	s, err := store.Open(st, archive, store.Options{Create: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	proc := processor.New(4)
	t.Cleanup(proc.Close)

	if err := index.Rebuild(context.Background(), s, proc, nil); err != nil {
		t.Fatal(err)
	}
	algo, err := processor.LookupAlgorithm(processor.DefaultAlgorithm)
	if err != nil {
		t.Fatal(err)
	}

	return &Analyzer{
		Store:     s,
		Processor: proc,
		Algorithm: algo,
		Rule:      rule,
	}, archive
}

// readReport opens the report written for input and returns the record for
// reportPath, or nil.
func readReport(t *testing.T, input, reportPath string) *report.DuplicateRecord {
	t.Helper()
	rs := report.NewStore(report.DirectoryPath(input))
	if err := rs.OpenDatabase(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rs.Close() }()
	rec, err := rs.ReadRecord(reportPath)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

// ruleIgnoringTimes keeps content plus mode and ownership; ctime cannot be
// copied onto test fixtures and atime churns on reads.
func ruleIgnoringTimes() report.DuplicateMatchRule {
	return report.DuplicateMatchRule{IncludeMode: true, IncludeOwner: true, IncludeGroup: true}
}

// ruleWithMtime additionally requires matching mtime.
func ruleWithMtime() report.DuplicateMatchRule {
	r := ruleIgnoringTimes()
	r.IncludeMtime = true
	return r
}

func TestExactFileDuplicate(t *testing.T) {
	a, archive := newTestAnalyzer(t, map[string]string{"original.txt": "test content"}, ruleWithMtime())

	input := filepath.Join(t.TempDir(), "T")
	createFile(t, filepath.Join(input, "duplicate.txt"), "test content")
	copyTimes(t, filepath.Join(archive, "original.txt"), filepath.Join(input, "duplicate.txt"))

	if err := a.Analyze(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	rec := readReport(t, input, "T/duplicate.txt")
	if rec == nil {
		t.Fatal("no record for the duplicate file")
	}
	if len(rec.Duplicates) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(rec.Duplicates))
	}
	m := rec.Duplicates[0]
	if m.Path != "original.txt" {
		t.Errorf("unexpected match path %q", m.Path)
	}
	if !m.IsIdentical || !m.IsSuperset {
		t.Errorf("expected identical match, got %+v", m)
	}
	if m.DuplicatedItems != 1 || rec.DuplicatedItems != 1 {
		t.Errorf("expected duplicated_items 1, got match=%d record=%d", m.DuplicatedItems, rec.DuplicatedItems)
	}
	if rec.TotalSize != int64(len("test content")) || rec.DuplicatedSize != rec.TotalSize {
		t.Errorf("unexpected sizes: %+v", rec)
	}

	// Root-level archive files propose no directory candidate, so the input
	// directory itself gets no record.
	if dirRec := readReport(t, input, "T"); dirRec != nil {
		t.Errorf("unexpected directory record: %+v", dirRec)
	}
}

func TestContentOnlyMatch(t *testing.T) {
	a, archive := newTestAnalyzer(t, map[string]string{"original.txt": "test content"}, ruleWithMtime())

	input := filepath.Join(t.TempDir(), "T")
	createFile(t, filepath.Join(input, "shifted.txt"), "test content")
	meta, err := processor.Stat(filepath.Join(archive, "original.txt"))
	if err != nil {
		t.Fatal(err)
	}
	shifted := time.Unix(0, meta.MtimeNS).Add(5 * time.Second)
	if err := os.Chtimes(filepath.Join(input, "shifted.txt"), shifted, shifted); err != nil {
		t.Fatal(err)
	}

	if err := a.Analyze(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	rec := readReport(t, input, "T/shifted.txt")
	if rec == nil || len(rec.Duplicates) != 1 {
		t.Fatalf("expected exactly one match, got %+v", rec)
	}
	m := rec.Duplicates[0]
	if m.IsIdentical {
		t.Error("mtime shift must break identity under an mtime-including rule")
	}
	if m.Flags.Mtime {
		t.Error("mtime flag must be false")
	}
	if m.DuplicatedItems != 1 || rec.DuplicatedItems != 1 {
		t.Error("content-only matches still count as duplicated items")
	}
}

func TestMultiDuplicate(t *testing.T) {
	a, _ := newTestAnalyzer(t, map[string]string{
		"dup1.txt": "duplicate",
		"dup2.txt": "duplicate",
		"dup3.txt": "duplicate",
	}, ruleIgnoringTimes())

	input := filepath.Join(t.TempDir(), "T")
	createFile(t, filepath.Join(input, "file.txt"), "duplicate")

	if err := a.Analyze(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	rec := readReport(t, input, "T/file.txt")
	if rec == nil || len(rec.Duplicates) != 3 {
		t.Fatalf("expected three matches, got %+v", rec)
	}
	size := int64(len("duplicate"))
	// Record-level size is deduplicated; per-match size is localized.
	if rec.DuplicatedSize != size {
		t.Errorf("record duplicated_size must count the file once: %d", rec.DuplicatedSize)
	}
	for _, m := range rec.Duplicates {
		if m.DuplicatedSize != size {
			t.Errorf("match %s duplicated_size: %d", m.Path, m.DuplicatedSize)
		}
	}
}

func TestPartialMatchDirectory(t *testing.T) {
	a, archive := newTestAnalyzer(t, map[string]string{
		"bigdir/file1": "one",
		"bigdir/file2": "two",
		"bigdir/extra": "extra",
	}, ruleWithMtime())

	base := t.TempDir()
	input := filepath.Join(base, "smalldir")
	createFile(t, filepath.Join(input, "file1"), "one")
	createFile(t, filepath.Join(input, "file2"), "two")
	copyTimes(t, filepath.Join(archive, "bigdir", "file1"), filepath.Join(input, "file1"))
	copyTimes(t, filepath.Join(archive, "bigdir", "file2"), filepath.Join(input, "file2"))
	copyTimes(t, filepath.Join(archive, "bigdir"), input)

	if err := a.Analyze(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	rec := readReport(t, input, "smalldir")
	if rec == nil || len(rec.Duplicates) != 1 {
		t.Fatalf("expected one directory match, got %+v", rec)
	}
	m := rec.Duplicates[0]
	if m.Path != "bigdir" {
		t.Errorf("unexpected candidate %q", m.Path)
	}
	if m.IsIdentical {
		t.Error("extra file in candidate must break identity")
	}
	if !m.IsSuperset {
		t.Errorf("candidate holding all analyzed items must be a superset: %+v", m)
	}
	if m.DuplicatedItems != 2 {
		t.Errorf("expected duplicated_items 2, got %d", m.DuplicatedItems)
	}
	if rec.TotalItems != 2 || rec.DuplicatedItems != 2 {
		t.Errorf("unexpected record counters: %+v", rec)
	}
	if rec.TotalSize != int64(len("one")+len("two")) {
		t.Errorf("total_size must sum all children unconditionally: %d", rec.TotalSize)
	}
}

func TestIdenticalDirectory(t *testing.T) {
	a, archive := newTestAnalyzer(t, map[string]string{
		"dir/file1": "one",
		"dir/file2": "two",
	}, ruleWithMtime())

	base := t.TempDir()
	input := filepath.Join(base, "copy")
	createFile(t, filepath.Join(input, "file1"), "one")
	createFile(t, filepath.Join(input, "file2"), "two")
	copyTimes(t, filepath.Join(archive, "dir", "file1"), filepath.Join(input, "file1"))
	copyTimes(t, filepath.Join(archive, "dir", "file2"), filepath.Join(input, "file2"))
	copyTimes(t, filepath.Join(archive, "dir"), input)

	if err := a.Analyze(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	rec := readReport(t, input, "copy")
	if rec == nil || len(rec.Duplicates) != 1 {
		t.Fatalf("expected one directory match, got %+v", rec)
	}
	m := rec.Duplicates[0]
	if !m.IsIdentical || !m.IsSuperset {
		t.Errorf("expected identical directory match: %+v", m)
	}
	if m.DuplicatedSize != int64(len("one")+len("two")) {
		t.Errorf("unexpected match duplicated_size %d", m.DuplicatedSize)
	}
}

func TestDirectoryWithoutDuplicates(t *testing.T) {
	a, _ := newTestAnalyzer(t, map[string]string{"unrelated": "zzz"}, ruleIgnoringTimes())

	input := filepath.Join(t.TempDir(), "clean")
	createFile(t, filepath.Join(input, "a"), "a content")
	createFile(t, filepath.Join(input, "b"), "b content")

	if err := a.Analyze(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	if rec := readReport(t, input, "clean"); rec != nil {
		t.Errorf("directory without duplicates must not produce a record: %+v", rec)
	}
	if rec := readReport(t, input, "clean/a"); rec != nil {
		t.Errorf("non-duplicate file must not produce a record: %+v", rec)
	}
}

func TestDeferredSymlinkInDirectory(t *testing.T) {
	a, archive := newTestAnalyzer(t, map[string]string{"d/file1": "payload"}, ruleIgnoringTimes())
	if err := os.Symlink("payload-target", filepath.Join(archive, "d", "ln")); err != nil {
		t.Fatal(err)
	}

	input := filepath.Join(t.TempDir(), "mirror")
	createFile(t, filepath.Join(input, "file1"), "payload")
	if err := os.Symlink("payload-target", filepath.Join(input, "ln")); err != nil {
		t.Fatal(err)
	}

	if err := a.Analyze(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	rec := readReport(t, input, "mirror")
	if rec == nil || len(rec.Duplicates) != 1 {
		t.Fatalf("expected one directory match, got %+v", rec)
	}
	m := rec.Duplicates[0]
	if m.Path != "d" {
		t.Errorf("unexpected candidate %q", m.Path)
	}
	if !m.IsIdentical {
		t.Errorf("matching symlink and file should make the directory identical under a time-free rule: %+v", m)
	}
	// file1 plus the symlink.
	if m.DuplicatedItems != 2 || rec.DuplicatedItems != 2 {
		t.Errorf("expected 2 duplicated items, got match=%d record=%d", m.DuplicatedItems, rec.DuplicatedItems)
	}
	if rec.TotalItems != 2 {
		t.Errorf("expected 2 total items, got %d", rec.TotalItems)
	}
}

func TestMismatchedSymlinkBreaksCandidate(t *testing.T) {
	a, archive := newTestAnalyzer(t, map[string]string{"d/file1": "payload"}, ruleIgnoringTimes())
	if err := os.Symlink("target-a", filepath.Join(archive, "d", "ln")); err != nil {
		t.Fatal(err)
	}

	input := filepath.Join(t.TempDir(), "mirror")
	createFile(t, filepath.Join(input, "file1"), "payload")
	if err := os.Symlink("target-b", filepath.Join(input, "ln")); err != nil {
		t.Fatal(err)
	}

	if err := a.Analyze(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	rec := readReport(t, input, "mirror")
	if rec == nil || len(rec.Duplicates) != 1 {
		t.Fatalf("expected one directory match, got %+v", rec)
	}
	m := rec.Duplicates[0]
	// The symlink mismatch invalidates the deferred comparison for this
	// candidate, but file1 still duplicates: content-wise match only.
	if m.DuplicatedItems != 1 {
		t.Errorf("only file1 should count, got %d", m.DuplicatedItems)
	}
	if rec.DuplicatedItems != 1 {
		t.Errorf("record duplicated_items should be 1, got %d", rec.DuplicatedItems)
	}
}

func TestAnalyzeRequiresArchiveID(t *testing.T) {
	archive := t.TempDir()
	st, _ := settings.Load(archive)
	s, err := store.Open(st, archive, store.Options{Create: true})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	proc := processor.New(1)
	defer proc.Close()
	algo, _ := processor.LookupAlgorithm(processor.DefaultAlgorithm)

	a := &Analyzer{Store: s, Processor: proc, Algorithm: algo, Rule: report.DefaultRule()}
	input := filepath.Join(t.TempDir(), "in")
	createFile(t, filepath.Join(input, "f"), "x")

	if err := a.Analyze(context.Background(), input); !errors.Is(err, ErrArchiveIDMissing) {
		t.Fatalf("expected ErrArchiveIDMissing, got %v", err)
	}
}

func TestAnalyzeReportPathConflict(t *testing.T) {
	a, _ := newTestAnalyzer(t, map[string]string{"f": "x"}, report.DefaultRule())

	base := t.TempDir()
	input := filepath.Join(base, "in")
	createFile(t, filepath.Join(input, "f"), "x")
	// A file occupies the report directory path.
	createFile(t, report.DirectoryPath(input), "blocker")

	if err := a.Analyze(context.Background(), input); !errors.Is(err, report.ErrReportPathConflict) {
		t.Fatalf("expected ErrReportPathConflict, got %v", err)
	}
}

func TestAnalyzeSingleFileInput(t *testing.T) {
	a, _ := newTestAnalyzer(t, map[string]string{"orig": "solo content"}, ruleIgnoringTimes())

	base := t.TempDir()
	input := filepath.Join(base, "solo.txt")
	createFile(t, input, "solo content")

	if err := a.Analyze(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	rec := readReport(t, input, "solo.txt")
	if rec == nil || len(rec.Duplicates) != 1 || rec.Duplicates[0].Path != "orig" {
		t.Fatalf("unexpected record for single-file input: %+v", rec)
	}
}

func TestInconsistentRuleDetected(t *testing.T) {
	a, archive := newTestAnalyzer(t, map[string]string{
		"cand/f1": "1",
		"cand/f2": "2",
	}, ruleIgnoringTimes())

	rs := report.NewStore(report.DirectoryPath(filepath.Join(t.TempDir(), "in")))
	if err := rs.CreateDirectory(); err != nil {
		t.Fatal(err)
	}
	if err := rs.OpenDatabase(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rs.Close() }()

	ruleA := ruleIgnoringTimes()
	ruleB := ruleWithMtime()

	r := &run{analyzer: a, reports: rs, inputBase: "in"}
	meta, err := processor.Stat(archive)
	if err != nil {
		t.Fatal(err)
	}
	fc := &walker.FileContext{Name: "in", RelPath: ".", Meta: meta}

	flags := report.MatchFlags{Mtime: true, Atime: true, Ctime: true, Mode: true, Owner: true, Group: true}
	results := []Result{
		{
			BaseName:   "f1",
			ReportPath: "in/f1",
			Duplicates: []*report.DuplicateMatch{{Path: "cand/f1", Flags: flags, DuplicatedItems: 1, Rule: &ruleA}},
			TotalItems: 1,
		},
		{
			BaseName:   "f2",
			ReportPath: "in/f2",
			Duplicates: []*report.DuplicateMatch{{Path: "cand/f2", Flags: flags, DuplicatedItems: 1, Rule: &ruleB}},
			TotalItems: 1,
		},
	}

	_, err = r.reduceDirectory(context.Background(), archive, fc, results)
	if !errors.Is(err, ErrInconsistentRule) {
		t.Fatalf("expected ErrInconsistentRule, got %v", err)
	}
}
