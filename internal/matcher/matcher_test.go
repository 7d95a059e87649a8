//go:build unix

package matcher

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/ivoronin/aridx/internal/index"
	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/report"
	"github.com/ivoronin/aridx/internal/settings"
	"github.com/ivoronin/aridx/internal/store"
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

func newMatcher(t *testing.T, archiveFiles map[string]string, algoName string) *Matcher {
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

	proc := processor.New(2)
	t.Cleanup(proc.Close)

	algo, err := processor.LookupAlgorithm(algoName)
	if err != nil {
		t.Fatal(err)
	}
	if err := index.RebuildWith(context.Background(), s, proc, algo, nil); err != nil {
		t.Fatal(err)
	}
	return &Matcher{Store: s, Processor: proc, Algorithm: algo}
}

func TestFindMatchingClass(t *testing.T) {
	m := newMatcher(t, map[string]string{
		"one.txt":     "payload",
		"sub/two.txt": "payload",
		"other.txt":   "different",
	}, "sha256")

	target := filepath.Join(t.TempDir(), "t")
	createFile(t, target, "payload")

	paths, err := m.FindMatchingClass(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(paths, []string{"one.txt", "sub/two.txt"}) {
		t.Errorf("unexpected class members: %v", paths)
	}
}

func TestFindMatchingClassNoDuplicate(t *testing.T) {
	m := newMatcher(t, map[string]string{"one.txt": "payload"}, "sha256")

	target := filepath.Join(t.TempDir(), "t")
	createFile(t, target, "no such content")

	paths, err := m.FindMatchingClass(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if paths != nil {
		t.Errorf("expected no match, got %v", paths)
	}
}

// TestFindMatchingClassCollision uses the weak digest: the target collides
// with an indexed file by digest but differs in content, so no class may
// match on digest alone.
func TestFindMatchingClassCollision(t *testing.T) {
	m := newMatcher(t, map[string]string{
		"a.bin": string([]byte{0, 0, 0, 1, 0, 0, 0, 1}),
	}, "xor4")

	target := filepath.Join(t.TempDir(), "t")
	createFile(t, target, string([]byte{0, 0, 0, 2, 0, 0, 0, 2}))

	paths, err := m.FindMatchingClass(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if paths != nil {
		t.Errorf("digest collision must not produce a match: %v", paths)
	}

	// The genuine duplicate still matches.
	same := filepath.Join(t.TempDir(), "s")
	createFile(t, same, string([]byte{0, 0, 0, 1, 0, 0, 0, 1}))
	paths, err = m.FindMatchingClass(context.Background(), same)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(paths, []string{"a.bin"}) {
		t.Errorf("expected a.bin, got %v", paths)
	}
}

func TestBuildMatches(t *testing.T) {
	m := newMatcher(t, map[string]string{"orig": "xyz"}, "sha256")

	target := filepath.Join(t.TempDir(), "t")
	createFile(t, target, "xyz")
	meta, err := processor.Stat(target)
	if err != nil {
		t.Fatal(err)
	}

	rule := report.DuplicateMatchRule{IncludeMode: true, IncludeOwner: true, IncludeGroup: true}
	matches := m.BuildMatches(context.Background(), rule, target, meta, []string{"orig", "vanished"})

	// The vanished candidate is skipped, not fatal.
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
	got := matches[0]
	if got.Path != "orig" || !got.IsIdentical || !got.IsSuperset {
		t.Errorf("unexpected match: %+v", got)
	}
	if got.DuplicatedSize != 3 || got.DuplicatedItems != 1 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.Rule == nil || *got.Rule != rule {
		t.Error("rule snapshot missing")
	}
}
