//go:build unix

package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/ivoronin/aridx/internal/index"
	"github.com/ivoronin/aridx/internal/processor"
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

func openStore(t *testing.T, archivePath string) *store.Store {
	t.Helper()
	st, err := settings.Load(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	s, err := store.Open(st, archivePath, store.Options{Create: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newProcessor(t *testing.T) *processor.Processor {
	t.Helper()
	p := processor.New(2)
	t.Cleanup(p.Close)
	return p
}

func TestImportNestedMergesEquivalence(t *testing.T) {
	ctx := context.Background()
	proc := newProcessor(t)

	// Outer archive holds one copy of the shared content; the nested source
	// archive holds another plus its own unique file.
	outer := t.TempDir()
	createFile(t, filepath.Join(outer, "existing.txt"), "shared content")
	nested := filepath.Join(outer, "sub")
	createFile(t, filepath.Join(nested, "imported.txt"), "shared content")
	createFile(t, filepath.Join(nested, "unique.txt"), "unique content")

	source := openStore(t, nested)
	if err := index.Rebuild(ctx, source, proc, nil); err != nil {
		t.Fatal(err)
	}
	if err := source.Close(); err != nil {
		t.Fatal(err)
	}

	outerStore := openStore(t, outer)
	if err := index.Rebuild(ctx, outerStore, proc, nil); err != nil {
		t.Fatal(err)
	}
	// The nested archive's own files were indexed by the outer rebuild too;
	// drop them to simulate an outer index built before the subtree existed.
	for _, rel := range []string{"sub/imported.txt", "sub/unique.txt"} {
		sig, err := outerStore.LookupFile(rel)
		if err != nil || sig == nil {
			t.Fatalf("setup: %s not indexed (%v)", rel, err)
		}
		if err := outerStore.RemovePathsFromEC(ctx, sig.Digest, *sig.ECID, []string{rel}); err != nil {
			t.Fatal(err)
		}
		if err := outerStore.DeregisterFile(ctx, rel); err != nil {
			t.Fatal(err)
		}
	}

	im := &Importer{Store: outerStore, Processor: proc}
	if err := im.Run(ctx, nested); err != nil {
		t.Fatal(err)
	}

	// Imported files are registered under transformed paths.
	imported, err := outerStore.LookupFile("sub/imported.txt")
	if err != nil || imported == nil || imported.ECID == nil {
		t.Fatalf("imported file not registered: %+v err=%v", imported, err)
	}
	existing, _ := outerStore.LookupFile("existing.txt")
	if existing == nil {
		t.Fatal("pre-existing file lost")
	}

	// Identical content from both archives shares one EC class.
	if string(imported.Digest) != string(existing.Digest) || *imported.ECID != *existing.ECID {
		t.Errorf("imported duplicate not merged into the existing class: %+v vs %+v", imported, existing)
	}
	classes, _ := outerStore.ListECClasses(existing.Digest)
	if len(classes) != 1 {
		t.Fatalf("expected one merged class, got %+v", classes)
	}
	if !slices.Equal(classes[0].Paths, []string{"existing.txt", "sub/imported.txt"}) {
		t.Errorf("unexpected class members: %v", classes[0].Paths)
	}

	// The unique file came over with its own class.
	unique, _ := outerStore.LookupFile("sub/unique.txt")
	if unique == nil || unique.ECID == nil {
		t.Fatal("unique file not imported")
	}
}

func TestImportAncestorFiltersOutOfScope(t *testing.T) {
	ctx := context.Background()
	proc := newProcessor(t)

	outer := t.TempDir()
	inner := filepath.Join(outer, "inner")
	createFile(t, filepath.Join(outer, "outside.txt"), "outside")
	createFile(t, filepath.Join(inner, "kept.txt"), "kept content")

	outerStore := openStore(t, outer)
	if err := index.Rebuild(ctx, outerStore, proc, nil); err != nil {
		t.Fatal(err)
	}
	if err := outerStore.Close(); err != nil {
		t.Fatal(err)
	}

	innerStore := openStore(t, inner)
	im := &Importer{Store: innerStore, Processor: proc}
	if err := im.Run(ctx, outer); err != nil {
		t.Fatal(err)
	}

	// The ancestor's algorithm was adopted.
	if algo, ok, _ := innerStore.ReadManifest(store.ManifestHashAlgorithm); !ok || algo != "sha256" {
		t.Errorf("algorithm not adopted: %q", algo)
	}

	kept, _ := innerStore.LookupFile("kept.txt")
	if kept == nil || kept.ECID == nil {
		t.Fatal("in-scope file not imported with stripped prefix")
	}
	if out, _ := innerStore.LookupFile("outside.txt"); out != nil {
		t.Error("out-of-scope file imported")
	}
	if out, _ := innerStore.LookupFile("../outside.txt"); out != nil {
		t.Error("out-of-scope file imported under a relative path")
	}
}

func TestImportCollisionsStaySeparate(t *testing.T) {
	ctx := context.Background()
	proc := newProcessor(t)

	// Both archives are built with the weak xor4 digest; the two contents
	// collide on the zero digest but must never share a class.
	contentA := string([]byte{0, 0, 0, 1, 0, 0, 0, 1})
	contentB := string([]byte{0, 0, 0, 2, 0, 0, 0, 2})

	outer := t.TempDir()
	createFile(t, filepath.Join(outer, "a.bin"), contentA)
	nested := filepath.Join(outer, "sub")
	createFile(t, filepath.Join(nested, "b.bin"), contentB)

	algo, err := processor.LookupAlgorithm("xor4")
	if err != nil {
		t.Fatal(err)
	}

	// Build the outer index before the nested index exists so the nested
	// database file never lands in the outer index.
	outerStore := openStore(t, outer)
	if err := index.RebuildWith(ctx, outerStore, proc, algo, nil); err != nil {
		t.Fatal(err)
	}
	sig, _ := outerStore.LookupFile("sub/b.bin")
	if sig == nil {
		t.Fatal("setup: sub/b.bin not indexed")
	}
	if err := outerStore.RemovePathsFromEC(ctx, sig.Digest, *sig.ECID, []string{"sub/b.bin"}); err != nil {
		t.Fatal(err)
	}
	if err := outerStore.DeregisterFile(ctx, "sub/b.bin"); err != nil {
		t.Fatal(err)
	}

	source := openStore(t, nested)
	if err := index.RebuildWith(ctx, source, proc, algo, nil); err != nil {
		t.Fatal(err)
	}
	if err := source.Close(); err != nil {
		t.Fatal(err)
	}

	im := &Importer{Store: outerStore, Processor: proc}
	if err := im.Run(ctx, nested); err != nil {
		t.Fatal(err)
	}

	zero := []byte{0, 0, 0, 0}
	classes, _ := outerStore.ListECClasses(zero)
	if len(classes) != 2 {
		t.Fatalf("colliding contents must stay in distinct classes: %+v", classes)
	}

	a, _ := outerStore.LookupFile("a.bin")
	b, _ := outerStore.LookupFile("sub/b.bin")
	if a == nil || b == nil {
		t.Fatal("files missing after import")
	}
	if *a.ECID == *b.ECID {
		t.Error("content-distinct files merged into one class")
	}
}

func TestImportAlgorithmMismatch(t *testing.T) {
	ctx := context.Background()
	proc := newProcessor(t)

	outer := t.TempDir()
	createFile(t, filepath.Join(outer, "x"), "x")
	nested := filepath.Join(outer, "sub")
	createFile(t, filepath.Join(nested, "y"), "y")

	xor4, _ := processor.LookupAlgorithm("xor4")
	source := openStore(t, nested)
	if err := index.RebuildWith(ctx, source, proc, xor4, nil); err != nil {
		t.Fatal(err)
	}
	if err := source.Close(); err != nil {
		t.Fatal(err)
	}

	outerStore := openStore(t, outer)
	if err := index.Rebuild(ctx, outerStore, proc, nil); err != nil {
		t.Fatal(err)
	}

	im := &Importer{Store: outerStore, Processor: proc}
	if err := im.Run(ctx, nested); !errors.Is(err, ErrHashAlgorithmMismatch) {
		t.Fatalf("expected ErrHashAlgorithmMismatch, got %v", err)
	}
}

func TestImportInvalidRelationships(t *testing.T) {
	ctx := context.Background()
	proc := newProcessor(t)

	archive := t.TempDir()
	createFile(t, filepath.Join(archive, "f"), "f")
	s := openStore(t, archive)

	im := &Importer{Store: s, Processor: proc}

	// Same archive.
	if err := im.Run(ctx, archive); !errors.Is(err, ErrInvalidRelationship) {
		t.Errorf("same archive: expected ErrInvalidRelationship, got %v", err)
	}
	// Unrelated sibling.
	im = &Importer{Store: s, Processor: proc}
	if err := im.Run(ctx, t.TempDir()); !errors.Is(err, ErrInvalidRelationship) {
		t.Errorf("sibling: expected ErrInvalidRelationship, got %v", err)
	}
	// Inside .aridx.
	im = &Importer{Store: s, Processor: proc}
	if err := im.Run(ctx, filepath.Join(archive, store.IndexDirName, "database")); !errors.Is(err, ErrInvalidRelationship) {
		t.Errorf(".aridx: expected ErrInvalidRelationship, got %v", err)
	}
}

func TestImportRefusesUnfollowedSymlinkPath(t *testing.T) {
	ctx := context.Background()
	proc := newProcessor(t)

	archive := t.TempDir()
	real := filepath.Join(archive, "realdir")
	createFile(t, filepath.Join(real, "sub", "f"), "f")
	if err := os.Symlink(real, filepath.Join(archive, "linkdir")); err != nil {
		t.Fatal(err)
	}

	s := openStore(t, archive)
	im := &Importer{Store: s, Processor: proc}
	err := im.Run(ctx, filepath.Join(archive, "linkdir", "sub"))
	if !errors.Is(err, ErrInvalidRelationship) {
		t.Fatalf("expected ErrInvalidRelationship for symlink traversal, got %v", err)
	}
}
