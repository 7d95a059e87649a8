// Package importer merges the index of a related archive into the current
// one.
//
// The source must be strictly nested inside the current archive or be a
// strict ancestor of it; paths are rebased accordingly, and ancestor
// imports drop entries that fall outside the current tree. EC ids never
// carry over: every source class is re-anchored by byte-comparing a content
// witness against the current classes of the same digest, merging on
// equality and allocating the next free ec_id otherwise. Digest equality by
// itself is never trusted.
package importer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ivoronin/aridx/internal/keyedlock"
	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/settings"
	"github.com/ivoronin/aridx/internal/store"
)

var (
	// ErrInvalidRelationship means the source archive is neither nested in
	// nor an ancestor of the current archive, is the current archive, lies
	// inside .aridx, or is reachable only across an unfollowed symlink.
	ErrInvalidRelationship = errors.New("invalid import relationship")
	// ErrHashAlgorithmMismatch means source and current archives were built
	// with different digest algorithms.
	ErrHashAlgorithmMismatch = errors.New("hash algorithm mismatch")
)

// Importer merges one source archive's index into the current store.
type Importer struct {
	Store     *store.Store
	Processor *processor.Processor

	sourcePath  string
	currentPath string
	source      *store.Store
	locks       *keyedlock.KeyedLock

	// path transformation, set by determineRelationship
	nested       bool
	prefixToAdd  string // nested: prepended to source paths
	prefixToTrim string // ancestor: stripped from source paths
}

// Run validates the relationship, opens the source read-only and merges its
// registered files into the current archive.
func (im *Importer) Run(ctx context.Context, sourceArchivePath string) error {
	var err error
	if im.currentPath, err = filepath.Abs(im.Store.ArchivePath()); err != nil {
		return err
	}
	if im.sourcePath, err = filepath.Abs(sourceArchivePath); err != nil {
		return err
	}
	im.locks = keyedlock.New()

	if err := im.validate(); err != nil {
		return err
	}

	sourceSettings, err := settings.Load(im.sourcePath)
	if err != nil {
		return err
	}
	source, err := store.Open(sourceSettings, im.sourcePath, store.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open source archive: %w", err)
	}
	im.source = source
	defer func() { _ = source.Close() }()

	if err := im.adoptHashAlgorithm(); err != nil {
		return err
	}

	for sourceRel, sig := range source.ListRegisteredFiles() {
		transformed, ok := im.transformPath(sourceRel)
		if !ok {
			continue // outside the current archive's scope
		}
		existing, err := im.Store.LookupFile(transformed)
		if err != nil {
			return err
		}
		if existing != nil {
			// Already merged: this digest was processed by an earlier entry.
			continue
		}
		if err := im.mergeDigest(ctx, sig.Digest); err != nil {
			return err
		}
	}
	return nil
}

// validate enforces the archive relationship rules of the import operation.
func (im *Importer) validate() error {
	if im.sourcePath == im.currentPath {
		return fmt.Errorf("%w: source is the current archive", ErrInvalidRelationship)
	}
	if isUnder(im.sourcePath, filepath.Join(im.currentPath, store.IndexDirName)) {
		return fmt.Errorf("%w: source lies inside %s", ErrInvalidRelationship, store.IndexDirName)
	}

	switch {
	case isUnder(im.sourcePath, im.currentPath):
		im.nested = true
		rel, err := filepath.Rel(im.currentPath, im.sourcePath)
		if err != nil {
			return err
		}
		im.prefixToAdd = filepath.ToSlash(rel)
		return im.checkTraversalSymlinks(im.currentPath, rel, true)
	case isUnder(im.currentPath, im.sourcePath):
		rel, err := filepath.Rel(im.sourcePath, im.currentPath)
		if err != nil {
			return err
		}
		im.prefixToTrim = filepath.ToSlash(rel)
		return im.checkTraversalSymlinks(im.sourcePath, rel, false)
	default:
		return fmt.Errorf("%w: source must be nested in or an ancestor of the current archive", ErrInvalidRelationship)
	}
}

// checkTraversalSymlinks walks the directory chain between the two archive
// roots. For a nested source the intermediate directories are inside the
// current archive and may be symlinks only when listed in its
// followed_symlinks; for an ancestor source the chain lies outside the
// current archive and may not cross symlinks at all.
func (im *Importer) checkTraversalSymlinks(base, rel string, insideCurrent bool) error {
	followed := map[string]bool{}
	if insideCurrent {
		for _, p := range im.Store.Settings().GetStringList(settings.SettingFollowedSymlinks) {
			followed[p] = true
		}
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	current := base
	relSoFar := ""
	for _, part := range parts {
		current = filepath.Join(current, part)
		if relSoFar == "" {
			relSoFar = part
		} else {
			relSoFar += "/" + part
		}
		meta, err := processor.Lstat(current)
		if err != nil {
			return err
		}
		if meta.IsSymlink() && !followed[relSoFar] {
			return fmt.Errorf("%w: path to source crosses unfollowed symlink %s", ErrInvalidRelationship, relSoFar)
		}
	}
	return nil
}

// adoptHashAlgorithm adopts the source's algorithm into an unbuilt current
// archive; built archives must agree.
func (im *Importer) adoptHashAlgorithm() error {
	sourceAlgo, sourceOK, err := im.source.ReadManifest(store.ManifestHashAlgorithm)
	if err != nil {
		return err
	}
	currentAlgo, currentOK, err := im.Store.ReadManifest(store.ManifestHashAlgorithm)
	if err != nil {
		return err
	}

	if !currentOK {
		if sourceOK {
			return im.Store.WriteManifest(store.ManifestHashAlgorithm, sourceAlgo)
		}
		return nil
	}
	if sourceOK && sourceAlgo != currentAlgo {
		return fmt.Errorf("%w: source uses %s, current uses %s", ErrHashAlgorithmMismatch, sourceAlgo, currentAlgo)
	}
	return nil
}

// transformPath rebases a source-relative path into the current archive.
// The second result is false when the path falls outside the current scope.
func (im *Importer) transformPath(rel string) (string, bool) {
	if im.nested {
		return im.prefixToAdd + "/" + rel, true
	}
	if rel == im.prefixToTrim {
		return "", false // the current archive root itself is not a file
	}
	prefix := im.prefixToTrim + "/"
	if !strings.HasPrefix(rel, prefix) {
		return "", false
	}
	return rel[len(prefix):], true
}

// mergeDigest merges every source EC class of one digest into the current
// archive. The whole merge for the digest runs under the importer's
// per-digest lock. Run creates that lock set, so it orders merges within one
// import only; it is not shared with other imports or with a refresh.
func (im *Importer) mergeDigest(ctx context.Context, digest []byte) error {
	release, err := im.locks.Lock(ctx, string(digest))
	if err != nil {
		return err
	}
	defer release()

	existing, err := im.Store.ListECClasses(digest)
	if err != nil {
		return err
	}
	var nextID uint32
	for _, class := range existing {
		if class.ID >= nextID {
			nextID = class.ID + 1
		}
	}

	sourceClasses, err := im.source.ListECClasses(digest)
	if err != nil {
		return err
	}

	for _, sourceClass := range sourceClasses {
		transformed := make([]string, 0, len(sourceClass.Paths))
		for _, p := range sourceClass.Paths {
			if t, ok := im.transformPath(p); ok {
				transformed = append(transformed, t)
			}
		}
		if len(transformed) == 0 {
			continue
		}

		// Re-anchor the class by content, never by digest alone.
		witness := filepath.Join(im.sourcePath, filepath.FromSlash(sourceClass.Paths[0]))
		targetID, matched := uint32(0), false
		for _, class := range existing {
			equal, err := im.Processor.CompareContent(ctx, witness, im.resolveCurrent(class.Paths[0]))
			if err != nil {
				log.Debug().Str("path", class.Paths[0]).Err(err).Msg("content comparison failed, assuming different")
				continue
			}
			if equal {
				targetID = class.ID
				matched = true
				break
			}
		}
		if !matched {
			targetID = nextID
			nextID++
			existing = append(existing, store.ECClass{ID: targetID, Paths: transformed})
		}

		if err := im.Store.AddPathsToEC(ctx, digest, targetID, transformed); err != nil {
			return err
		}

		for _, sourceRel := range sourceClass.Paths {
			transformedRel, ok := im.transformPath(sourceRel)
			if !ok {
				continue
			}
			sourceSig, err := im.source.LookupFile(sourceRel)
			if err != nil {
				return err
			}
			if sourceSig == nil {
				continue
			}
			id := targetID
			sig := store.Signature{Digest: digest, MtimeNS: sourceSig.MtimeNS, ECID: &id}
			if err := im.Store.RegisterFile(ctx, transformedRel, sig); err != nil {
				return err
			}
		}
	}
	return nil
}

func (im *Importer) resolveCurrent(relPath string) string {
	return filepath.Join(im.currentPath, filepath.FromSlash(relPath))
}

// isUnder reports whether path is strictly inside root.
func isUnder(path, root string) bool {
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
