// Package store is the persistent index layer of an archive.
//
// The index lives in a single ordered key-value database (bbolt) at
// <archive>/.aridx/database and holds three kinds of state: manifest
// properties, per-file signatures, and content equivalence class (EC class)
// membership. An EC class (digest, ec_id) is a set of relative paths whose
// files are byte-identical; two classes share a digest exactly when a hash
// collision put content-distinct files under it.
//
// Concurrency discipline:
//
//   - a process-wide mutex on the manifest serializes EnsureArchiveID and
//     Truncate;
//   - per-path-hash keyed locks serialize signature mutations inside one
//     bucket, distinct buckets proceed in parallel;
//   - per-(digest, ec_id) keyed locks serialize EC class mutations, classes
//     under the same digest but different ec_id proceed in parallel.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ivoronin/aridx/internal/keyedlock"
	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/settings"
	"github.com/ivoronin/aridx/internal/walker"
)

// IndexDirName is the per-archive metadata directory.
const IndexDirName = ".aridx"

// Manifest property keys.
const (
	ManifestHashAlgorithm = "hash-algorithm"
	ManifestPendingAction = "truncating"
	ManifestArchiveID     = "archive-id"
)

var (
	// ErrArchiveMissing means the archive directory does not exist.
	ErrArchiveMissing = errors.New("archive does not exist")
	// ErrArchiveNotDir means the archive path is not a directory.
	ErrArchiveNotDir = errors.New("archive is not a directory")
	// ErrIndexMissing means the .aridx index has not been created.
	ErrIndexMissing = errors.New("archive index has not been created")
	// ErrClosed means an operation was attempted on a closed store.
	ErrClosed = errors.New("archive store is closed")
)

var bucketName = []byte("index")

// truncateBatchSize bounds how many keys one truncate transaction deletes.
const truncateBatchSize = 1000

// Options control how a store is opened.
type Options struct {
	Create   bool // create .aridx if missing
	ReadOnly bool
}

// Store is the persistent index of one archive. All methods are safe for
// concurrent use.
type Store struct {
	db          *bolt.DB
	archivePath string
	settings    *settings.Settings
	closed      atomic.Bool

	manifestMu sync.Mutex
	pathLocks  *keyedlock.KeyedLock
	ecLocks    *keyedlock.KeyedLock
}

// Open opens the index database of the archive at archivePath, creating the
// .aridx directory first when opts.Create is set.
func Open(st *settings.Settings, archivePath string, opts Options) (*Store, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveMissing, archivePath)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotDir, archivePath)
	}

	indexPath := filepath.Join(archivePath, IndexDirName)
	if opts.Create {
		if err := os.MkdirAll(indexPath, 0o755); err != nil {
			return nil, err
		}
	}
	indexInfo, err := os.Stat(indexPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexMissing, archivePath)
		}
		return nil, err
	}
	if !indexInfo.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrIndexMissing, indexPath)
	}

	db, err := bolt.Open(filepath.Join(indexPath, "database"), 0o600, &bolt.Options{
		Timeout:  time.Second,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	s := &Store{
		db:          db,
		archivePath: archivePath,
		settings:    st,
		pathLocks:   keyedlock.New(),
		ecLocks:     keyedlock.New(),
	}

	if !opts.ReadOnly {
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, err
		}

		// A leftover marker means a truncate was interrupted; finishing it
		// restores a consistent (empty) index.
		if _, ok, err := s.ReadManifest(ManifestPendingAction); err != nil {
			_ = db.Close()
			return nil, err
		} else if ok {
			if err := s.Truncate(); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
	}

	return s, nil
}

// Close releases the database handle. Close is idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// ArchivePath returns the archive root directory.
func (s *Store) ArchivePath() string { return s.archivePath }

// Settings returns the archive settings the store was opened with.
func (s *Store) Settings() *settings.Settings { return s.settings }

func (s *Store) guard() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// view runs fn with the index bucket, tolerating its absence (read-only
// databases that were never written).
func (s *Store) view(fn func(b *bolt.Bucket) error) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return fn(b)
	})
}

func (s *Store) update(fn func(b *bolt.Bucket) error) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketName))
	})
}

// ReadManifest reads one manifest property. The second result reports
// whether the property exists.
func (s *Store) ReadManifest(entry string) (string, bool, error) {
	var value string
	var ok bool
	err := s.view(func(b *bolt.Bucket) error {
		if v := b.Get(manifestKey(entry)); v != nil {
			value = string(v)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

// WriteManifest stores one manifest property.
func (s *Store) WriteManifest(entry, value string) error {
	return s.update(func(b *bolt.Bucket) error {
		return b.Put(manifestKey(entry), []byte(value))
	})
}

// DeleteManifest removes one manifest property.
func (s *Store) DeleteManifest(entry string) error {
	return s.update(func(b *bolt.Bucket) error {
		return b.Delete(manifestKey(entry))
	})
}

// EnsureArchiveID returns the archive's stable identifier, generating and
// persisting one on first use. Safe against concurrent callers.
func (s *Store) EnsureArchiveID() (string, error) {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	id, ok, err := s.ReadManifest(ManifestArchiveID)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.WriteManifest(ManifestArchiveID, id); err != nil {
		return "", err
	}
	return id, nil
}

// ArchiveID returns the archive identifier, or ok=false when the index has
// never been built.
func (s *Store) ArchiveID() (string, bool, error) {
	return s.ReadManifest(ManifestArchiveID)
}

// Truncate clears all signature and EC class entries and the hash algorithm,
// leaving other manifest properties (like the archive id) intact. A crash
// mid-truncate is recovered on the next Open by re-running the truncate.
func (s *Store) Truncate() error {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	if err := s.WriteManifest(ManifestPendingAction, "truncate"); err != nil {
		return err
	}
	for _, prefix := range [][]byte{{prefixFileHash}, {prefixSignature}} {
		if err := s.deletePrefix(prefix); err != nil {
			return err
		}
	}
	if err := s.DeleteManifest(ManifestHashAlgorithm); err != nil {
		return err
	}
	return s.DeleteManifest(ManifestPendingAction)
}

// deletePrefix removes all keys under prefix in bounded batches so a single
// transaction never grows with the index size.
func (s *Store) deletePrefix(prefix []byte) error {
	for {
		deleted := 0
		err := s.update(func(b *bolt.Bucket) error {
			c := b.Cursor()
			var victims [][]byte
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				victims = append(victims, append([]byte(nil), k...))
				if len(victims) >= truncateBatchSize {
					break
				}
			}
			for _, k := range victims {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			deleted = len(victims)
			return nil
		})
		if err != nil {
			return err
		}
		if deleted == 0 {
			return nil
		}
	}
}

// WalkArchive traverses the archive's filesystem tree, excluding the index
// directory and following exactly the symlinks configured in
// followed_symlinks. Followed targets must not escape back over the archive
// root.
func (s *Store) WalkArchive() func(yield func(string, *walker.FileContext) bool) {
	follow := map[string]bool{}
	for _, rel := range s.settings.GetStringList(settings.SettingFollowedSymlinks) {
		follow[rel] = true
	}
	resolvedRoot, _ := filepath.EvalSymlinks(s.archivePath)

	policy := walker.Policy{
		Excluded: map[string]bool{IndexDirName: true},
		FollowSymlink: func(path string, ctx *walker.FileContext) *walker.FileContext {
			if !follow[ctx.RelPath] {
				return nil
			}
			resolved, ok := walker.ResolveSymlinkTarget(path, s.archivePath, resolvedRoot)
			if !ok {
				return nil
			}
			meta, err := processor.Stat(resolved)
			if err != nil {
				return nil
			}
			return ctx.Substitute(resolved, meta)
		},
	}
	return walker.Walk(s.archivePath, policy)
}

// WalkInput traverses an arbitrary path for analysis: the root itself is
// yielded and symlinks stay leaves.
func WalkInput(path string) func(yield func(string, *walker.FileContext) bool) {
	return walker.Walk(path, walker.Policy{YieldRoot: true})
}
