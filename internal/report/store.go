package report

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
	bolt "go.etcd.io/bbolt"
)

// ErrReportPathConflict means a regular file occupies the place where the
// report directory must be created.
var ErrReportPathConflict = errors.New("a file exists at the report directory path")

var recordsBucket = []byte("records")

// Manifest is the report's JSON sidecar, binding the report to the archive
// it was produced against.
type Manifest struct {
	Version        string          `json:"version"`
	ArchivePath    string          `json:"archive_path"`
	ArchiveID      string          `json:"archive_id"`
	Timestamp      string          `json:"timestamp"`
	ComparisonRule map[string]bool `json:"comparison_rule"`
}

// NewManifest builds a manifest for the given archive and rule, stamped now.
func NewManifest(archivePath, archiveID string, rule DuplicateMatchRule) Manifest {
	return Manifest{
		Version:        "1.0",
		ArchivePath:    archivePath,
		ArchiveID:      archiveID,
		Timestamp:      time.Now().Format(time.RFC3339Nano),
		ComparisonRule: rule.ToMap(),
	}
}

// Store is one report's persistent state: a KV database of duplicate
// records plus the manifest sidecar, both under <input>.report/.
type Store struct {
	dir          string
	manifestPath string
	db           *bolt.DB
}

// DirectoryPath returns the report directory for an analyzed path:
// /path/to/x becomes /path/to/x.report.
func DirectoryPath(inputPath string) string {
	return inputPath + ".report"
}

// FindForPath walks upward from target looking for the analyzed path that
// has a report directory, returning it or "" when none exists.
func FindForPath(target string) string {
	current, err := filepath.Abs(target)
	if err != nil {
		return ""
	}
	for {
		if info, err := os.Stat(DirectoryPath(current)); err == nil && info.IsDir() {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// NewStore prepares a report store rooted at dir without touching the disk.
func NewStore(dir string) *Store {
	return &Store{dir: dir, manifestPath: filepath.Join(dir, "manifest.json")}
}

// CreateDirectory creates the report directory, refusing to displace a
// regular file at its path.
func (s *Store) CreateDirectory() error {
	if info, err := os.Stat(s.dir); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrReportPathConflict, s.dir)
	}
	return os.MkdirAll(s.dir, 0o755)
}

// OpenDatabase opens the record database inside the report directory.
func (s *Store) OpenDatabase() error {
	db, err := bolt.Open(filepath.Join(s.dir, "database"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

// Close closes the record database if open.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// WriteManifest stores the JSON sidecar.
func (s *Store) WriteManifest(m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.manifestPath, append(data, '\n'), 0o644)
}

// ReadManifest loads the JSON sidecar.
func (s *Store) ReadManifest() (Manifest, error) {
	data, err := os.ReadFile(s.manifestPath)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate reports whether the manifest binds this report to the given
// archive id.
func (s *Store) Validate(archiveID string) bool {
	m, err := s.ReadManifest()
	return err == nil && m.ArchiveID == archiveID
}

// pathHash is the 128-bit MurmurHash3 of the record path (NUL-joined
// components, big-endian), the record key prefix.
func pathHash(relPath string) []byte {
	h1, h2 := murmur3.Sum128([]byte(strings.ReplaceAll(relPath, "/", "\x00")))
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[:8], h1)
	binary.BigEndian.PutUint64(out[8:], h2)
	return out
}

// WriteRecord upserts one duplicate record. Records live under
// <16-byte path hash><varint seq>; an entry whose stored path matches is
// replaced in place, otherwise the record appends with the next sequence
// number. The whole upsert is one transaction, so concurrent writers cannot
// interleave inside a bucket.
func (s *Store) WriteRecord(rec *DuplicateRecord) error {
	value, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	prefix := pathHash(rec.Path)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		c := b.Cursor()
		var nextSeq uint64
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			seq, n := binary.Uvarint(k[len(prefix):])
			if n <= 0 {
				continue
			}
			if seq >= nextSeq {
				nextSeq = seq + 1
			}
			existing, err := DecodeRecord(v)
			if err != nil {
				continue
			}
			if existing.Path == rec.Path {
				return b.Put(append([]byte(nil), k...), value)
			}
		}
		key := binary.AppendUvarint(append([]byte(nil), prefix...), nextSeq)
		return b.Put(key, value)
	})
}

// ReadRecord returns the record for a report path, or nil when absent.
func (s *Store) ReadRecord(relPath string) (*DuplicateRecord, error) {
	prefix := pathHash(relPath)
	var found *DuplicateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := DecodeRecord(v)
			if err != nil {
				continue
			}
			if rec.Path == relPath {
				found = rec
				return nil
			}
		}
		return nil
	})
	return found, err
}

// ListRecords yields every stored record in key order.
func (s *Store) ListRecords() func(yield func(*DuplicateRecord) bool) {
	return func(yield func(*DuplicateRecord) bool) {
		_ = s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(recordsBucket).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				rec, err := DecodeRecord(v)
				if err != nil {
					continue
				}
				if !yield(rec) {
					return nil
				}
			}
			return nil
		})
	}
}
