package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"slices"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// ECClass is one content equivalence class under a digest: every path in it
// refers to a byte-identical file.
type ECClass struct {
	ID    uint32
	Paths []string // sorted
}

// encodeECPath packs the path component list of one class member.
func encodeECPath(relPath string) ([]byte, error) {
	return msgpack.Marshal(splitComponents(relPath))
}

func decodeECPath(data []byte) (string, error) {
	var components []string
	if err := msgpack.Unmarshal(data, &components); err != nil {
		return "", err
	}
	return joinComponents(components), nil
}

// ecLockKey serializes mutations of one (digest, ec_id) pair.
func ecLockKey(digest []byte, ecID uint32) string {
	return string(binary.BigEndian.AppendUint32(append([]byte(nil), digest...), ecID))
}

// ListECClasses returns every EC class recorded for the digest, in ascending
// ec_id order with sorted member paths. Classes are small; callers get a
// materialized slice.
func (s *Store) ListECClasses(digest []byte) ([]ECClass, error) {
	byID := map[uint32][]string{}
	prefix := append([]byte{prefixFileHash}, digest...)

	err := s.view(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rest := k[len(prefix):]
			if len(rest) < 4 {
				continue
			}
			ecID := binary.BigEndian.Uint32(rest[:4])
			path, err := decodeECPath(v)
			if err != nil {
				continue
			}
			byID[ecID] = append(byID[ecID], path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	classes := make([]ECClass, 0, len(byID))
	for id, paths := range byID {
		sort.Strings(paths)
		classes = append(classes, ECClass{ID: id, Paths: paths})
	}
	slices.SortFunc(classes, func(a, b ECClass) int { return int(a.ID) - int(b.ID) })
	return classes, nil
}

// AddPathsToEC records paths as members of (digest, ecID). Members already
// present are skipped; new members append behind the highest sequence number
// of their path-hash bucket. Callers must have verified byte equality of the
// content beforehand.
func (s *Store) AddPathsToEC(ctx context.Context, digest []byte, ecID uint32, paths []string) error {
	release, err := s.ecLocks.Lock(ctx, ecLockKey(digest, ecID))
	if err != nil {
		return err
	}
	defer release()

	byHash := groupByShortHash(paths)
	return s.update(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for hash, group := range byHash {
			pending := map[string]bool{}
			for _, p := range group {
				pending[p] = true
			}

			prefix := ecPathPrefix(digest, ecID, hash)
			var nextSeq uint64
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				seq, n := binary.Uvarint(k[len(prefix):])
				if n > 0 && seq >= nextSeq {
					nextSeq = seq + 1
				}
				existing, err := decodeECPath(v)
				if err != nil {
					continue
				}
				delete(pending, existing)
			}

			// Insert in the group's original order for determinism.
			for _, p := range group {
				if !pending[p] {
					continue
				}
				value, err := encodeECPath(p)
				if err != nil {
					return err
				}
				if err := b.Put(ecPathKey(digest, ecID, hash, nextSeq), value); err != nil {
					return err
				}
				nextSeq++
				delete(pending, p)
			}
		}
		return nil
	})
}

// RemovePathsFromEC deletes members of (digest, ecID) matching the given
// paths by exact components. Sequence numbers are not compacted; gaps
// remain and are never reused while the bucket still has entries.
func (s *Store) RemovePathsFromEC(ctx context.Context, digest []byte, ecID uint32, paths []string) error {
	release, err := s.ecLocks.Lock(ctx, ecLockKey(digest, ecID))
	if err != nil {
		return err
	}
	defer release()

	byHash := groupByShortHash(paths)
	return s.update(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for hash, group := range byHash {
			doomed := map[string]bool{}
			for _, p := range group {
				doomed[p] = true
			}

			prefix := ecPathPrefix(digest, ecID, hash)
			var victims [][]byte
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				existing, err := decodeECPath(v)
				if err != nil {
					continue
				}
				if doomed[existing] {
					victims = append(victims, append([]byte(nil), k...))
				}
			}
			for _, k := range victims {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// groupByShortHash buckets paths by their 32-bit hash, preserving order
// inside each bucket and dropping duplicates.
func groupByShortHash(paths []string) map[uint32][]string {
	byHash := map[uint32][]string{}
	for _, p := range paths {
		h := shortPathHash(p)
		if slices.Contains(byHash[h], p) {
			continue
		}
		byHash[h] = append(byHash[h], p)
	}
	return byHash
}
