package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	bolt "go.etcd.io/bbolt"
)

// Signature is the persisted record of one indexed file.
//
// ECID is nil only transiently: the refresh engine first registers a
// signature without an EC id, mutates the class, then finalizes the
// signature. Readers must tolerate the nil window.
type Signature struct {
	Path    string
	Digest  []byte
	MtimeNS *int64
	ECID    *uint32
}

// encodeSignature packs [components, digest, mtime_ns, ec_id] as a msgpack
// array; nil mtime and ec_id encode as msgpack nil.
func encodeSignature(sig Signature) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(4); err != nil {
		return nil, err
	}
	components := splitComponents(sig.Path)
	if err := enc.EncodeArrayLen(len(components)); err != nil {
		return nil, err
	}
	for _, part := range components {
		if err := enc.EncodeString(part); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeBytes(sig.Digest); err != nil {
		return nil, err
	}
	if sig.MtimeNS == nil {
		if err := enc.EncodeNil(); err != nil {
			return nil, err
		}
	} else if err := enc.EncodeInt64(*sig.MtimeNS); err != nil {
		return nil, err
	}
	if sig.ECID == nil {
		if err := enc.EncodeNil(); err != nil {
			return nil, err
		}
	} else if err := enc.EncodeUint32(*sig.ECID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSignature(data []byte) (Signature, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Signature{}, err
	}
	if n != 4 {
		return Signature{}, fmt.Errorf("malformed signature record: %d fields", n)
	}

	components, err := decodeComponents(dec)
	if err != nil {
		return Signature{}, err
	}
	digest, err := dec.DecodeBytes()
	if err != nil {
		return Signature{}, err
	}

	sig := Signature{Path: joinComponents(components), Digest: digest}

	if isNil, err := peekNil(dec); err != nil {
		return Signature{}, err
	} else if !isNil {
		v, err := dec.DecodeInt64()
		if err != nil {
			return Signature{}, err
		}
		sig.MtimeNS = &v
	}
	if isNil, err := peekNil(dec); err != nil {
		return Signature{}, err
	} else if !isNil {
		v, err := dec.DecodeUint32()
		if err != nil {
			return Signature{}, err
		}
		sig.ECID = &v
	}
	return sig, nil
}

func decodeComponents(dec *msgpack.Decoder) ([]string, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	components := make([]string, n)
	for i := range components {
		if components[i], err = dec.DecodeString(); err != nil {
			return nil, err
		}
	}
	return components, nil
}

// peekNil consumes a msgpack nil if one is next and reports whether it did.
func peekNil(dec *msgpack.Decoder) (bool, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return false, err
	}
	if code == msgpcode.Nil {
		return true, dec.DecodeNil()
	}
	return false, nil
}

// RegisterFile upserts the signature for a relative path. Within the path's
// hash bucket, an entry with matching components is replaced in place;
// otherwise the signature is appended with the next sequence number.
func (s *Store) RegisterFile(ctx context.Context, relPath string, sig Signature) error {
	sig.Path = relPath
	value, err := encodeSignature(sig)
	if err != nil {
		return err
	}

	pathHash := longPathHash(relPath)
	release, err := s.pathLocks.Lock(ctx, string(pathHash))
	if err != nil {
		return err
	}
	defer release()

	prefix := signaturePrefix(pathHash)
	return s.update(func(b *bolt.Bucket) error {
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
			existing, err := decodeSignature(v)
			if err != nil {
				continue
			}
			if existing.Path == relPath {
				return b.Put(append([]byte(nil), k...), value)
			}
		}
		return b.Put(signatureKey(pathHash, nextSeq), value)
	})
}

// DeregisterFile removes the signature entry matching the path exactly.
// Removing an absent path is not an error.
func (s *Store) DeregisterFile(ctx context.Context, relPath string) error {
	pathHash := longPathHash(relPath)
	release, err := s.pathLocks.Lock(ctx, string(pathHash))
	if err != nil {
		return err
	}
	defer release()

	prefix := signaturePrefix(pathHash)
	return s.update(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			existing, err := decodeSignature(v)
			if err != nil {
				continue
			}
			if existing.Path == relPath {
				return b.Delete(append([]byte(nil), k...))
			}
		}
		return nil
	})
}

// LookupFile returns the stored signature for a path, or nil when the path
// is not registered.
func (s *Store) LookupFile(relPath string) (*Signature, error) {
	prefix := signaturePrefix(longPathHash(relPath))
	var found *Signature
	err := s.view(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			sig, err := decodeSignature(v)
			if err != nil {
				continue
			}
			if sig.Path == relPath {
				found = &sig
				return nil
			}
		}
		return nil
	})
	return found, err
}

// ListRegisteredFiles lazily yields every (path, signature) pair in key
// order. The iteration observes a consistent snapshot of the index.
func (s *Store) ListRegisteredFiles() func(yield func(string, Signature) bool) {
	return func(yield func(string, Signature) bool) {
		_ = s.view(func(b *bolt.Bucket) error {
			c := b.Cursor()
			prefix := []byte{prefixSignature}
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				sig, err := decodeSignature(v)
				if err != nil {
					continue
				}
				if !yield(sig.Path, sig) {
					return nil
				}
			}
			return nil
		})
	}
}
