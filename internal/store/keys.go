package store

import (
	"encoding/binary"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Key layout inside the single bolt bucket. Three logical namespaces share
// it via one-byte prefixes; bolt's ordered cursor gives prefix iteration.
//
//	p<key>                                        manifest property
//	h<digest><ec_id:4-BE><path_hash:4-BE><seq>    EC class membership
//	s<path_hash_128:16-BE><seq>                   file signature
//
// seq is an unsigned LEB128 varint. Path hashes spread entries uniformly
// under ordered iteration; seq disambiguates hash collisions inside one
// bucket, so collisions cost a short linear scan instead of correctness.
const (
	prefixManifest  = 'p'
	prefixFileHash  = 'h'
	prefixSignature = 's'
)

// hashInput is the canonical byte form of a relative path for hashing:
// NUL-joined components, UTF-8.
func hashInput(relPath string) []byte {
	return []byte(strings.ReplaceAll(relPath, "/", "\x00"))
}

// longPathHash is the 128-bit MurmurHash3 of the path, big-endian.
func longPathHash(relPath string) []byte {
	h1, h2 := murmur3.Sum128(hashInput(relPath))
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[:8], h1)
	binary.BigEndian.PutUint64(out[8:], h2)
	return out
}

// shortPathHash is the 32-bit MurmurHash3 of the path.
func shortPathHash(relPath string) uint32 {
	return murmur3.Sum32(hashInput(relPath))
}

func manifestKey(entry string) []byte {
	return append([]byte{prefixManifest}, entry...)
}

// ecClassPrefix is the key prefix shared by all members of one EC class.
func ecClassPrefix(digest []byte, ecID uint32) []byte {
	key := make([]byte, 0, 1+len(digest)+4)
	key = append(key, prefixFileHash)
	key = append(key, digest...)
	key = binary.BigEndian.AppendUint32(key, ecID)
	return key
}

// ecPathPrefix narrows an EC class prefix to one path-hash bucket.
func ecPathPrefix(digest []byte, ecID uint32, pathHash uint32) []byte {
	return binary.BigEndian.AppendUint32(ecClassPrefix(digest, ecID), pathHash)
}

// ecPathKey is the full key of one EC class member.
func ecPathKey(digest []byte, ecID uint32, pathHash uint32, seq uint64) []byte {
	return binary.AppendUvarint(ecPathPrefix(digest, ecID, pathHash), seq)
}

// signaturePrefix is the key prefix of one signature path-hash bucket.
func signaturePrefix(pathHash []byte) []byte {
	return append([]byte{prefixSignature}, pathHash...)
}

// signatureKey is the full key of one signature entry.
func signatureKey(pathHash []byte, seq uint64) []byte {
	return binary.AppendUvarint(signaturePrefix(pathHash), seq)
}

// joinComponents reassembles a slash path from stored components.
func joinComponents(components []string) string {
	return strings.Join(components, "/")
}

// splitComponents splits a slash path into its stored component form.
func splitComponents(relPath string) []string {
	return strings.Split(relPath, "/")
}
