package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Inspect yields deterministic, human-readable lines for every index entry
// in key order, for debugging and for convergence checks. digestLen is the
// digest size of the archive's hash algorithm, or 0 when unknown; without it
// the EC class keys cannot be split and are printed raw.
func (s *Store) Inspect(digestLen int) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		_ = s.view(func(b *bolt.Bucket) error {
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var line string
				switch k[0] {
				case prefixManifest:
					line = fmt.Sprintf("manifest-property %s %s", k[1:], v)
				case prefixFileHash:
					line = inspectECLine(k[1:], v, digestLen)
				case prefixSignature:
					line = inspectSignatureLine(k[1:], v)
				default:
					line = fmt.Sprintf("OTHER %x %q", k, v)
				}
				if !yield(line) {
					return nil
				}
			}
			return nil
		})
	}
}

func inspectECLine(key, value []byte, digestLen int) string {
	if digestLen <= 0 || len(key) < digestLen+8 {
		return fmt.Sprintf("file-hash *%s %q", hex.EncodeToString(key), value)
	}
	digest := key[:digestLen]
	ecID := binary.BigEndian.Uint32(key[digestLen : digestLen+4])
	pathHash := key[digestLen+4 : digestLen+8]
	seq, _ := binary.Uvarint(key[digestLen+8:])
	path, err := decodeECPath(value)
	if err != nil {
		return fmt.Sprintf("file-hash *%s %q", hex.EncodeToString(key), value)
	}
	return fmt.Sprintf("file-hash %s ec_id:%d path_hash:0x%s seq:%d %s",
		hex.EncodeToString(digest), ecID, hex.EncodeToString(pathHash), seq, quotePath(path))
}

func inspectSignatureLine(key, value []byte) string {
	if len(key) < 16 {
		return fmt.Sprintf("file-metadata *%s %q", hex.EncodeToString(key), value)
	}
	pathHash := key[:16]
	seq, _ := binary.Uvarint(key[16:])
	sig, err := decodeSignature(value)
	if err != nil {
		return fmt.Sprintf("file-metadata *%s %q", hex.EncodeToString(key), value)
	}

	mtime := "none"
	if sig.MtimeNS != nil {
		mtime = time.Unix(0, *sig.MtimeNS).UTC().Format("2006-01-02T15:04:05.000000Z")
	}
	ecID := "none"
	if sig.ECID != nil {
		ecID = fmt.Sprintf("%d", *sig.ECID)
	}
	return fmt.Sprintf("file-metadata path_hash:%s seq:%d %s digest:%s mtime:%s ec_id:%s",
		hex.EncodeToString(pathHash), seq, quotePath(sig.Path),
		hex.EncodeToString(sig.Digest), mtime, ecID)
}

// quotePath escapes each component for single-line output.
func quotePath(relPath string) string {
	components := splitComponents(relPath)
	quoted := make([]string, len(components))
	for i, part := range components {
		quoted[i] = url.QueryEscape(part)
	}
	return strings.Join(quoted, "/")
}
