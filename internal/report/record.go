package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// DuplicateRecord is the per-analyzed-path report entry.
//
// Path is relative to the parent of the analyzed root, so it always starts
// with the root's base name. The four counters aggregate the whole subtree;
// DuplicatedSize and DuplicatedItems are globally deduplicated — a child
// counts once no matter how many archive locations duplicate it, unlike the
// localized per-match counters.
type DuplicateRecord struct {
	Path            string
	Duplicates      []*DuplicateMatch
	TotalSize       int64
	TotalItems      int64
	DuplicatedSize  int64
	DuplicatedItems int64
}

// EncodeRecord packs a record as
// [components, [[components, six flags, size, items, identical, superset]...],
// total_size, total_items, duplicated_size, duplicated_items].
// The rule snapshot is not part of the wire form.
func EncodeRecord(rec *DuplicateRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(6); err != nil {
		return nil, err
	}
	if err := encodeComponents(enc, rec.Path); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(rec.Duplicates)); err != nil {
		return nil, err
	}
	for _, m := range rec.Duplicates {
		if err := enc.EncodeArrayLen(11); err != nil {
			return nil, err
		}
		if err := encodeComponents(enc, m.Path); err != nil {
			return nil, err
		}
		for _, flag := range []bool{m.Flags.Mtime, m.Flags.Atime, m.Flags.Ctime, m.Flags.Mode, m.Flags.Owner, m.Flags.Group} {
			if err := enc.EncodeBool(flag); err != nil {
				return nil, err
			}
		}
		if err := enc.EncodeInt64(m.DuplicatedSize); err != nil {
			return nil, err
		}
		if err := enc.EncodeInt64(m.DuplicatedItems); err != nil {
			return nil, err
		}
		if err := enc.EncodeBool(m.IsIdentical); err != nil {
			return nil, err
		}
		if err := enc.EncodeBool(m.IsSuperset); err != nil {
			return nil, err
		}
	}
	for _, counter := range []int64{rec.TotalSize, rec.TotalItems, rec.DuplicatedSize, rec.DuplicatedItems} {
		if err := enc.EncodeInt64(counter); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte) (*DuplicateRecord, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != 6 {
		return nil, fmt.Errorf("malformed duplicate record: %d fields", n)
	}

	rec := &DuplicateRecord{}
	if rec.Path, err = decodePathComponents(dec); err != nil {
		return nil, err
	}

	dupCount, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	for i := 0; i < dupCount; i++ {
		fields, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if fields != 11 {
			return nil, fmt.Errorf("malformed duplicate match: %d fields", fields)
		}
		m := &DuplicateMatch{}
		if m.Path, err = decodePathComponents(dec); err != nil {
			return nil, err
		}
		flags := make([]bool, 6)
		for j := range flags {
			if flags[j], err = dec.DecodeBool(); err != nil {
				return nil, err
			}
		}
		m.Flags = MatchFlags{Mtime: flags[0], Atime: flags[1], Ctime: flags[2], Mode: flags[3], Owner: flags[4], Group: flags[5]}
		if m.DuplicatedSize, err = dec.DecodeInt64(); err != nil {
			return nil, err
		}
		if m.DuplicatedItems, err = dec.DecodeInt64(); err != nil {
			return nil, err
		}
		if m.IsIdentical, err = dec.DecodeBool(); err != nil {
			return nil, err
		}
		if m.IsSuperset, err = dec.DecodeBool(); err != nil {
			return nil, err
		}
		rec.Duplicates = append(rec.Duplicates, m)
	}

	for _, counter := range []*int64{&rec.TotalSize, &rec.TotalItems, &rec.DuplicatedSize, &rec.DuplicatedItems} {
		if *counter, err = dec.DecodeInt64(); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func encodeComponents(enc *msgpack.Encoder, relPath string) error {
	components := strings.Split(relPath, "/")
	if err := enc.EncodeArrayLen(len(components)); err != nil {
		return err
	}
	for _, part := range components {
		if err := enc.EncodeString(part); err != nil {
			return err
		}
	}
	return nil
}

func decodePathComponents(dec *msgpack.Decoder) (string, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return "", err
	}
	components := make([]string, n)
	for i := range components {
		if components[i], err = dec.DecodeString(); err != nil {
			return "", err
		}
	}
	return strings.Join(components, "/"), nil
}
