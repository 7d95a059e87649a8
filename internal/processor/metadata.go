//go:build unix

package processor

import (
	"os"
	"syscall"
)

// Metadata is the slice of stat state the indexer compares: nanosecond
// timestamps, the raw mode word (type and permission bits), ownership, size
// and the identity fields needed for device files and symlink-cycle
// detection.
type Metadata struct {
	Size    int64
	MtimeNS int64
	AtimeNS int64
	CtimeNS int64
	Mode    uint32 // raw st_mode, type and permission bits
	UID     uint32
	GID     uint32
	Dev     uint64
	Ino     uint64
	Rdev    uint64
}

// Stat reads metadata following symlinks.
func Stat(path string) (Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}, err
	}
	return fromFileInfo(info), nil
}

// Lstat reads metadata without following symlinks.
func Lstat(path string) (Metadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Metadata{}, err
	}
	return fromFileInfo(info), nil
}

func fromFileInfo(info os.FileInfo) Metadata {
	stat := info.Sys().(*syscall.Stat_t)
	atimeNS, ctimeNS, mtimeNS := statTimes(stat)
	return Metadata{
		Size:    info.Size(),
		MtimeNS: mtimeNS,
		AtimeNS: atimeNS,
		CtimeNS: ctimeNS,
		Mode:    uint32(stat.Mode),
		UID:     stat.Uid,
		GID:     stat.Gid,
		Dev:     uint64(stat.Dev),  //nolint:unconvert // platform-dependent type
		Ino:     uint64(stat.Ino),  //nolint:unconvert // platform-dependent type
		Rdev:    uint64(stat.Rdev), //nolint:unconvert // platform-dependent type
	}
}

// FileType returns the type bits of the mode word.
func (m Metadata) FileType() uint32 { return m.Mode & syscall.S_IFMT }

func (m Metadata) IsRegular() bool { return m.FileType() == syscall.S_IFREG }
func (m Metadata) IsDir() bool     { return m.FileType() == syscall.S_IFDIR }
func (m Metadata) IsSymlink() bool { return m.FileType() == syscall.S_IFLNK }

// IsDevice reports whether the file is a block or character device.
func (m Metadata) IsDevice() bool {
	t := m.FileType()
	return t == syscall.S_IFBLK || t == syscall.S_IFCHR
}

// IsFifoOrSocket reports whether the file is a named pipe or a socket.
func (m Metadata) IsFifoOrSocket() bool {
	t := m.FileType()
	return t == syscall.S_IFIFO || t == syscall.S_IFSOCK
}

// DifferenceKind labels one comparable timestamp attribute. Birthtime is
// deliberately absent: classic stat(2) carries no creation time on Linux
// (btime is statx-only) and Go's syscall.Stat_t does not surface it
// portably, so the comparable set is atime, ctime and mtime everywhere.
type DifferenceKind string

const (
	DiffAtime DifferenceKind = "atime"
	DiffCtime DifferenceKind = "ctime"
	DiffMtime DifferenceKind = "mtime"
)

// Difference describes one metadata attribute that differs between two
// files, with nanosecond values from each side.
type Difference struct {
	Kind DifferenceKind
	A    int64
	B    int64
}

// MetadataComparison is the outcome of one pooled metadata comparison:
// both snapshots plus the typed timestamp differences between them.
type MetadataComparison struct {
	A, B        Metadata
	Differences []Difference
}

// CompareTimes returns the typed timestamp differences between two metadata
// snapshots.
func CompareTimes(a, b Metadata) []Difference {
	var diffs []Difference
	if a.AtimeNS != b.AtimeNS {
		diffs = append(diffs, Difference{DiffAtime, a.AtimeNS, b.AtimeNS})
	}
	if a.CtimeNS != b.CtimeNS {
		diffs = append(diffs, Difference{DiffCtime, a.CtimeNS, b.CtimeNS})
	}
	if a.MtimeNS != b.MtimeNS {
		diffs = append(diffs, Difference{DiffMtime, a.MtimeNS, b.MtimeNS})
	}
	return diffs
}
