package processor

import "syscall"

func statTimes(stat *syscall.Stat_t) (atimeNS, ctimeNS, mtimeNS int64) {
	return stat.Atimespec.Nano(), stat.Ctimespec.Nano(), stat.Mtimespec.Nano()
}

// Major extracts the device major number from rdev.
func Major(rdev uint64) uint32 {
	return uint32(rdev >> 24 & 0xff)
}

// Minor extracts the device minor number from rdev.
func Minor(rdev uint64) uint32 {
	return uint32(rdev & 0xffffff)
}
