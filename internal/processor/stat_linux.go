package processor

import "syscall"

func statTimes(stat *syscall.Stat_t) (atimeNS, ctimeNS, mtimeNS int64) {
	return stat.Atim.Nano(), stat.Ctim.Nano(), stat.Mtim.Nano()
}

// Major extracts the device major number from rdev.
func Major(rdev uint64) uint32 {
	return uint32((rdev>>8)&0xfff) | uint32((rdev>>32)&^uint64(0xfff))
}

// Minor extracts the device minor number from rdev.
func Minor(rdev uint64) uint32 {
	return uint32(rdev&0xff) | uint32((rdev>>12)&^uint64(0xff))
}
