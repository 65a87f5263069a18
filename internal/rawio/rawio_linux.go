//go:build linux

package rawio

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func platformDirectFlags() int {
	return unix.O_DIRECT | unix.O_SYNC
}

func blockDeviceSize(f *os.File) (int64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return int64(size), nil
}

// Discard issues BLKDISCARD over [off, off+length) on a block device. It is
// a best-effort TRIM hint; callers ignore its error.
func Discard(f *os.File, off, length int64) error {
	rng := [2]uint64{uint64(off), uint64(length)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKDISCARD, uintptr(unsafe.Pointer(&rng[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
