//go:build !linux

package rawio

import "os"

func platformDirectFlags() int {
	return 0
}

func blockDeviceSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Discard is a no-op on platforms without BLKDISCARD; TRIM is an
// optimization hint only, never required for correctness.
func Discard(f *os.File, off, length int64) error {
	return nil
}
