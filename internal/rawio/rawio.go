// Package rawio abstracts the raw backing store (a block device or a plain
// file) that containers are dumped to and read from. The storage engine
// consumes only positioned reads/writes and an optional TRIM; the raw
// device itself is an external collaborator per the top-level spec.
package rawio

import (
	"io"
	"os"
	"runtime"
)

// Backing is the minimal interface containermap.Map, table.Table and
// bloom.Container need from the underlying store.
type Backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
}

// Open opens path as a Backing. If it already exists and is a block
// device, it is opened with O_DIRECT|O_SYNC semantics on platforms that
// support it (linux); otherwise a regular file is created/grown.
func Open(path string, capHint int64) (*os.File, bool, error) {
	fi, statErr := os.Stat(path)
	isDevice := statErr == nil && isBlockDevice(fi)

	flags := os.O_RDWR
	if statErr != nil {
		flags |= os.O_CREATE
	}
	if isDevice {
		flags |= directFlags()
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		// O_DIRECT can fail on filesystems that don't support it (tmpfs,
		// overlayfs); retry once without it rather than hard-failing open.
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, false, err
		}
	}

	if !isDevice {
		sz, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, false, err
		}
		if sz < capHint {
			if err := f.Truncate(capHint); err != nil {
				f.Close()
				return nil, false, err
			}
		}
	}

	return f, isDevice, nil
}

// Size returns the current extent of the backing in bytes.
func Size(f *os.File, isDevice bool) (int64, error) {
	if isDevice {
		return blockDeviceSize(f)
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func isBlockDevice(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}

func directFlags() int {
	if runtime.GOOS == "linux" {
		return platformDirectFlags()
	}
	return 0
}
