package filestore

import (
	"os"
	"syscall"
)

// preallocate reserves size bytes for f, falling back to a plain
// truncate when the platform fallocate syscall is unavailable or
// refuses (e.g. on filesystems that don't support it). This mirrors
// the Rust original's fallocate-then-ignore-failure approach: a failed
// reservation is not fatal since Truncate still gives the file its
// final size, just without the allocation guarantee against ENOSPC.
func preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	if err := syscall.Fallocate(int(f.Fd()), 0, 0, size); err == nil {
		return nil
	}
	return f.Truncate(size)
}
