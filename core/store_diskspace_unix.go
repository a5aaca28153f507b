//go:build !windows

package core

import "golang.org/x/sys/unix"

// diskFree reports free bytes on the filesystem containing path, or -1 if
// it cannot be statted. golang.org/x/sys is already pulled in transitively
// by the libp2p stack; no pack library wraps statfs, so this is the
// grounded stdlib-adjacent choice for free-space accounting (spec.md §4.1
// InsufficientSpace check).
func diskFree(path string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return -1
	}
	return int64(st.Bavail) * int64(st.Bsize)
}
