//go:build windows

package core

// diskFree is not implemented on windows; callers treat -1 as "unknown"
// and skip the free-space floor check.
func diskFree(path string) int64 {
	return -1
}
