//go:build unix

package engine

import "golang.org/x/sys/unix"

// freeBytes reports the space available to unprivileged writers at path.
func freeBytes(path string) (uint64, bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, false
	}
	return stat.Bavail * uint64(stat.Bsize), true
}
