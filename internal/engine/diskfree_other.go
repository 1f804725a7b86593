//go:build !unix

package engine

// freeBytes is unavailable on this platform; the save path skips the check.
func freeBytes(string) (uint64, bool) {
	return 0, false
}
