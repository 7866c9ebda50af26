//go:build !unix

package fetch

import "errors"

// FreeSpace is not available on this platform; callers skip the check.
func FreeSpace(dir string) (uint64, error) {
	return 0, errors.New("free space probe unsupported")
}
