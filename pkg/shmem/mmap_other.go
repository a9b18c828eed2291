//go:build !unix

package shmem

import "errors"

// MapFile is only available on unix platforms.
func MapFile(path string, base uint64, size int) (*Arena, error) {
	return nil, errors.New("shmem: file-backed arenas require a unix platform")
}
