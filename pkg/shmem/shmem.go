// Package shmem models the bus-addressed memory shared between the host and
// a coprocessor: an arena addressed by IOVA, windows into it, and a page
// allocator for host-owned buffers.
package shmem

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// PageSize is the allocation and alignment granularity.
const PageSize = 4096

var (
	ErrOutOfRange   = errors.New("shmem: address range outside arena")
	ErrNoSpace      = errors.New("shmem: arena exhausted")
	ErrNotAllocated = errors.New("shmem: region was not allocated here")
	ErrZeroSize     = errors.New("shmem: zero-sized request")
)

// Owner selects which side allocates shared buffers for a session.
type Owner int

const (
	// OwnerHost means the host allocates buffers and advertises them.
	OwnerHost Owner = iota
	// OwnerCoprocessor means the coprocessor supplies addresses that the host
	// verifies and maps.
	OwnerCoprocessor
)

func (o Owner) String() string {
	switch o {
	case OwnerHost:
		return "host"
	case OwnerCoprocessor:
		return "coprocessor"
	}
	return fmt.Sprintf("owner(%d)", int(o))
}

// ParseOwner parses "host" or "coprocessor".
func ParseOwner(s string) (Owner, error) {
	switch strings.ToLower(s) {
	case "host", "linux":
		return OwnerHost, nil
	case "coprocessor", "coproc", "rtkit":
		return OwnerCoprocessor, nil
	}
	return 0, fmt.Errorf("shmem: unknown owner %q", s)
}

// Arena is a contiguous block of memory visible at bus addresses
// [Base, Base+Size).
type Arena struct {
	base  uint64
	data  []byte
	close func() error
}

// NewArena returns a heap-backed arena.
func NewArena(base uint64, size int) *Arena {
	return &Arena{base: base, data: make([]byte, size)}
}

func (a *Arena) Base() uint64 { return a.base }
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// Contains reports whether [iova, iova+size) lies inside the arena.
func (a *Arena) Contains(iova, size uint64) bool {
	if iova < a.base {
		return false
	}
	off := iova - a.base
	return off <= a.Size() && size <= a.Size()-off
}

// Region returns a window over [iova, iova+size).
func (a *Arena) Region(iova, size uint64) (*Region, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}
	if !a.Contains(iova, size) {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x)", ErrOutOfRange, iova, iova+size)
	}
	off := iova - a.base
	return &Region{iova: iova, data: a.data[off : off+size : off+size]}, nil
}

// Close releases the backing memory of a mapped arena.
func (a *Arena) Close() error {
	if a.close == nil {
		return nil
	}
	err := a.close()
	a.close = nil
	a.data = nil
	return err
}

// Region is a window of shared memory at a fixed bus address.
type Region struct {
	iova uint64
	data []byte
}

func (r *Region) IOVA() uint64 { return r.iova }
func (r *Region) Size() uint64 { return uint64(len(r.data)) }

// Bytes exposes the backing memory directly.
func (r *Region) Bytes() []byte { return r.data }

// ReadAt implements io.ReaderAt.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end are truncated and
// reported with ErrOutOfRange.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, ErrOutOfRange
	}
	n := copy(r.data[off:], p)
	if n < len(p) {
		return n, ErrOutOfRange
	}
	return n, nil
}

// Zero clears the region.
func (r *Region) Zero() { clear(r.data) }

// PageAlign rounds size up to a whole number of pages.
func PageAlign(size uint64) uint64 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}
