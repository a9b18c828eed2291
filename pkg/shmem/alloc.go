package shmem

import (
	"fmt"
	"sync"
)

// Allocator hands out page-aligned regions of an arena, first fit.
type Allocator struct {
	mu    sync.Mutex
	arena *Arena
	pages []bool
	live  map[uint64]uint64 // iova -> pages
}

// NewAllocator manages every whole page of a.
func NewAllocator(a *Arena) *Allocator {
	return &Allocator{
		arena: a,
		pages: make([]bool, a.Size()/PageSize),
		live:  make(map[uint64]uint64),
	}
}

// Arena returns the arena the allocator carves from.
func (al *Allocator) Arena() *Arena { return al.arena }

// Alloc reserves size bytes rounded up to whole pages. The region is zeroed.
func (al *Allocator) Alloc(size uint64) (*Region, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}
	need := PageAlign(size) / PageSize

	al.mu.Lock()
	defer al.mu.Unlock()

	run := uint64(0)
	for i := range al.pages {
		if al.pages[i] {
			run = 0
			continue
		}
		run++
		if run < need {
			continue
		}
		first := uint64(i) + 1 - need
		for j := first; j <= uint64(i); j++ {
			al.pages[j] = true
		}
		iova := al.arena.Base() + first*PageSize
		r, err := al.arena.Region(iova, need*PageSize)
		if err != nil {
			return nil, err
		}
		r.Zero()
		al.live[iova] = need
		return r, nil
	}
	return nil, fmt.Errorf("%w: need %d pages", ErrNoSpace, need)
}

// Free releases a region returned by Alloc.
func (al *Allocator) Free(r *Region) error {
	al.mu.Lock()
	defer al.mu.Unlock()
	n, ok := al.live[r.IOVA()]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotAllocated, r.IOVA())
	}
	first := (r.IOVA() - al.arena.Base()) / PageSize
	for j := first; j < first+n; j++ {
		al.pages[j] = false
	}
	delete(al.live, r.IOVA())
	return nil
}

// InUse returns the number of allocated bytes.
func (al *Allocator) InUse() uint64 {
	al.mu.Lock()
	defer al.mu.Unlock()
	var n uint64
	for _, p := range al.live {
		n += p * PageSize
	}
	return n
}

// Reset frees every region at once.
func (al *Allocator) Reset() {
	al.mu.Lock()
	defer al.mu.Unlock()
	clear(al.pages)
	clear(al.live)
}
