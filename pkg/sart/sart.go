// Package sart implements a DMA address filter: a fixed table of allowed
// physical ranges that coprocessor-supplied buffers must fall inside.
// Unlike an IOMMU it never remaps addresses.
package sart

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MaxEntries is the number of slots in the filter.
const MaxEntries = 16

// Granule is the required alignment of entry addresses and sizes.
const Granule = 1 << 12

var (
	ErrUnaligned = errors.New("sart: address or size not 4 KiB aligned")
	ErrFull      = errors.New("sart: no free entries")
	ErrNotFound  = errors.New("sart: entry not found")
	ErrDenied    = errors.New("sart: range not covered by an allowed entry")
)

// Entry is one allowed range.
type Entry struct {
	Index     int    `json:"index" yaml:"index"`
	Addr      uint64 `json:"addr" yaml:"addr"`
	Size      uint64 `json:"size" yaml:"size"`
	Protected bool   `json:"protected" yaml:"protected"`
}

// End returns the first address past the entry.
func (e Entry) End() uint64 { return e.Addr + e.Size }

type slot struct {
	used      bool
	protected bool
	addr      uint64
	size      uint64
}

// Filter is the allow list. It is safe for concurrent use.
type Filter struct {
	mu     sync.RWMutex
	slots  [MaxEntries]slot
	logger *zap.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the filter's logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Filter) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithProtected preloads a bootloader-owned entry that Remove and Shutdown
// never touch.
func WithProtected(addr, size uint64) Option {
	return func(f *Filter) {
		for i := range f.slots {
			if !f.slots[i].used {
				f.slots[i] = slot{used: true, protected: true, addr: addr, size: size}
				return
			}
		}
	}
}

// New returns an empty filter.
func New(opts ...Option) *Filter {
	f := &Filter{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func aligned(addr, size uint64) bool {
	return addr&(Granule-1) == 0 && size&(Granule-1) == 0
}

// AddAllowedRegion adds [addr, addr+size) to the allow list.
func (f *Filter) AddAllowedRegion(addr, size uint64) error {
	if !aligned(addr, size) || size == 0 {
		return fmt.Errorf("%w: [0x%x, +0x%x)", ErrUnaligned, addr, size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.slots {
		if f.slots[i].used {
			continue
		}
		f.slots[i] = slot{used: true, addr: addr, size: size}
		f.logger.Debug("sart entry added", zap.Int("index", i),
			zap.Uint64("addr", addr), zap.Uint64("size", size))
		return nil
	}
	f.logger.Warn("sart has no free entries", zap.Uint64("addr", addr), zap.Uint64("size", size))
	return ErrFull
}

// RemoveAllowedRegion removes the entry added with exactly addr and size.
func (f *Filter) RemoveAllowedRegion(addr, size uint64) error {
	if !aligned(addr, size) {
		return fmt.Errorf("%w: [0x%x, +0x%x)", ErrUnaligned, addr, size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.slots {
		s := f.slots[i]
		if !s.used || s.protected || s.addr != addr || s.size != size {
			continue
		}
		f.slots[i] = slot{}
		f.logger.Debug("sart entry cleared", zap.Int("index", i))
		return nil
	}
	return fmt.Errorf("%w: [0x%x, +0x%x)", ErrNotFound, addr, size)
}

// Verify succeeds when [addr, addr+size) lies inside a single allowed entry.
func (f *Filter) Verify(addr, size uint64) error {
	end := addr + size
	if end < addr {
		return fmt.Errorf("%w: [0x%x, +0x%x) wraps", ErrDenied, addr, size)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.slots {
		if s.used && addr >= s.addr && end <= s.addr+s.size {
			return nil
		}
	}
	return fmt.Errorf("%w: [0x%x, +0x%x)", ErrDenied, addr, size)
}

// Shutdown clears every entry that was not preloaded as protected.
func (f *Filter) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.slots {
		if !f.slots[i].protected {
			f.slots[i] = slot{}
		}
	}
}

// Entries lists the used slots in index order.
func (f *Filter) Entries() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []Entry
	for i, s := range f.slots {
		if s.used {
			out = append(out, Entry{Index: i, Addr: s.addr, Size: s.size, Protected: s.protected})
		}
	}
	return out
}
