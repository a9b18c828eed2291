package sart

import (
	"errors"
	"testing"
)

func TestVerifyWithinEntry(t *testing.T) {
	f := New()
	if err := f.AddAllowedRegion(0x8000_0000, 0x4000); err != nil {
		t.Fatalf("AddAllowedRegion: %v", err)
	}
	tests := []struct {
		addr, size uint64
		ok         bool
	}{
		{0x8000_0000, 0x4000, true},
		{0x8000_1000, 0x1000, true},
		{0x8000_3000, 0x2000, false},
		{0x7FFF_F000, 0x2000, false},
		{0x9000_0000, 0x1000, false},
		{^uint64(0) - 0xFFF, 0x2000, false},
	}
	for _, tt := range tests {
		err := f.Verify(tt.addr, tt.size)
		if tt.ok && err != nil {
			t.Errorf("Verify(0x%x, 0x%x) = %v, want nil", tt.addr, tt.size, err)
		}
		if !tt.ok && !errors.Is(err, ErrDenied) {
			t.Errorf("Verify(0x%x, 0x%x) = %v, want ErrDenied", tt.addr, tt.size, err)
		}
	}
}

func TestAddRejectsUnaligned(t *testing.T) {
	f := New()
	if err := f.AddAllowedRegion(0x1001, 0x1000); !errors.Is(err, ErrUnaligned) {
		t.Errorf("unaligned addr err = %v", err)
	}
	if err := f.AddAllowedRegion(0x1000, 0x800); !errors.Is(err, ErrUnaligned) {
		t.Errorf("unaligned size err = %v", err)
	}
}

func TestFilterFillsUp(t *testing.T) {
	f := New(WithProtected(0, 0x1000))
	for i := 1; i < MaxEntries; i++ {
		if err := f.AddAllowedRegion(uint64(i)*0x10000, 0x1000); err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
	}
	if err := f.AddAllowedRegion(0x100_0000, 0x1000); !errors.Is(err, ErrFull) {
		t.Errorf("17th entry err = %v, want ErrFull", err)
	}
	if got := len(f.Entries()); got != MaxEntries {
		t.Errorf("Entries() has %d slots, want %d", got, MaxEntries)
	}
}

func TestRemoveAndShutdownKeepProtected(t *testing.T) {
	f := New(WithProtected(0x1000, 0x1000))
	if err := f.RemoveAllowedRegion(0x1000, 0x1000); !errors.Is(err, ErrNotFound) {
		t.Errorf("removing protected entry err = %v, want ErrNotFound", err)
	}
	_ = f.AddAllowedRegion(0x4000, 0x2000)
	if err := f.RemoveAllowedRegion(0x4000, 0x1000); !errors.Is(err, ErrNotFound) {
		t.Errorf("size mismatch err = %v, want ErrNotFound", err)
	}
	if err := f.RemoveAllowedRegion(0x4000, 0x2000); err != nil {
		t.Errorf("RemoveAllowedRegion: %v", err)
	}
	_ = f.AddAllowedRegion(0x8000, 0x1000)
	f.Shutdown()
	entries := f.Entries()
	if len(entries) != 1 || !entries[0].Protected || entries[0].Addr != 0x1000 {
		t.Errorf("after Shutdown entries = %+v", entries)
	}
	if err := f.Verify(0x8000, 0x1000); !errors.Is(err, ErrDenied) {
		t.Errorf("Verify after Shutdown = %v", err)
	}
}
