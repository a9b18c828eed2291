package shmem

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
)

func TestAllocatorFirstFit(t *testing.T) {
	al := NewAllocator(NewArena(0x10000000, 4*PageSize))

	a, err := al.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc(100): %v", err)
	}
	if a.IOVA() != 0x10000000 || a.Size() != PageSize {
		t.Errorf("first region = 0x%x+0x%x", a.IOVA(), a.Size())
	}
	b, err := al.Alloc(2 * PageSize)
	if err != nil {
		t.Fatalf("Alloc(2 pages): %v", err)
	}
	if b.IOVA() != 0x10000000+PageSize {
		t.Errorf("second region at 0x%x", b.IOVA())
	}
	if _, err := al.Alloc(2 * PageSize); !errors.Is(err, ErrNoSpace) {
		t.Errorf("over-allocation err = %v, want ErrNoSpace", err)
	}

	if err := al.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := al.Free(a); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("double Free err = %v, want ErrNotAllocated", err)
	}
	c, err := al.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if c.IOVA() != a.IOVA() {
		t.Errorf("reused region at 0x%x, want 0x%x", c.IOVA(), a.IOVA())
	}
	if got := al.InUse(); got != 3*PageSize {
		t.Errorf("InUse() = %d, want %d", got, 3*PageSize)
	}
}

func TestAllocZeroesMemory(t *testing.T) {
	al := NewAllocator(NewArena(0, PageSize))
	r, err := al.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	r.Bytes()[0] = 0xAA
	_ = al.Free(r)
	r, err = al.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if r.Bytes()[0] != 0 {
		t.Error("reallocated region not zeroed")
	}
	if _, err := al.Alloc(0); !errors.Is(err, ErrZeroSize) {
		t.Errorf("Alloc(0) err = %v", err)
	}
}

func TestArenaRegionBounds(t *testing.T) {
	a := NewArena(0x1000, 0x2000)
	if _, err := a.Region(0x1000, 0x2000); err != nil {
		t.Errorf("whole arena: %v", err)
	}
	for _, tc := range []struct{ iova, size uint64 }{
		{0x0, 0x1000},
		{0x2000, 0x2000},
		{0x3000, 1},
		{0x1000, ^uint64(0)},
	} {
		if _, err := a.Region(tc.iova, tc.size); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Region(0x%x, 0x%x) err = %v, want ErrOutOfRange", tc.iova, tc.size, err)
		}
	}
}

func TestRegionReadWriteAt(t *testing.T) {
	a := NewArena(0, 64)
	r, err := a.Region(16, 16)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	if n, err := r.WriteAt([]byte("hello"), 4); err != nil || n != 5 {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	if string(a.data[20:25]) != "hello" {
		t.Errorf("arena bytes = %q", a.data[20:25])
	}
	buf := make([]byte, 8)
	n, err := r.ReadAt(buf, 12)
	if n != 4 || err != io.EOF {
		t.Errorf("short ReadAt = %d, %v; want 4, EOF", n, err)
	}
	if _, err := r.WriteAt(make([]byte, 4), 14); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("overflowing WriteAt err = %v", err)
	}
}

func TestMapFileShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shm")
	a, err := MapFile(path, 0x8000, 2*PageSize)
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	defer a.Close()
	b, err := MapFile(path, 0x8000, 2*PageSize)
	if err != nil {
		t.Fatalf("second MapFile: %v", err)
	}
	defer b.Close()

	ra, _ := a.Region(0x8000+PageSize, 8)
	rb, _ := b.Region(0x8000+PageSize, 8)
	copy(ra.Bytes(), "rtkit!!!")
	if string(rb.Bytes()) != "rtkit!!!" {
		t.Errorf("second mapping sees %q", rb.Bytes())
	}
}

func TestParseOwner(t *testing.T) {
	for in, want := range map[string]Owner{"host": OwnerHost, "Coprocessor": OwnerCoprocessor, "rtkit": OwnerCoprocessor} {
		got, err := ParseOwner(in)
		if err != nil || got != want {
			t.Errorf("ParseOwner(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseOwner("gpu"); err == nil {
		t.Error("ParseOwner(gpu) succeeded")
	}
}

func TestAllocatorReset(t *testing.T) {
	al := NewAllocator(NewArena(0x10000, 4*PageSize))
	for i := 0; i < 4; i++ {
		if _, err := al.Alloc(PageSize); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, err := al.Alloc(PageSize); err == nil {
		t.Fatal("Alloc on a full arena succeeded")
	}
	al.Reset()
	if al.InUse() != 0 {
		t.Fatalf("InUse() = %d after Reset", al.InUse())
	}
	r, err := al.Alloc(4 * PageSize)
	if err != nil || r.IOVA() != 0x10000 {
		t.Fatalf("Alloc after Reset = %v, %v", r, err)
	}
}
