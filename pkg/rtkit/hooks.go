package rtkit

import (
	"io"

	"github.com/strand-protocol/rtkit/pkg/shmem"
)

// CPUControl drives the coprocessor CPU_CONTROL register.
type CPUControl interface {
	// Running reports whether the run bit is set.
	Running() bool
	// Start sets the run bit.
	Start() error
}

// Allocator provides memory for host-owned shared buffers.
// *shmem.Allocator satisfies it.
type Allocator interface {
	Alloc(size uint64) (*shmem.Region, error)
	Free(r *shmem.Region) error
}

// Verifier validates an address range supplied by the coprocessor.
// *sart.Filter satisfies it.
type Verifier interface {
	Verify(iova, size uint64) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(iova, size uint64) error

func (f VerifierFunc) Verify(iova, size uint64) error { return f(iova, size) }

// Mapper makes a verified coprocessor range readable by the host.
type Mapper interface {
	Map(iova, size uint64) (io.ReaderAt, error)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(iova, size uint64) (io.ReaderAt, error)

func (f MapperFunc) Map(iova, size uint64) (io.ReaderAt, error) { return f(iova, size) }

// ArenaMapper maps coprocessor addresses that fall inside a.
func ArenaMapper(a *shmem.Arena) Mapper {
	return MapperFunc(func(iova, size uint64) (io.ReaderAt, error) {
		r, err := a.Region(iova, size)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
}

// wakeOnly is used when neither an option nor the transport supplies CPU
// control. The coprocessor is assumed to be running, so Boot sends the wake
// message.
type wakeOnly struct{}

func (wakeOnly) Running() bool { return true }
func (wakeOnly) Start() error  { return nil }
