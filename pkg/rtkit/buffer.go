package rtkit

import (
	"io"

	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/protocol"
	"github.com/strand-protocol/rtkit/pkg/shmem"
)

// Buffer is a shared-memory buffer bound to a system endpoint. It is either
// a *HostBuffer or a *DeviceBuffer; the variant is fixed by the core's
// ownership policy.
type Buffer interface {
	io.ReaderAt
	IOVA() uint64
	Size() uint64
	Owner() shmem.Owner
	release() error
}

// HostBuffer is memory the host allocated and advertised to the coprocessor.
type HostBuffer struct {
	region *shmem.Region
	alloc  Allocator
}

func (b *HostBuffer) IOVA() uint64       { return b.region.IOVA() }
func (b *HostBuffer) Size() uint64       { return b.region.Size() }
func (b *HostBuffer) Owner() shmem.Owner { return shmem.OwnerHost }

// ReadAt copies directly out of host memory.
func (b *HostBuffer) ReadAt(p []byte, off int64) (int, error) { return b.region.ReadAt(p, off) }

// Region exposes the backing memory.
func (b *HostBuffer) Region() *shmem.Region { return b.region }

func (b *HostBuffer) release() error { return b.alloc.Free(b.region) }

// DeviceBuffer is coprocessor memory the host verified and mapped. The host
// never frees the backing store.
type DeviceBuffer struct {
	iova uint64
	size uint64
	mem  io.ReaderAt
}

func (b *DeviceBuffer) IOVA() uint64       { return b.iova }
func (b *DeviceBuffer) Size() uint64       { return b.size }
func (b *DeviceBuffer) Owner() shmem.Owner { return shmem.OwnerCoprocessor }

// ReadAt copies through the mapping, bounded by the verified size.
func (b *DeviceBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= b.size {
		return 0, io.EOF
	}
	if rem := b.size - uint64(off); uint64(len(p)) > rem {
		n, err := b.mem.ReadAt(p[:rem], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return b.mem.ReadAt(p, off)
}

func (b *DeviceBuffer) release() error { return nil }

// Buffer returns the buffer negotiated for ep, or nil.
func (c *Core) Buffer(ep uint8) Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffers[ep]
}

func (c *Core) setBuffer(ep uint8, b Buffer) {
	c.mu.Lock()
	old := c.buffers[ep]
	c.buffers[ep] = b
	c.mu.Unlock()
	if old != nil {
		c.logger.Debug("replacing shared buffer", zap.Uint8("endpoint", ep),
			zap.Uint64("old_iova", old.IOVA()))
		if err := old.release(); err != nil {
			c.logger.Warn("releasing shared buffer", zap.Uint8("endpoint", ep), zap.Error(err))
		}
	}
}

func (c *Core) releaseBuffers() {
	c.mu.Lock()
	bufs := c.buffers
	c.buffers = make(map[uint8]Buffer)
	c.mu.Unlock()
	for ep, b := range bufs {
		if err := b.release(); err != nil {
			c.logger.Warn("releasing shared buffer", zap.Uint8("endpoint", ep), zap.Error(err))
		}
	}
}

// rxBufferRequest services a buffer request on a system endpoint. On any
// failure the endpoint's existing record is left untouched.
func (c *Core) rxBufferRequest(ep uint8, msg uint64) {
	req := protocol.ParseBufferRequest(msg)
	size := req.Size()
	c.metrics.IncBufferRequest()

	log := c.logger.With(zap.String("endpoint", protocol.EndpointName(ep)),
		zap.Uint64("size", size))
	if size == 0 {
		c.metrics.IncBufferFailure()
		c.protocolError("zero-sized buffer request", msg)
		return
	}

	switch c.owner {
	case shmem.OwnerCoprocessor:
		log = log.With(zap.String("iova", hex(req.IOVA)))
		log.Debug("shmem buffer request")
		if err := c.verify.Verify(req.IOVA, size); err != nil {
			c.metrics.IncBufferFailure()
			log.Warn("buffer verification failed", zap.Error(err))
			return
		}
		mem, err := c.mapper.Map(req.IOVA, size)
		if err != nil {
			c.metrics.IncBufferFailure()
			log.Warn("buffer mapping failed", zap.Error(err))
			return
		}
		c.setBuffer(ep, &DeviceBuffer{iova: req.IOVA, size: size, mem: mem})

	default:
		log.Debug("DMA buffer request")
		region, err := c.alloc.Alloc(size)
		if err != nil {
			c.metrics.IncBufferFailure()
			log.Warn("couldn't allocate shared buffer", zap.Error(err))
			return
		}
		if region.IOVA() > protocol.FieldBufferIOVA.Max() {
			c.metrics.IncBufferFailure()
			log.Warn("allocated buffer is not addressable by the coprocessor",
				zap.String("iova", hex(region.IOVA())))
			_ = c.alloc.Free(region)
			return
		}
		c.setBuffer(ep, &HostBuffer{region: region, alloc: c.alloc})
		reply := protocol.BufferRequest{Pages: req.Pages, IOVA: region.IOVA()}.Encode()
		_ = c.sendInternal(ep, reply)
	}
}
