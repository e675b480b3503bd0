// Package pinned sub-allocates page-locked host memory from large pinned
// blocks so that the number of expensive pin operations stays small.
package pinned

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/fxnlabs/devcore/internal/gpu"
	"github.com/fxnlabs/devcore/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultBlockSize is the size of one pinned block.
	DefaultBlockSize = 1 << 30
	// Alignment is the allocation granularity within a block.
	Alignment = 512

	float32Size = 4
)

// Kind tells where a Buffer came from.
type Kind int

const (
	// Pooled buffers live inside a pool block and are released with it.
	Pooled Kind = iota
	// Standalone buffers were pinned on their own and are not tracked by
	// the pool. The caller releases them with Pool.Release.
	Standalone
)

func (k Kind) String() string {
	switch k {
	case Pooled:
		return "pooled"
	case Standalone:
		return "standalone"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Buffer is a pinned host allocation.
type Buffer struct {
	Kind Kind
	// Block and Offset locate a pooled buffer; both are zero for standalone.
	Block  int
	Offset int
	// Size is the number of bytes reserved for the buffer: the rounded
	// allocation size for pooled buffers, the exact request for standalone.
	Size int

	data []byte
	// epoch of the pool blocks a pooled buffer was carved from
	epoch int
}

// Bytes returns the requested bytes of the buffer.
func (b Buffer) Bytes() []byte { return b.data }

// Float32s views the buffer as float32 values.
func (b Buffer) Float32s() []float32 {
	if len(b.data) < float32Size {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), len(b.data)/float32Size)
}

// StreamSource returns the stream asynchronous copies are issued on.
type StreamSource func() gpu.Stream

// Stats is a snapshot of the pool state.
type Stats struct {
	BlockSize       int
	Blocks          int
	ActiveBlock     int
	Cursor          int
	PooledCount     int
	PooledBytes     int64
	StandaloneCount int
	StandaloneBytes int64
	AbandonedBytes  int64
}

// Pool is a bump allocator over pinned blocks. Every decision (read the
// cursor, maybe advance or grow, write the cursor) runs under one mutex.
//
// Blocks are only released by ReleaseAll. Individual pooled buffers are
// never freed.
type Pool struct {
	mu        sync.Mutex
	driver    gpu.Runtime
	check     *gpu.Checker
	streams   StreamSource
	log       *zap.Logger
	blockSize int

	blocks [][]byte
	active int
	cursor int
	// epoch counts ReleaseAll calls so buffers of released blocks are
	// never mistaken for buffers of new ones.
	epoch int
	stats Stats
}

// Option configures a Pool.
type Option func(*Pool)

// WithBlockSize overrides DefaultBlockSize. It must be a positive multiple
// of Alignment.
func WithBlockSize(n int) Option {
	return func(p *Pool) {
		p.blockSize = n
	}
}

// New creates an empty pool. Nothing is pinned until Reserve or the first
// allocation.
func New(driver gpu.Runtime, check *gpu.Checker, streams StreamSource, log *zap.Logger, opts ...Option) (*Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		driver:    driver,
		check:     check,
		streams:   streams,
		log:       log.Named("pinned"),
		blockSize: DefaultBlockSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.blockSize <= 0 || p.blockSize%Alignment != 0 {
		return nil, fmt.Errorf("block size %d must be a positive multiple of %d", p.blockSize, Alignment)
	}
	return p, nil
}

// BlockSize returns the size of one pool block.
func (p *Pool) BlockSize() int { return p.blockSize }

// blocksFor returns ceil(total / blockSize).
func blocksFor(total int64, blockSize int) int {
	bs := int64(blockSize)
	return int((total + bs - 1) / bs)
}

// roundUp returns size rounded up to Alignment, and never less than one
// Alignment unit.
func roundUp(size int) int {
	if size <= 0 {
		return Alignment
	}
	return (size + Alignment - 1) / Alignment * Alignment
}

// Reserve pins ceil(total/blockSize) blocks up front. It does nothing when
// the pool already has blocks.
func (p *Pool) Reserve(total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.blocks) > 0 {
		p.log.Debug("pinned pool already reserved", zap.Int("blocks", len(p.blocks)))
		return
	}
	n := blocksFor(total, p.blockSize)
	if n <= 0 {
		return
	}
	p.log.Info("pre-allocating pinned memory",
		zap.Int64("size", total),
		zap.Int("num_of_blocks", n),
		zap.Int("block_size", p.blockSize))

	blocks := make([][]byte, 0, n)
	for k := 0; k < n; k++ {
		blocks = append(blocks, p.pinBlock("cannot pre-allocate CUDA-pinned buffer on CPU-RAM"))
		p.log.Debug("allocated pinned block", zap.Int("block", k+1), zap.Int("of", n))
	}
	p.blocks = blocks
	p.active = 0
	p.cursor = 0
	p.publishLocked()
}

// Allocate returns a pinned buffer for n float32 values. When src is not
// nil its first n values are copied in asynchronously on the active stream;
// the copy is complete only after that stream is synchronized.
func (p *Pool) Allocate(src []float32, n int) Buffer {
	var raw []byte
	if src != nil {
		raw = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(src))), len(src)*float32Size)
	}
	return p.AllocateBytes(raw, n, float32Size)
}

// AllocateBytes returns a pinned buffer for n elements of elemSize bytes.
// When src is not nil it is copied in like Allocate.
func (p *Pool) AllocateBytes(src []byte, n, elemSize int) Buffer {
	if n < 0 || elemSize <= 0 || (n > 0 && n > math.MaxInt/elemSize) {
		p.check.Fatalf("invalid pinned allocation: n=%d elem_size=%d", n, elemSize)
	}
	size := n * elemSize
	buf := p.take(size)
	if src != nil {
		if len(src) > size {
			src = src[:size]
		}
		p.check.CUDAExtended(p.driver.MemcpyAsync(buf.data, src, p.streams()))
	}
	return buf
}

// take runs the allocation policy:
//  1. serve from the active block when the request is under half a block
//     and fits behind the cursor;
//  2. otherwise advance to the next block, abandoning the tail, and retry;
//  3. requests of half a block or more get a standalone pinned buffer of
//     exactly size bytes; smaller ones grow the pool by one block.
func (p *Pool) take(size int) Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	allocSize := roundUp(size)
	half := p.blockSize / 2

	if len(p.blocks) > 0 && allocSize < half {
		if p.active < len(p.blocks) && p.cursor+allocSize > p.blockSize {
			abandoned := p.blockSize - p.cursor
			p.log.Debug("pinned block exhausted",
				zap.Int("block_id", p.active),
				zap.Float64("filled", 100*float64(p.cursor)/float64(p.blockSize)))
			p.stats.AbandonedBytes += int64(abandoned)
			metrics.PinnedAbandonedBytes.Add(float64(abandoned))
			p.active++
			p.cursor = 0
		}
		if p.active < len(p.blocks) && p.cursor+allocSize <= p.blockSize {
			return p.servePooledLocked(size, allocSize)
		}
	}

	if allocSize >= half {
		p.log.Info("allocating standalone pinned memory", zap.Int("size", size))
		data, st := p.driver.HostAlloc(size)
		if st != gpu.StatusSuccess {
			p.log.Warn("cannot allocate CUDA-pinned memory on CPU-RAM (pre-allocated memory is over too)")
		}
		p.check.CUDAExtended(st)
		if data == nil {
			p.check.Fatalf("cudaHostAlloc() returned no memory, size=%d", size)
		}
		p.stats.StandaloneCount++
		p.stats.StandaloneBytes += int64(size)
		metrics.PinnedAllocations.WithLabelValues(Standalone.String()).Inc()
		metrics.PinnedAllocatedBytes.WithLabelValues(Standalone.String()).Add(float64(size))
		return Buffer{Kind: Standalone, Size: size, data: data}
	}

	p.log.Info("allocating new pinned block", zap.Int("size", size), zap.Int("block_size", p.blockSize))
	p.blocks = append(p.blocks, p.pinBlock("cannot pre-allocate CUDA-pinned buffer on CPU-RAM"))
	p.active = len(p.blocks) - 1
	p.cursor = 0
	p.publishLocked()
	return p.servePooledLocked(size, allocSize)
}

// Must hold p.mu.
func (p *Pool) servePooledLocked(size, allocSize int) Buffer {
	off := p.cursor
	p.cursor += allocSize
	p.stats.PooledCount++
	p.stats.PooledBytes += int64(allocSize)
	metrics.PinnedAllocations.WithLabelValues(Pooled.String()).Inc()
	metrics.PinnedAllocatedBytes.WithLabelValues(Pooled.String()).Add(float64(allocSize))
	block := p.blocks[p.active]
	return Buffer{
		Kind:   Pooled,
		Block:  p.active,
		Offset: off,
		Size:   allocSize,
		data:   block[off : off+size : off+allocSize],
		epoch:  p.epoch,
	}
}

// pinBlock pins one full block. A failure is logged as a warning and then
// escalated. Must hold p.mu.
func (p *Pool) pinBlock(warning string) []byte {
	data, st := p.driver.HostAlloc(p.blockSize)
	if st != gpu.StatusSuccess {
		p.log.Warn(warning, zap.Int("block_size", p.blockSize), zap.Int("blocks", len(p.blocks)))
	}
	p.check.CUDAExtended(st)
	if data == nil {
		p.check.Fatalf("cudaHostAlloc() failed, num=%d, size=%d", len(p.blocks), p.blockSize)
	}
	return data
}

// Release frees a standalone buffer. Pooled buffers are released only with
// their block by ReleaseAll, so releasing one is a no-op.
func (p *Pool) Release(b Buffer) {
	if b.Kind != Standalone || len(b.data) == 0 {
		return
	}
	p.check.CUDAExtended(p.driver.FreeHost(b.data[:cap(b.data)]))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.StandaloneCount--
	p.stats.StandaloneBytes -= int64(b.Size)
}

// ReleaseAll unpins every pool block and forgets them. Standalone buffers
// are not affected.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.blocks) == 0 {
		return
	}
	for _, b := range p.blocks {
		p.check.CUDAExtended(p.driver.FreeHost(b))
	}
	p.log.Info("released pinned memory", zap.Int("blocks", len(p.blocks)))
	p.blocks = nil
	p.active = 0
	p.cursor = 0
	p.epoch++
	p.stats.PooledCount = 0
	p.stats.PooledBytes = 0
	p.publishLocked()
}

// Contains reports whether b is a pooled buffer carved from one of the
// pool's current blocks. Zero-length pooled buffers count: they still
// consumed an Alignment unit.
func (p *Pool) Contains(b Buffer) bool {
	if b.Kind != Pooled || b.Size <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return b.epoch == p.epoch &&
		b.Block >= 0 && b.Block < len(p.blocks) &&
		b.Offset >= 0 && b.Offset+b.Size <= p.blockSize
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.BlockSize = p.blockSize
	s.Blocks = len(p.blocks)
	s.ActiveBlock = p.active
	s.Cursor = p.cursor
	return s
}

// Must hold p.mu.
func (p *Pool) publishLocked() {
	metrics.PinnedBlocks.Set(float64(len(p.blocks)))
	metrics.PinnedPoolBytes.Set(float64(len(p.blocks)) * float64(p.blockSize))
}
