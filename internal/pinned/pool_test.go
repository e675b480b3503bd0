package pinned

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/fxnlabs/devcore/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

const testBlockSize = 4096

type fixture struct {
	driver *gpu.HostDriver
	pool   *Pool
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, blockSize int) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core, zap.WithFatalHook(zapcore.WriteThenPanic))

	driver := gpu.NewHostDriver(log)
	check := gpu.NewChecker(driver, log, false)
	registry := gpu.NewRegistry(driver, check, log)

	pool, err := New(driver, check, registry.CurrentStream, log, WithBlockSize(blockSize))
	require.NoError(t, err)
	return &fixture{driver: driver, pool: pool, logs: logs}
}

func TestNew(t *testing.T) {
	driver := gpu.NewHostDriver(nil)
	check := gpu.NewChecker(driver, nil, false)

	t.Run("default block size", func(t *testing.T) {
		pool, err := New(driver, check, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultBlockSize, pool.BlockSize())
		assert.Zero(t, pool.Stats().Blocks)
		assert.Zero(t, driver.Count(gpu.OpHostAlloc))
	})

	for _, size := range []int{0, -512, 1000} {
		_, err := New(driver, check, nil, nil, WithBlockSize(size))
		assert.Error(t, err, "block size %d", size)
	}
}

func TestBlocksFor(t *testing.T) {
	testCases := []struct {
		name  string
		total int64
		block int
		want  int
	}{
		{"one and a half blocks", 3 << 29, DefaultBlockSize, 2},
		{"exactly one block", 1 << 30, DefaultBlockSize, 1},
		{"one byte over", 1<<30 + 1, DefaultBlockSize, 2},
		{"nothing", 0, DefaultBlockSize, 0},
		{"small blocks", 10000, testBlockSize, 3},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, blocksFor(tc.total, tc.block))
		})
	}
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, 512, roundUp(0))
	assert.Equal(t, 512, roundUp(1))
	assert.Equal(t, 512, roundUp(400))
	assert.Equal(t, 512, roundUp(512))
	assert.Equal(t, 1024, roundUp(513))
}

func TestReserve(t *testing.T) {
	f := newFixture(t, 1<<20)

	f.pool.Reserve(3 << 19) // 1.5 blocks
	stats := f.pool.Stats()
	assert.Equal(t, 2, stats.Blocks)
	assert.Equal(t, 0, stats.ActiveBlock)
	assert.Equal(t, 0, stats.Cursor)
	assert.Equal(t, 2, f.driver.Count(gpu.OpHostAlloc))

	t.Run("idempotent", func(t *testing.T) {
		f.pool.Reserve(8 << 20)
		assert.Equal(t, 2, f.pool.Stats().Blocks)
		assert.Equal(t, 2, f.driver.Count(gpu.OpHostAlloc))
	})
}

func TestReserve_Zero(t *testing.T) {
	f := newFixture(t, testBlockSize)

	f.pool.Reserve(0)
	assert.Zero(t, f.pool.Stats().Blocks)
	assert.Zero(t, f.driver.Count(gpu.OpHostAlloc))

	// An empty reservation does not count as an existing pool.
	f.pool.Reserve(2 * testBlockSize)
	assert.Equal(t, 2, f.pool.Stats().Blocks)
}

func TestReserve_PinFailureIsFatal(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.driver.Inject(gpu.OpHostAlloc, int(gpu.StatusMemoryAllocation))

	assert.Panics(t, func() {
		f.pool.Reserve(testBlockSize)
	})
	assert.Equal(t, 1, f.logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("cannot pre-allocate").Len())
	assert.Equal(t, 1, f.logs.FilterLevelExact(zapcore.FatalLevel).Len())
}

func TestAllocate_RoundsToAlignment(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.pool.Reserve(testBlockSize)

	b := f.pool.Allocate(nil, 100)
	assert.Equal(t, Pooled, b.Kind)
	assert.Equal(t, 0, b.Offset)
	assert.Equal(t, 512, b.Size)
	assert.Len(t, b.Bytes(), 400)
	assert.Len(t, b.Float32s(), 100)
	assert.Equal(t, 512, f.pool.Stats().Cursor)

	next := f.pool.Allocate(nil, 1)
	assert.Equal(t, 512, next.Offset)
	assert.Equal(t, 1024, f.pool.Stats().Cursor)
	assert.True(t, f.pool.Contains(b))
	assert.True(t, f.pool.Contains(next))
}

func TestAllocate_CopiesSource(t *testing.T) {
	f := newFixture(t, testBlockSize)

	src := []float32{1, 2, 3, 4, 5}
	b := f.pool.Allocate(src, len(src))
	assert.Equal(t, src, b.Float32s())
	assert.Equal(t, 1, f.driver.Count(gpu.OpMemcpyAsync))

	// n shorter than src copies only n values.
	short := f.pool.Allocate(src, 2)
	assert.Equal(t, []float32{1, 2}, short.Float32s())
}

func TestAllocate_WithoutReserveGrowsPool(t *testing.T) {
	f := newFixture(t, testBlockSize)

	b := f.pool.Allocate(nil, 10)
	assert.Equal(t, Pooled, b.Kind)
	assert.Equal(t, 1, f.pool.Stats().Blocks)
	assert.Equal(t, 1, f.driver.Count(gpu.OpHostAlloc))
	assert.True(t, f.pool.Contains(b))
}

func TestAllocate_AdvancesAndAbandonsTail(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.pool.Reserve(2 * testBlockSize)

	// 1536 bytes each, under half a block.
	a := f.pool.AllocateBytes(nil, 1536, 1)
	b := f.pool.AllocateBytes(nil, 1536, 1)
	c := f.pool.AllocateBytes(nil, 1536, 1)

	assert.Equal(t, 0, a.Block)
	assert.Equal(t, 0, b.Block)
	assert.Equal(t, 1536, b.Offset)
	assert.Equal(t, 1, c.Block)
	assert.Equal(t, 0, c.Offset)

	stats := f.pool.Stats()
	assert.Equal(t, 1, stats.ActiveBlock)
	assert.Equal(t, int64(testBlockSize-3072), stats.AbandonedBytes)
	assert.Equal(t, 2, f.driver.Count(gpu.OpHostAlloc))

	t.Run("grows when every block is exhausted", func(t *testing.T) {
		f.pool.AllocateBytes(nil, 1536, 1)
		d := f.pool.AllocateBytes(nil, 1536, 1)
		assert.Equal(t, 2, d.Block)
		assert.Equal(t, 0, d.Offset)
		assert.Equal(t, 3, f.pool.Stats().Blocks)
		assert.Equal(t, 3, f.driver.Count(gpu.OpHostAlloc))
	})
}

func TestAllocate_ExactFitStaysInBlock(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.pool.Reserve(testBlockSize)

	for i := 0; i < testBlockSize/512; i++ {
		b := f.pool.AllocateBytes(nil, 512, 1)
		assert.Equal(t, 0, b.Block)
	}
	assert.Equal(t, testBlockSize, f.pool.Stats().Cursor)
	assert.Equal(t, 1, f.driver.Count(gpu.OpHostAlloc))
}

func TestAllocate_LargeRequestIsStandalone(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.pool.Reserve(testBlockSize)
	before := f.pool.Stats()

	testCases := []struct {
		name string
		size int
	}{
		{"exactly half a block", testBlockSize / 2},
		{"rounds up to half a block", testBlockSize/2 - 1},
		{"larger than a block", 3 * testBlockSize},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := f.pool.AllocateBytes(nil, tc.size, 1)
			assert.Equal(t, Standalone, b.Kind)
			assert.Equal(t, tc.size, b.Size)
			assert.Len(t, b.Bytes(), tc.size)
			assert.False(t, f.pool.Contains(b))
		})
	}

	after := f.pool.Stats()
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.Equal(t, before.Blocks, after.Blocks)
	assert.Equal(t, 3, after.StandaloneCount)
}

func TestAllocate_StandaloneFailureIsFatal(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.driver.Inject(gpu.OpHostAlloc, int(gpu.StatusMemoryAllocation))

	assert.Panics(t, func() {
		f.pool.AllocateBytes(nil, testBlockSize, 1)
	})
	assert.Equal(t, 1, f.logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestAllocate_BuffersDoNotOverlap(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.pool.Reserve(4 * testBlockSize)

	sizes := []int{1, 100, 128, 129, 300, 7, 380, 200, 1, 64, 256, 333}
	var bufs []Buffer
	var total int64
	for _, n := range sizes {
		b := f.pool.Allocate(nil, n)
		bufs = append(bufs, b)
		total += int64(b.Size)
		assert.Zero(t, b.Offset%Alignment)
		assert.LessOrEqual(t, b.Offset+b.Size, testBlockSize)
	}
	assertDisjoint(t, bufs)
	assert.Equal(t, total, f.pool.Stats().PooledBytes)
	assert.Equal(t, len(sizes), f.pool.Stats().PooledCount)
}

func TestAllocate_Concurrent(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.pool.Reserve(16 * testBlockSize)

	const workers = 64
	var (
		mu   sync.Mutex
		bufs []Buffer
		g    errgroup.Group
	)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			b := f.pool.Allocate(nil, 100+i)
			mu.Lock()
			bufs = append(bufs, b)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, bufs, workers)
	assertDisjoint(t, bufs)
	assert.Equal(t, workers, f.pool.Stats().PooledCount)
}

func TestRelease(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.pool.Reserve(testBlockSize)

	big := f.pool.AllocateBytes(nil, testBlockSize, 1)
	assert.Equal(t, 2, f.driver.PinnedOutstanding())

	f.pool.Release(big)
	assert.Equal(t, 1, f.driver.PinnedOutstanding())
	assert.Zero(t, f.pool.Stats().StandaloneCount)

	// Pooled buffers go away with their block only.
	small := f.pool.Allocate(nil, 4)
	f.pool.Release(small)
	assert.Equal(t, 1, f.driver.PinnedOutstanding())
	assert.Equal(t, 1, f.driver.Count(gpu.OpFreeHost))
}

func TestReleaseAll(t *testing.T) {
	f := newFixture(t, testBlockSize)

	f.pool.Reserve(2 * testBlockSize)
	f.pool.Allocate(nil, 10)
	standalone := f.pool.AllocateBytes(nil, testBlockSize, 1)
	require.Equal(t, 3, f.driver.PinnedOutstanding())

	f.pool.ReleaseAll()
	stats := f.pool.Stats()
	assert.Zero(t, stats.Blocks)
	assert.Zero(t, stats.Cursor)
	assert.Zero(t, stats.PooledCount)
	// The standalone buffer is still pinned.
	assert.Equal(t, 1, f.driver.PinnedOutstanding())

	t.Run("reserve after release", func(t *testing.T) {
		f.pool.Reserve(2 * testBlockSize)
		assert.Equal(t, 2, f.pool.Stats().Blocks)
		assert.Equal(t, 3, f.driver.PinnedOutstanding())

		f.pool.ReleaseAll()
		f.pool.Release(standalone)
		assert.Zero(t, f.driver.PinnedOutstanding())
		assert.Equal(t, f.driver.Count(gpu.OpHostAlloc), f.driver.Count(gpu.OpFreeHost))
	})

	t.Run("second release is a no-op", func(t *testing.T) {
		frees := f.driver.Count(gpu.OpFreeHost)
		f.pool.ReleaseAll()
		assert.Equal(t, frees, f.driver.Count(gpu.OpFreeHost))
	})
}

func TestAllocate_InvalidSizeIsFatal(t *testing.T) {
	testCases := []struct {
		name     string
		n        int
		elemSize int
	}{
		{"negative count", -1, 4},
		{"zero element size", 4, 0},
		{"negative element size", 4, -4},
		{"overflow", math.MaxInt/2 + 1, 4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testBlockSize)
			assert.PanicsWithValue(t, fmt.Sprintf("invalid pinned allocation: n=%d elem_size=%d", tc.n, tc.elemSize), func() {
				f.pool.AllocateBytes(nil, tc.n, tc.elemSize)
			})
			assert.Equal(t, 1, f.logs.FilterLevelExact(zapcore.FatalLevel).Len())
			assert.Zero(t, f.driver.Count(gpu.OpHostAlloc))
		})
	}

	t.Run("negative float count", func(t *testing.T) {
		f := newFixture(t, testBlockSize)
		assert.Panics(t, func() {
			f.pool.Allocate(nil, -1)
		})
		assert.Equal(t, 1, f.logs.FilterLevelExact(zapcore.FatalLevel).Len())
	})
}

func TestContains(t *testing.T) {
	f := newFixture(t, testBlockSize)
	f.pool.Reserve(testBlockSize)

	empty := f.pool.Allocate(nil, 0)
	assert.Equal(t, Pooled, empty.Kind)
	assert.Equal(t, Alignment, empty.Size)
	assert.Empty(t, empty.Bytes())
	assert.True(t, f.pool.Contains(empty))

	standalone := f.pool.AllocateBytes(nil, testBlockSize, 1)
	assert.False(t, f.pool.Contains(standalone))
	assert.False(t, f.pool.Contains(Buffer{}))

	t.Run("released blocks", func(t *testing.T) {
		f.pool.ReleaseAll()
		assert.False(t, f.pool.Contains(empty))

		// Same block and offset in a new block set is a different buffer.
		f.pool.Reserve(testBlockSize)
		again := f.pool.Allocate(nil, 0)
		require.Equal(t, empty.Block, again.Block)
		require.Equal(t, empty.Offset, again.Offset)
		assert.False(t, f.pool.Contains(empty))
		assert.True(t, f.pool.Contains(again))
		f.pool.Release(standalone)
	})
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "pooled", Pooled.String())
	assert.Equal(t, "standalone", Standalone.String())
	assert.Equal(t, "Kind(7)", Kind(7).String())
}

// assertDisjoint checks that no two pooled buffers share a byte.
func assertDisjoint(t *testing.T, bufs []Buffer) {
	t.Helper()
	sorted := append([]Buffer(nil), bufs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Block != sorted[j].Block {
			return sorted[i].Block < sorted[j].Block
		}
		return sorted[i].Offset < sorted[j].Offset
	})
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Block == cur.Block {
			assert.LessOrEqual(t, prev.Offset+prev.Size, cur.Offset,
				"block %d: [%d,%d) overlaps [%d,...)", cur.Block, prev.Offset, prev.Offset+prev.Size, cur.Offset)
		}
	}
}
