package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchStream(t *testing.T) {
	f := newFixture(t, 2)
	own := f.registry.Stream(0)

	s3 := f.registry.SwitchStream(0, 3)
	assert.NotEqual(t, own, s3)
	assert.Equal(t, s3, f.registry.Stream(0))
	assert.Equal(t, s3, f.registry.Stream(0))

	id, ok := f.registry.ActiveLogical(0)
	assert.True(t, ok)
	assert.Equal(t, 3, id)

	// Another device keeps its own stream.
	_, ok = f.registry.ActiveLogical(1)
	assert.False(t, ok)
	assert.NotEqual(t, s3, f.registry.Stream(1))

	s5 := f.registry.SwitchStream(0, 5)
	assert.NotEqual(t, s3, s5)
	assert.Equal(t, s5, f.registry.Stream(0))

	// Switching back reuses the stream created first.
	assert.Equal(t, s3, f.registry.SwitchStream(0, 3))
	// own streams of devices 0 and 1, logical 3 and 5
	assert.Equal(t, 4, f.driver.Count(OpStreamCreate))
}

func TestSwitchStream_LogicalStreamFlags(t *testing.T) {
	f := newFixture(t, 1)
	s := f.registry.SwitchStream(0, 0)

	flags, priority, ok := f.driver.StreamFlagsOf(s)
	require.True(t, ok)
	assert.Equal(t, StreamNonBlocking, flags)
	assert.Equal(t, 0, priority)
}

func TestResetStream(t *testing.T) {
	f := newFixture(t, 1)
	own := f.registry.Stream(0)

	f.registry.SwitchStream(0, 7)
	f.registry.ResetStream(0)

	assert.Equal(t, own, f.registry.Stream(0))
	_, ok := f.registry.ActiveLogical(0)
	assert.False(t, ok)

	s, created := f.registry.LogicalStream(7)
	assert.True(t, created)
	assert.NotZero(t, s)
}

func TestSwitchStream_HandlesFollowActiveStream(t *testing.T) {
	f := newFixture(t, 1)

	ownBLAS := f.registry.BLAS(0)
	s := f.registry.SwitchStream(0, 2)
	logicalBLAS := f.registry.BLAS(0)
	logicalDNN := f.registry.DNN(0)

	assert.NotEqual(t, ownBLAS, logicalBLAS)
	assert.Equal(t, s, f.driver.BoundStream(uintptr(logicalBLAS)))
	assert.Equal(t, s, f.driver.BoundStream(uintptr(logicalDNN)))
	assert.Equal(t, logicalBLAS, f.registry.BLAS(0))

	f.registry.ResetStream(0)
	assert.Equal(t, ownBLAS, f.registry.BLAS(0))
	assert.Equal(t, 2, f.driver.Count(OpBLASCreate))
}

func TestSwitchStream_InvalidID(t *testing.T) {
	f := newFixture(t, 1)
	for _, id := range []int{-1, MaxLogicalStreams} {
		assert.Panics(t, func() {
			f.registry.SwitchStream(0, id)
		})
	}
	assert.Len(t, f.fatals(), 2)
	_, ok := f.registry.ActiveLogical(0)
	assert.False(t, ok)
}

func TestLogicalStream_NotCreated(t *testing.T) {
	f := newFixture(t, 1)
	s, ok := f.registry.LogicalStream(4)
	assert.False(t, ok)
	assert.Zero(t, s)
}

func TestDevice_SwitchTo(t *testing.T) {
	f := newFixture(t, 2)
	d := f.registry.Device(1)

	s := d.SwitchTo(1)
	assert.Equal(t, s, d.Stream())
	assert.Equal(t, s, f.registry.Stream(1))

	d.ResetStream()
	assert.NotEqual(t, s, d.Stream())
}
