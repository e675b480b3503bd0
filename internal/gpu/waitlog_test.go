package gpu

import (
	"testing"

	"github.com/fxnlabs/devcore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitStream(t *testing.T) {
	f := newFixture(t, 1)
	src := f.registry.SwitchStream(0, 1)
	f.registry.ResetStream(0)

	gen := f.registry.WaitStream(0, 1)
	assert.Equal(t, Generation(1), gen)
	assert.Equal(t, 1, f.registry.WaitLog().Outstanding())
	assert.Equal(t, 1, f.driver.Count(OpEventRecord))
	assert.Equal(t, 1, f.driver.Count(OpStreamWaitEvent))
	assert.Equal(t, 1, f.driver.EventsOutstanding())

	// The waiter is the active stream, the source is untouched.
	_, ok := f.registry.ActiveLogical(0)
	assert.False(t, ok)
	assert.NotEqual(t, src, f.registry.Stream(0))

	assert.Equal(t, Generation(2), f.registry.WaitStream(0, 1))
}

func TestWaitStream_BeforeCreationIsFatal(t *testing.T) {
	f := newFixture(t, 1)
	assert.Panics(t, func() {
		f.registry.WaitStream(0, 9)
	})
	assert.Contains(t, f.fatals()[0].Message, "before it was created")
	assert.Zero(t, f.driver.Count(OpEventCreate))
}

func TestWaitLog_CapacityExceeded(t *testing.T) {
	f := newFixture(t, 1)
	f.registry.SwitchStream(0, 0)
	f.registry.ResetStream(0)

	for i := 0; i < MaxWaitMarkers; i++ {
		f.registry.WaitStream(0, 0)
	}
	assert.Equal(t, MaxWaitMarkers, f.registry.WaitLog().Outstanding())
	assert.Empty(t, f.fatals())

	assert.Panics(t, func() {
		f.registry.WaitStream(0, 0)
	})
	require.Len(t, f.fatals(), 1)
	assert.Contains(t, f.fatals()[0].Message, "CUDA max_events exceeded")
	assert.Equal(t, MaxWaitMarkers, f.driver.EventsOutstanding())
}

func TestWaitLog_Reset(t *testing.T) {
	f := newFixture(t, 1)
	f.registry.SwitchStream(0, 0)
	f.registry.ResetStream(0)

	for i := 0; i < MaxWaitMarkers; i++ {
		f.registry.WaitStream(0, 0)
	}
	f.registry.ResetWaitMarkers()
	assert.Zero(t, f.registry.WaitLog().Outstanding())
	assert.Zero(t, f.driver.EventsOutstanding())

	// A full set of markers fits again and generations keep counting.
	var last Generation
	for i := 0; i < MaxWaitMarkers; i++ {
		last = f.registry.WaitStream(0, 0)
	}
	assert.Equal(t, Generation(2*MaxWaitMarkers), last)
	assert.Empty(t, f.fatals())
}

func TestWaitLog_ReclaimsCompletedMarkers(t *testing.T) {
	f := newFixture(t, 1)
	src := f.registry.SwitchStream(0, 0)
	f.registry.ResetStream(0)

	for i := 0; i < MaxWaitMarkers; i++ {
		f.registry.WaitStream(0, 0)
	}
	require.Equal(t, StatusSuccess, f.driver.StreamSynchronize(src))

	before := testutil.ToFloat64(metrics.WaitMarkersReclaimed)
	assert.NotPanics(t, func() {
		f.registry.WaitStream(0, 0)
	})
	assert.Equal(t, 1, f.registry.WaitLog().Outstanding())
	assert.Equal(t, 1, f.driver.EventsOutstanding())
	assert.Equal(t, before+MaxWaitMarkers, testutil.ToFloat64(metrics.WaitMarkersReclaimed))
}

func TestWaitLog_ReclaimStopsAtPendingMarker(t *testing.T) {
	f := newFixture(t, 1)
	first := f.registry.SwitchStream(0, 0)
	f.registry.SwitchStream(0, 1)
	f.registry.ResetStream(0)

	f.registry.WaitStream(0, 1) // pending on logical 1
	f.registry.WaitStream(0, 0)
	require.Equal(t, StatusSuccess, f.driver.StreamSynchronize(first))

	assert.Zero(t, f.registry.WaitLog().Reclaim())
	assert.Equal(t, 2, f.registry.WaitLog().Outstanding())
}

func TestWaitLog_WaitFor(t *testing.T) {
	f := newFixture(t, 1)
	f.registry.SwitchStream(0, 0)
	f.registry.ResetStream(0)

	g1 := f.registry.WaitStream(0, 0)
	g2 := f.registry.WaitStream(0, 0)
	g3 := f.registry.WaitStream(0, 0)
	w := f.registry.WaitLog()

	w.WaitFor(g2)
	assert.Equal(t, 1, f.driver.Count(OpEventSynchronize))
	// Markers up to g2 completed and were reclaimed; g3 stays pending.
	assert.Equal(t, 1, w.Outstanding())

	w.WaitFor(g1)
	assert.Equal(t, 1, f.driver.Count(OpEventSynchronize))

	w.WaitFor(g3)
	assert.Zero(t, w.Outstanding())

	w.WaitFor(g3 + 10)
	assert.Equal(t, 2, f.driver.Count(OpEventSynchronize))
}

func TestDevice_InsertWait(t *testing.T) {
	f := newFixture(t, 2)
	d := f.registry.Device(1)
	d.SwitchTo(4)
	d.ResetStream()

	assert.Equal(t, Generation(1), d.InsertWait(4))
	assert.Equal(t, 1, f.registry.WaitLog().Outstanding())
}

func TestWaitStream_SynchronizingWaiterCompletesMarker(t *testing.T) {
	f := newFixture(t, 1)
	f.registry.SwitchStream(0, 1)
	f.registry.ResetStream(0)

	f.registry.WaitStream(0, 1)
	w := f.registry.WaitLog()
	assert.Zero(t, w.Reclaim())

	f.registry.Synchronize(0)
	assert.Equal(t, 1, w.Reclaim())
	assert.Zero(t, w.Outstanding())
	assert.Zero(t, f.driver.EventsOutstanding())
}

func TestWaitStream_OtherStreamsUnaffected(t *testing.T) {
	f := newFixture(t, 2)
	f.registry.SwitchStream(0, 2)
	f.registry.ResetStream(0)

	f.registry.WaitStream(0, 2)
	// Device 1 never waited on logical stream 2.
	f.registry.Synchronize(1)
	assert.Zero(t, f.registry.WaitLog().Reclaim())
	assert.Equal(t, 1, f.registry.WaitLog().Outstanding())
}

func TestHostDriver_StreamWaitEventOrdering(t *testing.T) {
	d := NewHostDriver(nil)
	src, st := d.StreamCreate(0, StreamNonBlocking, 0)
	require.Equal(t, StatusSuccess, st)
	waiter, st := d.StreamCreate(0, StreamNonBlocking, 0)
	require.Equal(t, StatusSuccess, st)

	record := func(s Stream) Event {
		e, st := d.EventCreate(0)
		require.Equal(t, StatusSuccess, st)
		require.Equal(t, StatusSuccess, d.EventRecord(e, s))
		return e
	}
	before := record(src)
	edge := record(src)
	after := record(src)
	require.Equal(t, StatusSuccess, d.StreamWaitEvent(waiter, edge))

	require.Equal(t, StatusSuccess, d.StreamSynchronize(waiter))
	assert.Equal(t, StatusSuccess, d.EventQuery(before))
	assert.Equal(t, StatusSuccess, d.EventQuery(edge))
	assert.Equal(t, StatusNotReady, d.EventQuery(after))

	require.Equal(t, StatusSuccess, d.StreamSynchronize(src))
	assert.Equal(t, StatusSuccess, d.EventQuery(after))
}

func TestHostDriver_ChainedWaits(t *testing.T) {
	d := NewHostDriver(nil)
	var streams [3]Stream
	for i := range streams {
		s, st := d.StreamCreate(0, StreamNonBlocking, 0)
		require.Equal(t, StatusSuccess, st)
		streams[i] = s
	}
	// streams[2] waits on streams[1], which waits on streams[0].
	e0, _ := d.EventCreate(0)
	require.Equal(t, StatusSuccess, d.EventRecord(e0, streams[0]))
	require.Equal(t, StatusSuccess, d.StreamWaitEvent(streams[1], e0))
	e1, _ := d.EventCreate(0)
	require.Equal(t, StatusSuccess, d.EventRecord(e1, streams[1]))
	require.Equal(t, StatusSuccess, d.StreamWaitEvent(streams[2], e1))

	require.Equal(t, StatusSuccess, d.StreamSynchronize(streams[2]))
	assert.Equal(t, StatusSuccess, d.EventQuery(e0))
	assert.Equal(t, StatusSuccess, d.EventQuery(e1))
}
