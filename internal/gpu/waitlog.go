package gpu

import (
	"sync"

	"github.com/fxnlabs/devcore/internal/metrics"
	"go.uber.org/zap"
)

// MaxWaitMarkers bounds the number of outstanding wait markers.
const MaxWaitMarkers = 1024

// Generation numbers wait markers in insertion order, starting at 1.
type Generation uint64

type marker struct {
	event Event
	gen   Generation
}

// WaitLog records cross-stream wait markers in a ring. Markers whose event
// completed are reclaimed from the oldest end when the ring fills up or a
// caller waits for them. A full ring of markers that are all still pending
// is fatal: there is no backpressure.
type WaitLog struct {
	mu     sync.Mutex
	driver Runtime
	check  *Checker
	log    *zap.Logger

	ring  [MaxWaitMarkers]marker
	head  int
	count int
	next  Generation
}

// NewWaitLog creates an empty wait-marker log.
func NewWaitLog(driver Runtime, check *Checker, log *zap.Logger) *WaitLog {
	if log == nil {
		log = zap.NewNop()
	}
	return &WaitLog{
		driver: driver,
		check:  check,
		log:    log.Named("waitlog"),
		next:   1,
	}
}

// Insert records an event on source and makes waiter wait for it. dev is
// the device the event is created on.
func (w *WaitLog) Insert(dev int, waiter, source Stream) Generation {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == MaxWaitMarkers {
		w.reclaimLocked()
	}
	if w.count == MaxWaitMarkers {
		w.check.Fatalf("CUDA max_events exceeded: %d wait markers outstanding", MaxWaitMarkers)
	}

	e, st := w.driver.EventCreate(dev)
	w.check.CUDAExtended(st)
	w.check.CUDAExtended(w.driver.EventRecord(e, source))
	w.check.CUDAExtended(w.driver.StreamWaitEvent(waiter, e))

	gen := w.next
	w.next++
	w.ring[(w.head+w.count)%MaxWaitMarkers] = marker{event: e, gen: gen}
	w.count++
	metrics.WaitMarkersOutstanding.Set(float64(w.count))
	return gen
}

// WaitFor blocks the calling goroutine until the marker of gen completed.
// Markers already reclaimed return immediately.
func (w *WaitLog) WaitFor(gen Generation) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == 0 || gen < w.ring[w.head].gen || gen >= w.next {
		return
	}
	m := w.ring[(w.head+int(gen-w.ring[w.head].gen))%MaxWaitMarkers]
	w.check.CUDAExtended(w.driver.EventSynchronize(m.event))
	w.reclaimLocked()
}

// Outstanding returns the number of markers not yet reclaimed.
func (w *WaitLog) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Reclaim destroys completed markers from the oldest end and returns how
// many were destroyed.
func (w *WaitLog) Reclaim() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reclaimLocked()
}

// Reset destroys every outstanding marker, completed or not.
func (w *WaitLog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.count > 0 {
		w.popLocked()
	}
	w.log.Debug("wait markers reset", zap.Uint64("next_generation", uint64(w.next)))
}

// reclaimLocked stops at the first pending marker so generations stay
// contiguous. Must hold w.mu.
func (w *WaitLog) reclaimLocked() int {
	n := 0
	for w.count > 0 {
		st := w.driver.EventQuery(w.ring[w.head].event)
		if st == StatusNotReady {
			break
		}
		w.check.CUDA(st)
		w.popLocked()
		n++
	}
	if n > 0 {
		w.log.Debug("wait markers reclaimed", zap.Int("count", n), zap.Int("outstanding", w.count))
	}
	return n
}

// popLocked destroys the oldest marker. Must hold w.mu.
func (w *WaitLog) popLocked() {
	w.check.CUDAExtended(w.driver.EventDestroy(w.ring[w.head].event))
	w.ring[w.head] = marker{}
	w.head = (w.head + 1) % MaxWaitMarkers
	w.count--
	metrics.WaitMarkersReclaimed.Inc()
	metrics.WaitMarkersOutstanding.Set(float64(w.count))
}
