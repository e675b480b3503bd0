package gpu

import (
	"sync"
	"sync/atomic"

	"github.com/fxnlabs/devcore/internal/metrics"
	"go.uber.org/zap"
)

const (
	// MaxDevices is the number of device slots.
	MaxDevices = 16
	// MaxLogicalStreams is the number of logical stream slots.
	MaxLogicalStreams = 16
)

const (
	ownerDevice  = "device"
	ownerLogical = "logical"
)

// lazy holds a value created at most once. The first caller claims the
// slot and runs create; concurrent callers block until it returns.
type lazy[T any] struct {
	once  sync.Once
	ready atomic.Bool
	v     T
}

func (l *lazy[T]) get(create func() T) T {
	l.once.Do(func() {
		l.v = create()
		l.ready.Store(true)
	})
	return l.v
}

// load returns the value without creating it.
func (l *lazy[T]) load() (T, bool) {
	if !l.ready.Load() {
		var zero T
		return zero, false
	}
	return l.v, true
}

type deviceSlot struct {
	stream lazy[Stream]
	blas   lazy[BLASHandle]
	dnn    lazy[DNNHandle]
	// active is the logical stream currently bound to the device, nil for
	// the device's own stream.
	active atomic.Pointer[logicalSlot]
}

type logicalSlot struct {
	id int
	// device that created the stream, written once inside stream.get
	device int
	stream lazy[Stream]
	blas   lazy[BLASHandle]
	dnn    lazy[DNNHandle]
}

// Registry caches per-device streams and library handles for the life of
// the process. Handles are created on first use and never destroyed.
//
// The current device is process-wide: SelectDevice from one goroutine
// changes what CurrentDevice returns for all of them. Code that must not
// race on it should hold a *Device from Registry.Device instead.
type Registry struct {
	driver  Driver
	check   *Checker
	log     *zap.Logger
	trace   bool
	current atomic.Int64

	devices [MaxDevices]deviceSlot
	logical [MaxLogicalStreams]logicalSlot
	waits   *WaitLog
}

// Option configures a Registry.
type Option func(*Registry)

// WithTrace logs every stream and handle creation at info level.
func WithTrace(on bool) Option {
	return func(r *Registry) {
		r.trace = on
	}
}

// WithWaitLog replaces the default wait-marker log.
func WithWaitLog(w *WaitLog) Option {
	return func(r *Registry) {
		r.waits = w
	}
}

// NewRegistry creates the device resource registry. It does not touch the
// driver; every resource is created on first use.
func NewRegistry(driver Driver, check *Checker, log *zap.Logger, opts ...Option) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		driver: driver,
		check:  check,
		log:    log.Named("registry"),
	}
	for i := range r.logical {
		r.logical[i].id = i
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.waits == nil {
		r.waits = NewWaitLog(driver, check, log)
	}
	return r
}

// Driver returns the driver the registry creates resources with.
func (r *Registry) Driver() Driver { return r.driver }

// Checker returns the registry's error checker.
func (r *Registry) Checker() *Checker { return r.check }

// WaitLog returns the cross-stream wait-marker log.
func (r *Registry) WaitLog() *WaitLog { return r.waits }

// SelectDevice makes n the process-wide current device.
func (r *Registry) SelectDevice(n int) {
	r.slot(n)
	if st := r.driver.SetDevice(n); st != StatusSuccess {
		r.check.CUDAExtended(st)
	}
	r.current.Store(int64(n))
}

// CurrentDevice returns the process-wide current device.
func (r *Registry) CurrentDevice() int {
	return int(r.current.Load())
}

// Current returns a context bound to the current device at call time.
func (r *Registry) Current() *Device {
	return r.Device(r.CurrentDevice())
}

// Device returns a context bound to device n.
func (r *Registry) Device(n int) *Device {
	r.slot(n)
	return &Device{r: r, index: n}
}

func (r *Registry) slot(dev int) *deviceSlot {
	if dev < 0 || dev >= MaxDevices {
		r.check.Fatalf("device index %d out of range [0, %d)", dev, MaxDevices)
	}
	return &r.devices[dev]
}

// Stream returns the active stream of dev: the bound logical stream if
// any, otherwise the device's own stream, created on first use.
func (r *Registry) Stream(dev int) Stream {
	slot := r.slot(dev)
	if ls := slot.active.Load(); ls != nil {
		s, _ := ls.stream.load()
		return s
	}
	return r.ownStream(slot, dev)
}

// CurrentStream returns the active stream of the current device.
func (r *Registry) CurrentStream() Stream {
	return r.Stream(r.CurrentDevice())
}

// BLAS returns the BLAS handle bound to the active stream of dev.
func (r *Registry) BLAS(dev int) BLASHandle {
	slot := r.slot(dev)
	if ls := slot.active.Load(); ls != nil {
		return r.logicalBLAS(ls)
	}
	return slot.blas.get(func() BLASHandle {
		return r.createBLAS(dev, r.ownStream(slot, dev), ownerDevice)
	})
}

// DNN returns the DNN handle bound to the active stream of dev.
func (r *Registry) DNN(dev int) DNNHandle {
	slot := r.slot(dev)
	if ls := slot.active.Load(); ls != nil {
		return r.logicalDNN(ls)
	}
	return slot.dnn.get(func() DNNHandle {
		return r.createDNN(dev, r.ownStream(slot, dev), ownerDevice)
	})
}

// Synchronize blocks until all work on the active stream of dev completed.
func (r *Registry) Synchronize(dev int) {
	r.check.CUDAExtended(r.driver.StreamSynchronize(r.Stream(dev)))
}

func (r *Registry) ownStream(slot *deviceSlot, dev int) Stream {
	return slot.stream.get(func() Stream {
		return r.createStream(dev)
	})
}

// createStream tries a high-priority non-blocking stream and falls back to
// a default-mode stream. Only the fallback failing is fatal.
func (r *Registry) createStream(dev int) Stream {
	_, greatest, st := r.driver.StreamPriorityRange(dev)
	if st != StatusSuccess {
		r.log.Debug("stream priority range unavailable", zap.Int("device", dev), zap.Int("status", int(st)))
		greatest = 0
	}
	s, st := r.driver.StreamCreate(dev, StreamNonBlocking, greatest)
	if st != StatusSuccess {
		r.log.Warn("cudaStreamCreate error, retrying with default stream mode",
			zap.Int("device", dev),
			zap.Int("status", int(st)),
			zap.String("description", r.driver.StatusString(st)))
		metrics.StreamFallbacks.Inc()
		s, st = r.driver.StreamCreate(dev, StreamDefault, 0)
		r.check.CUDAExtended(st)
	}
	metrics.StreamsCreated.WithLabelValues(ownerDevice).Inc()
	r.traced("create CUDA stream", zap.Int("device", dev))
	return s
}

func (r *Registry) createBLAS(dev int, s Stream, owner string) BLASHandle {
	h, st := r.driver.BLASCreate(dev)
	if err := r.check.BLASExtended(st); err != nil {
		r.check.Fatalf("cuBLAS handle creation failed for device %d: %v", dev, err)
	}
	if err := r.check.BLASExtended(r.driver.BLASSetStream(h, s)); err != nil {
		r.check.Fatalf("cuBLAS set stream failed for device %d: %v", dev, err)
	}
	metrics.HandlesCreated.WithLabelValues(DomainBLAS, owner).Inc()
	r.traced("create cuBLAS handle", zap.Int("device", dev), zap.String("owner", owner))
	return h
}

func (r *Registry) createDNN(dev int, s Stream, owner string) DNNHandle {
	h, st := r.driver.DNNCreate(dev)
	r.check.DNNExtended(st)
	r.check.DNNExtended(r.driver.DNNSetStream(h, s))
	metrics.HandlesCreated.WithLabelValues(DomainDNN, owner).Inc()
	r.traced("create cuDNN handle", zap.Int("device", dev), zap.String("owner", owner))
	return h
}

func (r *Registry) traced(msg string, fields ...zap.Field) {
	if r.trace {
		r.log.Info(msg, fields...)
		return
	}
	r.log.Debug(msg, fields...)
}
