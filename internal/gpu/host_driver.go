package gpu

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// Op names a HostDriver entry point for fault injection and call counting.
type Op string

const (
	OpSetDevice         Op = "SetDevice"
	OpGetDevice         Op = "GetDevice"
	OpDeviceCount       Op = "DeviceCount"
	OpDeviceProperties  Op = "DeviceProperties"
	OpStreamCreate      Op = "StreamCreate"
	OpStreamSynchronize Op = "StreamSynchronize"
	OpDeviceSynchronize Op = "DeviceSynchronize"
	OpEventCreate       Op = "EventCreate"
	OpEventRecord       Op = "EventRecord"
	OpEventSynchronize  Op = "EventSynchronize"
	OpEventDestroy      Op = "EventDestroy"
	OpStreamWaitEvent   Op = "StreamWaitEvent"
	OpHostAlloc         Op = "HostAlloc"
	OpFreeHost          Op = "FreeHost"
	OpMemcpyAsync       Op = "MemcpyAsync"
	OpMalloc            Op = "Malloc"
	OpFree              Op = "Free"
	OpMemcpyHtoD        Op = "MemcpyHtoD"
	OpMemcpyDtoH        Op = "MemcpyDtoH"
	OpBLASCreate        Op = "BLASCreate"
	OpBLASSetStream     Op = "BLASSetStream"
	OpDNNCreate         Op = "DNNCreate"
	OpDNNSetStream      Op = "DNNSetStream"
)

const (
	hostRuntimeVersion = 12040
	hostDriverVersion  = 12060
)

type hostStream struct {
	dev      int
	flags    StreamFlags
	priority int
	// pending holds events recorded on the stream and events it waits on,
	// in submission order. They complete at synchronization points.
	pending []Event
}

type hostEvent struct {
	dev    int
	stream Stream
	done   bool
}

type hostFault struct {
	code  int
	times int
}

// HostDriver emulates the native driver with Go memory. It is the fallback
// when no CUDA device is usable and the test double for everything above
// the driver.
//
// Work submitted to a stream completes at synchronization points: an event
// stays not-ready until its stream, its device or the event itself is
// synchronized. A stream that waits on an event completes that event, and
// the work ahead of it on the recording stream, when it is synchronized.
// Copies are applied immediately.
type HostDriver struct {
	mu      sync.Mutex
	log     *zap.Logger
	props   []DeviceProperties
	current int
	next    uintptr
	lastErr Status

	streams map[Stream]*hostStream
	events  map[Event]*hostEvent
	pinned  map[uintptr]int
	device  map[DevicePtr][]byte
	blas    map[BLASHandle]Stream
	dnn     map[DNNHandle]Stream

	faults map[Op]*hostFault
	calls  map[Op]int
}

// HostOption configures a HostDriver.
type HostOption func(*HostDriver)

// WithHostDevices sets the number of emulated devices.
func WithHostDevices(n int) HostOption {
	return func(d *HostDriver) {
		d.props = make([]DeviceProperties, n)
		for i := range d.props {
			d.props[i] = DeviceProperties{
				Name:        fmt.Sprintf("Host Emulated Device %d", i),
				Major:       8,
				Minor:       6,
				TotalMemory: 8 << 30,
			}
		}
	}
}

// NewHostDriver creates an emulated driver with one device by default.
func NewHostDriver(log *zap.Logger, opts ...HostOption) *HostDriver {
	if log == nil {
		log = zap.NewNop()
	}
	d := &HostDriver{
		log:     log.Named("host-driver"),
		next:    1,
		streams: make(map[Stream]*hostStream),
		events:  make(map[Event]*hostEvent),
		pinned:  make(map[uintptr]int),
		device:  make(map[DevicePtr][]byte),
		blas:    make(map[BLASHandle]Stream),
		dnn:     make(map[DNNHandle]Stream),
		faults:  make(map[Op]*hostFault),
		calls:   make(map[Op]int),
	}
	WithHostDevices(1)(d)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Inject makes the next call of op fail with code.
func (d *HostDriver) Inject(op Op, code int) {
	d.InjectN(op, code, 1)
}

// InjectN makes the next n calls of op fail with code. A negative n fails
// every call until Clear.
func (d *HostDriver) InjectN(op Op, code int, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = &hostFault{code: code, times: n}
}

// Clear removes all injected faults.
func (d *HostDriver) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = make(map[Op]*hostFault)
}

// Count returns how many times op was called, failed calls included.
func (d *HostDriver) Count(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// PinnedOutstanding returns the number of host allocations not yet freed.
func (d *HostDriver) PinnedOutstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pinned)
}

// EventsOutstanding returns the number of events not yet destroyed.
func (d *HostDriver) EventsOutstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

// StreamFlagsOf returns the creation flags and priority of s.
func (d *HostDriver) StreamFlagsOf(s Stream) (StreamFlags, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.streams[s]
	if !ok {
		return 0, 0, false
	}
	return hs.flags, hs.priority, true
}

// BoundStream returns the stream a BLAS or DNN handle is bound to.
func (d *HostDriver) BoundStream(h uintptr) Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.blas[BLASHandle(h)]; ok {
		return s
	}
	return d.dnn[DNNHandle(h)]
}

// enter records the call and returns an injected failure code, if any.
// Must hold d.mu.
func (d *HostDriver) enter(op Op) int {
	d.calls[op]++
	f, ok := d.faults[op]
	if !ok {
		return 0
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(d.faults, op)
		}
	}
	return f.code
}

// fail records st as the most recent error. Must hold d.mu.
func (d *HostDriver) fail(st Status) Status {
	if st != StatusSuccess {
		d.lastErr = st
	}
	return st
}

func (d *HostDriver) handle() uintptr {
	h := d.next
	d.next++
	return h
}

func (d *HostDriver) validDevice(n int) bool {
	return n >= 0 && n < len(d.props)
}

func (d *HostDriver) Name() string    { return string(KindHost) }
func (d *HostDriver) Available() bool { return len(d.props) > 0 }

func (d *HostDriver) SetDevice(n int) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpSetDevice); code != 0 {
		return d.fail(Status(code))
	}
	if !d.validDevice(n) {
		return d.fail(StatusInvalidDevice)
	}
	d.current = n
	return StatusSuccess
}

func (d *HostDriver) GetDevice() (int, Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpGetDevice); code != 0 {
		return 0, d.fail(Status(code))
	}
	return d.current, StatusSuccess
}

func (d *HostDriver) DeviceCount() (int, Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpDeviceCount); code != 0 {
		return 0, d.fail(Status(code))
	}
	return len(d.props), StatusSuccess
}

func (d *HostDriver) DeviceProperties(n int) (DeviceProperties, Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpDeviceProperties); code != 0 {
		return DeviceProperties{}, d.fail(Status(code))
	}
	if !d.validDevice(n) {
		return DeviceProperties{}, d.fail(StatusInvalidDevice)
	}
	return d.props[n], StatusSuccess
}

func (d *HostDriver) RuntimeVersion() (int, Status) { return hostRuntimeVersion, StatusSuccess }
func (d *HostDriver) DriverVersion() (int, Status)  { return hostDriverVersion, StatusSuccess }

func (d *HostDriver) LastError() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.lastErr
	d.lastErr = StatusSuccess
	return st
}

func (d *HostDriver) StatusName(st Status) string   { return defaultStatusName(st) }
func (d *HostDriver) StatusString(st Status) string { return defaultStatusString(st) }

func (d *HostDriver) StreamPriorityRange(dev int) (int, int, Status) {
	return 0, -5, StatusSuccess
}

func (d *HostDriver) StreamCreate(dev int, flags StreamFlags, priority int) (Stream, Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpStreamCreate); code != 0 {
		return 0, d.fail(Status(code))
	}
	if !d.validDevice(dev) {
		return 0, d.fail(StatusInvalidDevice)
	}
	s := Stream(d.handle())
	d.streams[s] = &hostStream{dev: dev, flags: flags, priority: priority}
	d.log.Debug("stream created", zap.Int("device", dev), zap.Uintptr("stream", uintptr(s)))
	return s, StatusSuccess
}

// complete finishes everything queued on hs. Must hold d.mu.
func (d *HostDriver) complete(hs *hostStream) {
	pending := hs.pending
	hs.pending = nil
	for _, e := range pending {
		d.completeThrough(e)
	}
}

// completeThrough marks e done together with everything queued ahead of it
// on the stream it was recorded on. Waited events found on the way complete
// their own recording streams up to them. Must hold d.mu.
func (d *HostDriver) completeThrough(e Event) {
	he, ok := d.events[e]
	if !ok || he.done {
		return
	}
	he.done = true
	hs, ok := d.streams[he.stream]
	if !ok {
		return
	}
	for i, p := range hs.pending {
		if p != e {
			continue
		}
		ahead := hs.pending[:i]
		hs.pending = append([]Event(nil), hs.pending[i+1:]...)
		for _, a := range ahead {
			d.completeThrough(a)
		}
		return
	}
}

func (d *HostDriver) StreamSynchronize(s Stream) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpStreamSynchronize); code != 0 {
		return d.fail(Status(code))
	}
	hs, ok := d.streams[s]
	if !ok {
		return d.fail(StatusInvalidHandle)
	}
	d.complete(hs)
	return StatusSuccess
}

func (d *HostDriver) DeviceSynchronize(dev int) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpDeviceSynchronize); code != 0 {
		return d.fail(Status(code))
	}
	for _, hs := range d.streams {
		if hs.dev == dev {
			d.complete(hs)
		}
	}
	return StatusSuccess
}

func (d *HostDriver) EventCreate(dev int) (Event, Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpEventCreate); code != 0 {
		return 0, d.fail(Status(code))
	}
	if !d.validDevice(dev) {
		return 0, d.fail(StatusInvalidDevice)
	}
	e := Event(d.handle())
	d.events[e] = &hostEvent{dev: dev, done: true}
	return e, StatusSuccess
}

func (d *HostDriver) EventRecord(e Event, s Stream) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpEventRecord); code != 0 {
		return d.fail(Status(code))
	}
	he, ok := d.events[e]
	hs, sok := d.streams[s]
	if !ok || !sok {
		return d.fail(StatusInvalidHandle)
	}
	he.stream = s
	he.done = false
	hs.pending = append(hs.pending, e)
	return StatusSuccess
}

func (d *HostDriver) EventQuery(e Event) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	he, ok := d.events[e]
	if !ok {
		return d.fail(StatusInvalidHandle)
	}
	if !he.done {
		return StatusNotReady
	}
	return StatusSuccess
}

func (d *HostDriver) EventSynchronize(e Event) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpEventSynchronize); code != 0 {
		return d.fail(Status(code))
	}
	if _, ok := d.events[e]; !ok {
		return d.fail(StatusInvalidHandle)
	}
	d.completeThrough(e)
	return StatusSuccess
}

func (d *HostDriver) EventDestroy(e Event) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpEventDestroy); code != 0 {
		return d.fail(Status(code))
	}
	if _, ok := d.events[e]; !ok {
		return d.fail(StatusInvalidHandle)
	}
	delete(d.events, e)
	return StatusSuccess
}

func (d *HostDriver) StreamWaitEvent(s Stream, e Event) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpStreamWaitEvent); code != 0 {
		return d.fail(Status(code))
	}
	hs, ok := d.streams[s]
	if !ok {
		return d.fail(StatusInvalidHandle)
	}
	he, ok := d.events[e]
	if !ok {
		return d.fail(StatusInvalidHandle)
	}
	if !he.done {
		hs.pending = append(hs.pending, e)
	}
	return StatusSuccess
}

func (d *HostDriver) HostAlloc(size int) ([]byte, Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpHostAlloc); code != 0 {
		return nil, d.fail(Status(code))
	}
	if size <= 0 {
		return nil, d.fail(StatusInvalidValue)
	}
	buf := make([]byte, size)
	d.pinned[uintptr(unsafe.Pointer(&buf[0]))] = size
	return buf, StatusSuccess
}

func (d *HostDriver) FreeHost(buf []byte) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpFreeHost); code != 0 {
		return d.fail(Status(code))
	}
	if len(buf) == 0 {
		return d.fail(StatusInvalidValue)
	}
	key := uintptr(unsafe.Pointer(&buf[0]))
	if _, ok := d.pinned[key]; !ok {
		return d.fail(StatusInvalidValue)
	}
	delete(d.pinned, key)
	return StatusSuccess
}

func (d *HostDriver) MemcpyAsync(dst, src []byte, s Stream) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpMemcpyAsync); code != 0 {
		return d.fail(Status(code))
	}
	if _, ok := d.streams[s]; !ok {
		return d.fail(StatusInvalidHandle)
	}
	if len(src) > len(dst) {
		return d.fail(StatusInvalidValue)
	}
	copy(dst, src)
	return StatusSuccess
}

func (d *HostDriver) Malloc(dev int, size int) (DevicePtr, Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpMalloc); code != 0 {
		return 0, d.fail(Status(code))
	}
	if !d.validDevice(dev) {
		return 0, d.fail(StatusInvalidDevice)
	}
	if size <= 0 {
		return 0, d.fail(StatusInvalidValue)
	}
	p := DevicePtr(d.handle())
	d.device[p] = make([]byte, size)
	return p, StatusSuccess
}

func (d *HostDriver) Free(p DevicePtr) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpFree); code != 0 {
		return d.fail(Status(code))
	}
	if _, ok := d.device[p]; !ok {
		return d.fail(StatusInvalidValue)
	}
	delete(d.device, p)
	return StatusSuccess
}

func (d *HostDriver) MemcpyHtoDAsync(dst DevicePtr, src []byte, s Stream) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpMemcpyHtoD); code != 0 {
		return d.fail(Status(code))
	}
	mem, ok := d.device[dst]
	if !ok {
		return d.fail(StatusInvalidValue)
	}
	if _, ok := d.streams[s]; !ok {
		return d.fail(StatusInvalidHandle)
	}
	if len(src) > len(mem) {
		return d.fail(StatusInvalidValue)
	}
	copy(mem, src)
	return StatusSuccess
}

func (d *HostDriver) MemcpyDtoHAsync(dst []byte, src DevicePtr, s Stream) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpMemcpyDtoH); code != 0 {
		return d.fail(Status(code))
	}
	mem, ok := d.device[src]
	if !ok {
		return d.fail(StatusInvalidValue)
	}
	if _, ok := d.streams[s]; !ok {
		return d.fail(StatusInvalidHandle)
	}
	if len(dst) > len(mem) {
		return d.fail(StatusInvalidValue)
	}
	copy(dst, mem)
	return StatusSuccess
}

func (d *HostDriver) BLASCreate(dev int) (BLASHandle, BLASStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpBLASCreate); code != 0 {
		return 0, BLASStatus(code)
	}
	if !d.validDevice(dev) {
		return 0, BLASStatusNotInitialized
	}
	h := BLASHandle(d.handle())
	d.blas[h] = 0
	return h, BLASStatusSuccess
}

func (d *HostDriver) BLASSetStream(h BLASHandle, s Stream) BLASStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpBLASSetStream); code != 0 {
		return BLASStatus(code)
	}
	if _, ok := d.blas[h]; !ok {
		return BLASStatusNotInitialized
	}
	if _, ok := d.streams[s]; !ok {
		return BLASStatusInvalidValue
	}
	d.blas[h] = s
	return BLASStatusSuccess
}

func (d *HostDriver) BLASStatusName(st BLASStatus) string { return defaultBLASStatusName(st) }

func (d *HostDriver) DNNCreate(dev int) (DNNHandle, DNNStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpDNNCreate); code != 0 {
		return 0, DNNStatus(code)
	}
	if !d.validDevice(dev) {
		return 0, DNNStatusNotInitialized
	}
	h := DNNHandle(d.handle())
	d.dnn[h] = 0
	return h, DNNStatusSuccess
}

func (d *HostDriver) DNNSetStream(h DNNHandle, s Stream) DNNStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := d.enter(OpDNNSetStream); code != 0 {
		return DNNStatus(code)
	}
	if _, ok := d.dnn[h]; !ok {
		return DNNStatusBadParam
	}
	if _, ok := d.streams[s]; !ok {
		return DNNStatusBadParam
	}
	d.dnn[h] = s
	return DNNStatusSuccess
}

func (d *HostDriver) DNNStatusString(st DNNStatus) string { return defaultDNNStatusString(st) }

func (d *HostDriver) DNNVersion() (int, int, int) { return 9, 1, 0 }
