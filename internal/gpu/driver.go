package gpu

import "fmt"

// Opaque native handles. A zero value is never a valid handle.
type (
	Stream     uintptr
	Event      uintptr
	BLASHandle uintptr
	DNNHandle  uintptr
	DevicePtr  uintptr
)

// Status is a device runtime status code. Zero is success.
type Status int

// BLASStatus is a BLAS library status code. Zero is success.
type BLASStatus int

// DNNStatus is a DNN library status code. Zero is success.
type DNNStatus int

const (
	StatusSuccess             Status = 0
	StatusInvalidValue        Status = 1
	StatusMemoryAllocation    Status = 2
	StatusInitializationError Status = 3
	StatusInsufficientDriver  Status = 35
	StatusNoDevice            Status = 100
	StatusInvalidDevice       Status = 101
	StatusInvalidHandle       Status = 400
	StatusNotReady            Status = 600
)

const (
	BLASStatusSuccess         BLASStatus = 0
	BLASStatusNotInitialized  BLASStatus = 1
	BLASStatusAllocFailed     BLASStatus = 3
	BLASStatusInvalidValue    BLASStatus = 7
	BLASStatusExecutionFailed BLASStatus = 13
	BLASStatusInternalError   BLASStatus = 14
)

const (
	DNNStatusSuccess         DNNStatus = 0
	DNNStatusNotInitialized  DNNStatus = 1
	DNNStatusAllocFailed     DNNStatus = 2
	DNNStatusBadParam        DNNStatus = 3
	DNNStatusInternalError   DNNStatus = 4
	DNNStatusExecutionFailed DNNStatus = 8
)

// StreamFlags selects the stream creation mode.
type StreamFlags int

const (
	// StreamDefault streams synchronize implicitly with the legacy default stream.
	StreamDefault StreamFlags = 0
	// StreamNonBlocking streams run independently of the legacy default stream.
	StreamNonBlocking StreamFlags = 1
)

// DeviceProperties is the subset of device attributes used for diagnostics.
type DeviceProperties struct {
	Name        string
	Major       int
	Minor       int
	TotalMemory uint64
}

// Runtime is the device runtime surface (streams, events, memory).
//
// Creation calls take the device index explicitly. Implementations backed by
// a thread-local "current device" must select the device and create the
// object on the same OS thread.
type Runtime interface {
	SetDevice(n int) Status
	GetDevice() (int, Status)
	DeviceCount() (int, Status)
	DeviceProperties(n int) (DeviceProperties, Status)
	RuntimeVersion() (int, Status)
	DriverVersion() (int, Status)

	// LastError returns and clears the most recent asynchronous error.
	LastError() Status
	StatusName(st Status) string
	StatusString(st Status) string

	// StreamPriorityRange returns the least and greatest stream priority.
	// Greater priority is numerically lower.
	StreamPriorityRange(dev int) (least, greatest int, st Status)
	StreamCreate(dev int, flags StreamFlags, priority int) (Stream, Status)
	StreamSynchronize(s Stream) Status
	DeviceSynchronize(dev int) Status

	// EventCreate creates an event with timing disabled.
	EventCreate(dev int) (Event, Status)
	EventRecord(e Event, s Stream) Status
	// EventQuery returns StatusSuccess once all work captured by the event
	// completed, StatusNotReady otherwise.
	EventQuery(e Event) Status
	EventSynchronize(e Event) Status
	EventDestroy(e Event) Status
	StreamWaitEvent(s Stream, e Event) Status

	// HostAlloc returns page-locked host memory of exactly size bytes.
	HostAlloc(size int) ([]byte, Status)
	FreeHost(buf []byte) Status
	// MemcpyAsync copies between host buffers in stream order.
	MemcpyAsync(dst, src []byte, s Stream) Status

	Malloc(dev int, size int) (DevicePtr, Status)
	Free(p DevicePtr) Status
	MemcpyHtoDAsync(dst DevicePtr, src []byte, s Stream) Status
	MemcpyDtoHAsync(dst []byte, src DevicePtr, s Stream) Status
}

// BLAS is the dense linear algebra library handle surface.
type BLAS interface {
	BLASCreate(dev int) (BLASHandle, BLASStatus)
	BLASSetStream(h BLASHandle, s Stream) BLASStatus
	BLASStatusName(st BLASStatus) string
}

// DNN is the neural network primitives library handle surface.
type DNN interface {
	DNNCreate(dev int) (DNNHandle, DNNStatus)
	DNNSetStream(h DNNHandle, s Stream) DNNStatus
	DNNStatusString(st DNNStatus) string
	DNNVersion() (major, minor, patch int)
}

// Driver bundles the three native error domains behind one value.
type Driver interface {
	Runtime
	BLAS
	DNN

	// Name identifies the implementation ("cuda", "host").
	Name() string
	// Available reports whether the driver can serve at least one device.
	Available() bool
}

// Kind selects a driver implementation.
type Kind string

const (
	KindAuto Kind = "auto"
	KindCUDA Kind = "cuda"
	KindHost Kind = "host"
)

// ParseKind validates a driver kind from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAuto, KindCUDA, KindHost:
		return k, nil
	case "":
		return KindAuto, nil
	default:
		return "", fmt.Errorf("unknown driver kind %q", s)
	}
}

// StatusError is returned by the non-fatal BLAS check path.
type StatusError struct {
	Domain   string
	Code     int
	Name     string
	File     string
	Function string
	Line     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error: status=%d %s (%s, %s(), line #%d)", e.Domain, e.Code, e.Name, e.File, e.Function, e.Line)
}
