//go:build cuda
// +build cuda

package gpu

/*
#cgo LDFLAGS: -lcudart -lcublas -lcudnn
#include <cuda_runtime.h>
#include <cublas_v2.h>
#include <cudnn.h>
#include <stdlib.h>

// Device-scoped creation selects the device and creates on the same OS
// thread, so callers never depend on the thread-local current device.

static cudaError_t dc_stream_create(int dev, unsigned int flags, int priority, cudaStream_t *s) {
	cudaError_t st = cudaSetDevice(dev);
	if (st != cudaSuccess) return st;
	return cudaStreamCreateWithPriority(s, flags, priority);
}

static cudaError_t dc_priority_range(int dev, int *least, int *greatest) {
	cudaError_t st = cudaSetDevice(dev);
	if (st != cudaSuccess) return st;
	return cudaDeviceGetStreamPriorityRange(least, greatest);
}

static cudaError_t dc_device_sync(int dev) {
	cudaError_t st = cudaSetDevice(dev);
	if (st != cudaSuccess) return st;
	return cudaDeviceSynchronize();
}

static cudaError_t dc_event_create(int dev, cudaEvent_t *e) {
	cudaError_t st = cudaSetDevice(dev);
	if (st != cudaSuccess) return st;
	return cudaEventCreateWithFlags(e, cudaEventDisableTiming);
}

static cudaError_t dc_malloc(int dev, void **p, size_t size) {
	cudaError_t st = cudaSetDevice(dev);
	if (st != cudaSuccess) return st;
	return cudaMalloc(p, size);
}

static cublasStatus_t dc_blas_create(int dev, cublasHandle_t *h) {
	if (cudaSetDevice(dev) != cudaSuccess) return CUBLAS_STATUS_NOT_INITIALIZED;
	return cublasCreate(h);
}

static cudnnStatus_t dc_dnn_create(int dev, cudnnHandle_t *h) {
	if (cudaSetDevice(dev) != cudaSuccess) return CUDNN_STATUS_NOT_INITIALIZED;
	return cudnnCreate(h);
}
*/
import "C"
import (
	"unsafe"

	"go.uber.org/zap"
)

// CUDADriver implements Driver on the CUDA runtime, cuBLAS and cuDNN.
//
// Async copies read Go memory after the call returns: source slices must
// stay reachable and unmodified until the stream is synchronized.
type CUDADriver struct {
	log       *zap.Logger
	available bool
}

// NewCUDADriver probes the runtime for at least one device.
func NewCUDADriver(log *zap.Logger) *CUDADriver {
	d := &CUDADriver{log: log.Named("cuda-driver")}
	var n C.int
	if st := C.cudaGetDeviceCount(&n); st != C.cudaSuccess || n < 1 {
		d.log.Warn("CUDA device not available", zap.Int("status", int(st)), zap.Int("count", int(n)))
		return d
	}
	d.available = true
	return d
}

func stream(s Stream) C.cudaStream_t { return C.cudaStream_t(unsafe.Pointer(s)) }
func event(e Event) C.cudaEvent_t    { return C.cudaEvent_t(unsafe.Pointer(e)) }

func bytesPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func (d *CUDADriver) Name() string    { return string(KindCUDA) }
func (d *CUDADriver) Available() bool { return d.available }

func (d *CUDADriver) SetDevice(n int) Status {
	return Status(C.cudaSetDevice(C.int(n)))
}

func (d *CUDADriver) GetDevice() (int, Status) {
	var n C.int
	st := C.cudaGetDevice(&n)
	return int(n), Status(st)
}

func (d *CUDADriver) DeviceCount() (int, Status) {
	var n C.int
	st := C.cudaGetDeviceCount(&n)
	return int(n), Status(st)
}

func (d *CUDADriver) DeviceProperties(n int) (DeviceProperties, Status) {
	var prop C.struct_cudaDeviceProp
	st := C.cudaGetDeviceProperties(&prop, C.int(n))
	if st != C.cudaSuccess {
		return DeviceProperties{}, Status(st)
	}
	return DeviceProperties{
		Name:        C.GoString(&prop.name[0]),
		Major:       int(prop.major),
		Minor:       int(prop.minor),
		TotalMemory: uint64(prop.totalGlobalMem),
	}, StatusSuccess
}

func (d *CUDADriver) RuntimeVersion() (int, Status) {
	var v C.int
	st := C.cudaRuntimeGetVersion(&v)
	return int(v), Status(st)
}

func (d *CUDADriver) DriverVersion() (int, Status) {
	var v C.int
	st := C.cudaDriverGetVersion(&v)
	return int(v), Status(st)
}

func (d *CUDADriver) LastError() Status { return Status(C.cudaGetLastError()) }

func (d *CUDADriver) StatusName(st Status) string {
	return C.GoString(C.cudaGetErrorName(C.cudaError_t(st)))
}

func (d *CUDADriver) StatusString(st Status) string {
	return C.GoString(C.cudaGetErrorString(C.cudaError_t(st)))
}

func (d *CUDADriver) StreamPriorityRange(dev int) (int, int, Status) {
	var least, greatest C.int
	st := C.dc_priority_range(C.int(dev), &least, &greatest)
	return int(least), int(greatest), Status(st)
}

func (d *CUDADriver) StreamCreate(dev int, flags StreamFlags, priority int) (Stream, Status) {
	var s C.cudaStream_t
	cflags := C.uint(C.cudaStreamDefault)
	if flags == StreamNonBlocking {
		cflags = C.cudaStreamNonBlocking
	}
	st := C.dc_stream_create(C.int(dev), cflags, C.int(priority), &s)
	return Stream(unsafe.Pointer(s)), Status(st)
}

func (d *CUDADriver) StreamSynchronize(s Stream) Status {
	return Status(C.cudaStreamSynchronize(stream(s)))
}

func (d *CUDADriver) DeviceSynchronize(dev int) Status {
	return Status(C.dc_device_sync(C.int(dev)))
}

func (d *CUDADriver) EventCreate(dev int) (Event, Status) {
	var e C.cudaEvent_t
	st := C.dc_event_create(C.int(dev), &e)
	return Event(unsafe.Pointer(e)), Status(st)
}

func (d *CUDADriver) EventRecord(e Event, s Stream) Status {
	return Status(C.cudaEventRecord(event(e), stream(s)))
}

func (d *CUDADriver) EventQuery(e Event) Status {
	return Status(C.cudaEventQuery(event(e)))
}

func (d *CUDADriver) EventSynchronize(e Event) Status {
	return Status(C.cudaEventSynchronize(event(e)))
}

func (d *CUDADriver) EventDestroy(e Event) Status {
	return Status(C.cudaEventDestroy(event(e)))
}

func (d *CUDADriver) StreamWaitEvent(s Stream, e Event) Status {
	return Status(C.cudaStreamWaitEvent(stream(s), event(e), 0))
}

func (d *CUDADriver) HostAlloc(size int) ([]byte, Status) {
	var p unsafe.Pointer
	st := C.cudaHostAlloc(&p, C.size_t(size), C.cudaHostAllocMapped)
	if st != C.cudaSuccess {
		return nil, Status(st)
	}
	if p == nil {
		return nil, StatusMemoryAllocation
	}
	return unsafe.Slice((*byte)(p), size), StatusSuccess
}

func (d *CUDADriver) FreeHost(buf []byte) Status {
	return Status(C.cudaFreeHost(bytesPtr(buf)))
}

func (d *CUDADriver) MemcpyAsync(dst, src []byte, s Stream) Status {
	if len(src) > len(dst) {
		return StatusInvalidValue
	}
	return Status(C.cudaMemcpyAsync(bytesPtr(dst), bytesPtr(src), C.size_t(len(src)), C.cudaMemcpyDefault, stream(s)))
}

func (d *CUDADriver) Malloc(dev int, size int) (DevicePtr, Status) {
	var p unsafe.Pointer
	st := C.dc_malloc(C.int(dev), &p, C.size_t(size))
	return DevicePtr(p), Status(st)
}

func (d *CUDADriver) Free(p DevicePtr) Status {
	return Status(C.cudaFree(unsafe.Pointer(p)))
}

func (d *CUDADriver) MemcpyHtoDAsync(dst DevicePtr, src []byte, s Stream) Status {
	return Status(C.cudaMemcpyAsync(unsafe.Pointer(dst), bytesPtr(src), C.size_t(len(src)), C.cudaMemcpyHostToDevice, stream(s)))
}

func (d *CUDADriver) MemcpyDtoHAsync(dst []byte, src DevicePtr, s Stream) Status {
	return Status(C.cudaMemcpyAsync(bytesPtr(dst), unsafe.Pointer(src), C.size_t(len(dst)), C.cudaMemcpyDeviceToHost, stream(s)))
}

func (d *CUDADriver) BLASCreate(dev int) (BLASHandle, BLASStatus) {
	var h C.cublasHandle_t
	st := C.dc_blas_create(C.int(dev), &h)
	return BLASHandle(unsafe.Pointer(h)), BLASStatus(st)
}

func (d *CUDADriver) BLASSetStream(h BLASHandle, s Stream) BLASStatus {
	return BLASStatus(C.cublasSetStream(C.cublasHandle_t(unsafe.Pointer(h)), stream(s)))
}

func (d *CUDADriver) BLASStatusName(st BLASStatus) string {
	return C.GoString(C.cublasGetStatusName(C.cublasStatus_t(st)))
}

func (d *CUDADriver) DNNCreate(dev int) (DNNHandle, DNNStatus) {
	var h C.cudnnHandle_t
	st := C.dc_dnn_create(C.int(dev), &h)
	return DNNHandle(unsafe.Pointer(h)), DNNStatus(st)
}

func (d *CUDADriver) DNNSetStream(h DNNHandle, s Stream) DNNStatus {
	return DNNStatus(C.cudnnSetStream(C.cudnnHandle_t(unsafe.Pointer(h)), stream(s)))
}

func (d *CUDADriver) DNNStatusString(st DNNStatus) string {
	return C.GoString(C.cudnnGetErrorString(C.cudnnStatus_t(st)))
}

func (d *CUDADriver) DNNVersion() (int, int, int) {
	var major, minor, patch C.int
	C.cudnnGetProperty(C.MAJOR_VERSION, &major)
	C.cudnnGetProperty(C.MINOR_VERSION, &minor)
	C.cudnnGetProperty(C.PATCH_LEVEL, &patch)
	return int(major), int(minor), int(patch)
}
