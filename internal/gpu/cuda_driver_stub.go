//go:build !cuda
// +build !cuda

package gpu

import "go.uber.org/zap"

// CUDADriver is a stub type when CUDA is not compiled in. Every call reports
// StatusNoDevice.
type CUDADriver struct {
	log *zap.Logger
}

// NewCUDADriver returns a driver that is never available.
func NewCUDADriver(log *zap.Logger) *CUDADriver {
	return &CUDADriver{log: log}
}

func (d *CUDADriver) Name() string    { return string(KindCUDA) }
func (d *CUDADriver) Available() bool { return false }

func (d *CUDADriver) SetDevice(int) Status       { return StatusNoDevice }
func (d *CUDADriver) GetDevice() (int, Status)   { return 0, StatusNoDevice }
func (d *CUDADriver) DeviceCount() (int, Status) { return 0, StatusNoDevice }
func (d *CUDADriver) DeviceProperties(int) (DeviceProperties, Status) {
	return DeviceProperties{}, StatusNoDevice
}
func (d *CUDADriver) RuntimeVersion() (int, Status) { return 0, StatusNoDevice }
func (d *CUDADriver) DriverVersion() (int, Status)  { return 0, StatusNoDevice }
func (d *CUDADriver) LastError() Status             { return StatusSuccess }
func (d *CUDADriver) StatusName(st Status) string   { return defaultStatusName(st) }
func (d *CUDADriver) StatusString(st Status) string { return defaultStatusString(st) }

func (d *CUDADriver) StreamPriorityRange(int) (int, int, Status)          { return 0, 0, StatusNoDevice }
func (d *CUDADriver) StreamCreate(int, StreamFlags, int) (Stream, Status) { return 0, StatusNoDevice }
func (d *CUDADriver) StreamSynchronize(Stream) Status                     { return StatusNoDevice }
func (d *CUDADriver) DeviceSynchronize(int) Status                        { return StatusNoDevice }
func (d *CUDADriver) EventCreate(int) (Event, Status)                     { return 0, StatusNoDevice }
func (d *CUDADriver) EventRecord(Event, Stream) Status                    { return StatusNoDevice }
func (d *CUDADriver) EventQuery(Event) Status                             { return StatusNoDevice }
func (d *CUDADriver) EventSynchronize(Event) Status                       { return StatusNoDevice }
func (d *CUDADriver) EventDestroy(Event) Status                           { return StatusNoDevice }
func (d *CUDADriver) StreamWaitEvent(Stream, Event) Status                { return StatusNoDevice }
func (d *CUDADriver) HostAlloc(int) ([]byte, Status)                      { return nil, StatusNoDevice }
func (d *CUDADriver) FreeHost([]byte) Status                              { return StatusNoDevice }
func (d *CUDADriver) MemcpyAsync([]byte, []byte, Stream) Status           { return StatusNoDevice }
func (d *CUDADriver) Malloc(int, int) (DevicePtr, Status)                 { return 0, StatusNoDevice }
func (d *CUDADriver) Free(DevicePtr) Status                               { return StatusNoDevice }
func (d *CUDADriver) MemcpyHtoDAsync(DevicePtr, []byte, Stream) Status    { return StatusNoDevice }
func (d *CUDADriver) MemcpyDtoHAsync([]byte, DevicePtr, Stream) Status    { return StatusNoDevice }
func (d *CUDADriver) BLASCreate(int) (BLASHandle, BLASStatus)             { return 0, BLASStatusNotInitialized }
func (d *CUDADriver) BLASSetStream(BLASHandle, Stream) BLASStatus         { return BLASStatusNotInitialized }
func (d *CUDADriver) BLASStatusName(st BLASStatus) string                 { return defaultBLASStatusName(st) }
func (d *CUDADriver) DNNCreate(int) (DNNHandle, DNNStatus)                { return 0, DNNStatusNotInitialized }
func (d *CUDADriver) DNNSetStream(DNNHandle, Stream) DNNStatus            { return DNNStatusNotInitialized }
func (d *CUDADriver) DNNStatusString(st DNNStatus) string                 { return defaultDNNStatusString(st) }
func (d *CUDADriver) DNNVersion() (int, int, int)                         { return 0, 0, 0 }
