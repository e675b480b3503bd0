package gpu

import "unsafe"

// Device is a context bound to one device index. Unlike the registry's
// current device it cannot be changed by another goroutine.
type Device struct {
	r     *Registry
	index int
}

func (d *Device) Index() int             { return d.index }
func (d *Device) Stream() Stream         { return d.r.Stream(d.index) }
func (d *Device) BLAS() BLASHandle       { return d.r.BLAS(d.index) }
func (d *Device) DNN() DNNHandle         { return d.r.DNN(d.index) }
func (d *Device) SwitchTo(id int) Stream { return d.r.SwitchStream(d.index, id) }
func (d *Device) ResetStream()           { d.r.ResetStream(d.index) }
func (d *Device) Synchronize()           { d.r.Synchronize(d.index) }

// InsertWait makes this device's active stream wait for logical stream id.
func (d *Device) InsertWait(id int) Generation {
	return d.r.WaitStream(d.index, id)
}

func float32Bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}

// MakeArray allocates n floats of device memory and, when src is not nil,
// copies src into it on the active stream.
func (d *Device) MakeArray(src []float32, n int) DevicePtr {
	size := n * 4
	p, st := d.r.driver.Malloc(d.index, size)
	if st != StatusSuccess || p == 0 {
		d.r.log.Error("CUDA memory allocation failed, try to set subdivisions=... higher in the network config")
		if st == StatusSuccess {
			st = StatusMemoryAllocation
		}
		d.r.check.CUDAExtended(st)
	}
	if src != nil {
		d.Push(p, src)
	}
	return p
}

// FreeArray releases device memory from MakeArray.
func (d *Device) FreeArray(p DevicePtr) {
	d.r.check.CUDAExtended(d.r.driver.Free(p))
}

// Push copies src to device memory asynchronously on the active stream.
// src must not change until the stream is synchronized.
func (d *Device) Push(dst DevicePtr, src []float32) {
	d.r.check.CUDAExtended(d.r.driver.MemcpyHtoDAsync(dst, float32Bytes(src), d.Stream()))
}

// Pull copies device memory into dst and waits for the copy, so dst holds
// the completed data when Pull returns.
func (d *Device) Pull(dst []float32, src DevicePtr) {
	s := d.Stream()
	d.r.check.CUDAExtended(d.r.driver.MemcpyDtoHAsync(float32Bytes(dst), src, s))
	d.r.check.CUDAExtended(d.r.driver.StreamSynchronize(s))
}

// PullAsync is Pull without the wait.
func (d *Device) PullAsync(dst []float32, src DevicePtr) {
	d.r.check.CUDAExtended(d.r.driver.MemcpyDtoHAsync(float32Bytes(dst), src, d.Stream()))
}
