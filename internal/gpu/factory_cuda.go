//go:build cuda
// +build cuda

package gpu

import "go.uber.org/zap"

// newAutoDriver tries CUDA first, then falls back to host emulation.
func newAutoDriver(log *zap.Logger, hostOpts ...HostOption) Driver {
	cudaDriver := NewCUDADriver(log)
	if cudaDriver.Available() {
		log.Info("Using CUDA driver")
		return cudaDriver
	}

	log.Info("Using host emulation driver (no CUDA device available)")
	return NewHostDriver(log, hostOpts...)
}
