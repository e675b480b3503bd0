//go:build !cuda
// +build !cuda

package gpu

import "go.uber.org/zap"

// newAutoDriver always returns the host emulation driver when compiled
// without CUDA support.
func newAutoDriver(log *zap.Logger, hostOpts ...HostOption) Driver {
	log.Info("Using host emulation driver (compiled without GPU support)")
	return NewHostDriver(log, hostOpts...)
}
