package gpu

import (
	"fmt"

	"go.uber.org/zap"
)

// NewDriver creates the driver selected by kind. KindAuto prefers CUDA and
// falls back to host emulation; hostOpts apply only to the host driver.
func NewDriver(kind Kind, log *zap.Logger, hostOpts ...HostOption) (Driver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch kind {
	case KindHost:
		log.Info("Using host emulation driver")
		return NewHostDriver(log, hostOpts...), nil
	case KindCUDA:
		d := NewCUDADriver(log)
		if !d.Available() {
			return nil, fmt.Errorf("CUDA driver not available")
		}
		log.Info("Using CUDA driver")
		return d, nil
	case KindAuto, "":
		return newAutoDriver(log, hostOpts...), nil
	default:
		return nil, fmt.Errorf("unknown driver kind %q", kind)
	}
}
