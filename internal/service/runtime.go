// Package service assembles the device layer for the command line: driver
// selection, the resource registry and the pinned pool, plus the metrics
// server that exposes them.
package service

import (
	"fmt"

	"github.com/fxnlabs/devcore/internal/config"
	"github.com/fxnlabs/devcore/internal/gpu"
	"github.com/fxnlabs/devcore/internal/pinned"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Runtime owns the process-wide device resources built from a Config.
type Runtime struct {
	Config   *config.Config
	Driver   gpu.Driver
	Checker  *gpu.Checker
	Registry *gpu.Registry
	Pool     *pinned.Pool

	log *zap.Logger
}

// Option configures New.
type Option func(*options)

type options struct {
	driver gpu.Driver
}

// WithDriver uses d instead of building a driver from the configuration.
func WithDriver(d gpu.Driver) Option {
	return func(o *options) {
		o.driver = d
	}
}

// New selects a driver, makes the configured device current and reserves
// the configured amount of pinned memory.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	driver := o.driver
	if driver == nil {
		kind, err := gpu.ParseKind(cfg.Driver.Kind)
		if err != nil {
			return nil, err
		}
		driver, err = gpu.NewDriver(kind, log, gpu.WithHostDevices(cfg.Driver.HostDevices))
		if err != nil {
			return nil, fmt.Errorf("failed to create driver: %w", err)
		}
	}

	count, st := driver.DeviceCount()
	if st != gpu.StatusSuccess {
		return nil, fmt.Errorf("failed to count devices: %s", driver.StatusName(st))
	}
	if cfg.Device.Index >= count {
		return nil, fmt.Errorf("device %d not available, %s driver has %d devices", cfg.Device.Index, driver.Name(), count)
	}

	check := gpu.NewChecker(driver, log, cfg.Device.DebugSync)
	registry := gpu.NewRegistry(driver, check, log, gpu.WithTrace(cfg.Device.Trace))
	registry.SelectDevice(cfg.Device.Index)

	pool, err := pinned.New(driver, check, registry.CurrentStream, log, pinned.WithBlockSize(cfg.Pinned.BlockSize))
	if err != nil {
		return nil, err
	}
	if cfg.Pinned.Reserve > 0 {
		pool.Reserve(cfg.Pinned.Reserve)
	}

	log.Info("device runtime ready",
		zap.String("driver", driver.Name()),
		zap.Int("device", cfg.Device.Index),
		zap.Int("devices", count),
		zap.Bool("debug_sync", cfg.Device.DebugSync))

	return &Runtime{
		Config:   cfg,
		Driver:   driver,
		Checker:  check,
		Registry: registry,
		Pool:     pool,
		log:      log.Named("runtime"),
	}, nil
}

// Device returns a context bound to the configured device.
func (r *Runtime) Device() *gpu.Device {
	return r.Registry.Device(r.Config.Device.Index)
}

// Close waits for the configured device, drops every wait marker and
// unpins the pool blocks. Standalone buffers still held are reported as an
// error since nothing else will free them.
func (r *Runtime) Close() error {
	var err error
	dev := r.Config.Device.Index
	if st := r.Driver.DeviceSynchronize(dev); st != gpu.StatusSuccess {
		err = multierr.Append(err, fmt.Errorf("device %d synchronize: %s", dev, r.Driver.StatusName(st)))
	}
	r.Registry.ResetWaitMarkers()
	r.Pool.ReleaseAll()

	if n := r.Pool.Stats().StandaloneCount; n > 0 {
		err = multierr.Append(err, fmt.Errorf("%d standalone pinned buffers still held", n))
	}
	if err != nil {
		r.log.Warn("device runtime closed with errors", zap.Error(err))
		return err
	}
	r.log.Info("device runtime closed")
	return nil
}
