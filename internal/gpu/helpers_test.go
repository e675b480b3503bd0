package gpu

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// newObservedLogger returns a logger whose Fatal panics instead of exiting.
func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core, zap.WithFatalHook(zapcore.WriteThenPanic)), logs
}

type fixture struct {
	driver   *HostDriver
	check    *Checker
	registry *Registry
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T, devices int, opts ...Option) *fixture {
	t.Helper()
	log, logs := newObservedLogger()
	driver := NewHostDriver(log, WithHostDevices(devices))
	check := NewChecker(driver, log, false)
	return &fixture{
		driver:   driver,
		check:    check,
		registry: NewRegistry(driver, check, log, opts...),
		logs:     logs,
	}
}

func (f *fixture) fatals() []observer.LoggedEntry {
	return f.logs.FilterLevelExact(zapcore.FatalLevel).All()
}
