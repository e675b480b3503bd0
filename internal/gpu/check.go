package gpu

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/fxnlabs/devcore/internal/metrics"
	"go.uber.org/zap"
)

// Error domains as they appear in diagnostics and metrics.
const (
	DomainCUDA     = "cuda"
	DomainBLAS     = "blas"
	DomainDNN      = "dnn"
	DomainInternal = "internal"
)

// CallSite identifies the code that observed a failing status.
type CallSite struct {
	File     string
	Function string
	Line     int
}

func (c CallSite) fields() []zap.Field {
	return []zap.Field{
		zap.String("file", c.File),
		zap.String("function", c.Function),
		zap.Int("line", c.Line),
	}
}

// callerOf returns the call site skip frames above its own caller.
func callerOf(skip int) CallSite {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return CallSite{File: "unknown", Function: "unknown"}
	}
	fn := "unknown"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
		if i := strings.LastIndex(fn, "/"); i >= 0 {
			fn = fn[i+1:]
		}
	}
	return CallSite{File: filepath.Base(file), Function: fn, Line: line}
}

// Checker normalizes the runtime, BLAS and DNN status domains into one
// reporting path. Runtime and DNN failures are fatal. BLAS failures are
// returned to the caller unless the extended check runs with debug sync on.
//
// Fatal means logger.Fatal: zap writes and syncs the entry, then runs the
// logger's fatal hook (os.Exit by default).
type Checker struct {
	log       *zap.Logger
	driver    Driver
	debugSync atomic.Bool
}

// NewChecker creates a checker reporting through log.
func NewChecker(driver Driver, log *zap.Logger, debugSync bool) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Checker{
		log:    log.Named("check"),
		driver: driver,
	}
	c.debugSync.Store(debugSync)
	return c
}

// SetDebugSync toggles forced device synchronization on extended checks.
func (c *Checker) SetDebugSync(on bool) {
	c.debugSync.Store(on)
}

// DebugSync reports whether extended checks synchronize the device.
func (c *Checker) DebugSync() bool {
	return c.debugSync.Load()
}

// CUDA escalates a failing runtime status.
func (c *Checker) CUDA(st Status) {
	if st == StatusSuccess {
		return
	}
	c.cudaFatal(st, callerOf(1))
}

// CUDAExtended logs the call site before anything else and, with debug sync
// on, synchronizes the device so the diagnostic reflects its real state.
func (c *Checker) CUDAExtended(st Status) {
	site := callerOf(1)
	if st != StatusSuccess {
		c.log.Error("CUDA status error", site.fields()...)
		if c.DebugSync() {
			c.syncAll(site)
		}
		c.cudaFatal(st, site)
	}
	if c.DebugSync() {
		if sync := c.syncAll(site); sync != StatusSuccess {
			c.cudaFatal(sync, site)
		}
	}
}

// DNN escalates a failing DNN status.
func (c *Checker) DNN(st DNNStatus) {
	if st == DNNStatusSuccess {
		return
	}
	c.dnnFatal(st, callerOf(1))
}

// DNNExtended is the DNN counterpart of CUDAExtended.
func (c *Checker) DNNExtended(st DNNStatus) {
	site := callerOf(1)
	if st != DNNStatusSuccess {
		c.log.Error("cuDNN status error", site.fields()...)
		if c.DebugSync() {
			c.syncAll(site)
		}
		c.dnnFatal(st, site)
	}
	if c.DebugSync() {
		if sync := c.syncAll(site); sync != StatusSuccess {
			c.cudaFatal(sync, site)
		}
	}
}

// BLAS reports a failing BLAS status and hands control back to the caller.
func (c *Checker) BLAS(st BLASStatus) error {
	if st == BLASStatusSuccess {
		return nil
	}
	return c.blasSoft(st, callerOf(1))
}

// BLASExtended logs the call site of a failing BLAS status. With debug sync
// on the failure is fatal, otherwise it is reported like BLAS.
func (c *Checker) BLASExtended(st BLASStatus) error {
	site := callerOf(1)
	if st == BLASStatusSuccess {
		return nil
	}
	c.log.Error("cuBLAS status error", site.fields()...)
	if !c.DebugSync() {
		return c.blasSoft(st, site)
	}
	c.syncAll(site)
	metrics.FatalErrors.WithLabelValues(DomainBLAS).Inc()
	c.log.Fatal(fmt.Sprintf("cuBLAS error: status=%d %s", int(st), c.driver.BLASStatusName(st)),
		append(site.fields(),
			zap.String("domain", DomainBLAS),
			zap.Int("status", int(st)),
			zap.String("name", c.driver.BLASStatusName(st)))...)
	return nil
}

// Fatalf escalates a condition that has no native status behind it.
func (c *Checker) Fatalf(format string, args ...any) {
	c.fatal(callerOf(1), format, args...)
}

func (c *Checker) fatal(site CallSite, format string, args ...any) {
	metrics.FatalErrors.WithLabelValues(DomainInternal).Inc()
	c.log.Fatal(fmt.Sprintf(format, args...), append(site.fields(), zap.String("domain", DomainInternal))...)
}

func (c *Checker) cudaFatal(st Status, site CallSite) {
	fields := append(site.fields(),
		zap.String("domain", DomainCUDA),
		zap.Int("status", int(st)),
		zap.String("name", c.driver.StatusName(st)),
		zap.String("description", c.driver.StatusString(st)),
	)
	if last := c.driver.LastError(); last != StatusSuccess && last != st {
		fields = append(fields,
			zap.Int("last_status", int(last)),
			zap.String("last_name", c.driver.StatusName(last)))
	}
	metrics.FatalErrors.WithLabelValues(DomainCUDA).Inc()
	c.log.Fatal(fmt.Sprintf("current CUDA error: status=%d %s: %s", int(st), c.driver.StatusName(st), c.driver.StatusString(st)), fields...)
}

func (c *Checker) dnnFatal(st DNNStatus, site CallSite) {
	metrics.FatalErrors.WithLabelValues(DomainDNN).Inc()
	c.log.Fatal(fmt.Sprintf("cuDNN current error: status=%d, %s", int(st), c.driver.DNNStatusString(st)),
		append(site.fields(),
			zap.String("domain", DomainDNN),
			zap.Int("status", int(st)),
			zap.String("description", c.driver.DNNStatusString(st)))...)
}

func (c *Checker) blasSoft(st BLASStatus, site CallSite) error {
	metrics.BLASErrors.Inc()
	err := &StatusError{
		Domain:   DomainBLAS,
		Code:     int(st),
		Name:     c.driver.BLASStatusName(st),
		File:     site.File,
		Function: site.Function,
		Line:     site.Line,
	}
	c.log.Error("cuBLAS error", zap.Error(err))
	return err
}

// syncAll synchronizes the current device and logs a failing synchronize.
func (c *Checker) syncAll(site CallSite) Status {
	dev, st := c.driver.GetDevice()
	if st != StatusSuccess {
		dev = 0
	}
	st = c.driver.DeviceSynchronize(dev)
	if st != StatusSuccess {
		c.log.Error("cudaDeviceSynchronize() error", append(site.fields(), zap.Int("status", int(st)))...)
	}
	return st
}
