package gpu

import (
	"github.com/fxnlabs/devcore/internal/metrics"
	"go.uber.org/zap"
)

func (r *Registry) logicalSlot(id int) *logicalSlot {
	if id < 0 || id >= MaxLogicalStreams {
		r.check.Fatalf("logical stream id %d out of range [0, %d)", id, MaxLogicalStreams)
	}
	return &r.logical[id]
}

// SwitchStream binds logical stream id as the active stream of dev and
// returns it. The logical stream is created on first use and reused
// afterwards. There is no automatic switch back; see ResetStream.
func (r *Registry) SwitchStream(dev, id int) Stream {
	slot := r.slot(dev)
	ls := r.logicalSlot(id)
	s := ls.stream.get(func() Stream {
		ls.device = dev
		s, st := r.driver.StreamCreate(dev, StreamNonBlocking, 0)
		r.check.CUDAExtended(st)
		metrics.StreamsCreated.WithLabelValues(ownerLogical).Inc()
		r.traced("create logical stream", zap.Int("id", id), zap.Int("device", dev))
		return s
	})
	if ls.device != dev {
		r.log.Debug("logical stream bound to a device other than its creator",
			zap.Int("id", id), zap.Int("creator", ls.device), zap.Int("device", dev))
	}
	slot.active.Store(ls)
	metrics.StreamSwitches.Inc()
	return s
}

// ResetStream rebinds the device's own stream as its active stream.
func (r *Registry) ResetStream(dev int) {
	r.slot(dev).active.Store(nil)
}

// ActiveLogical returns the logical stream bound to dev, if any.
func (r *Registry) ActiveLogical(dev int) (int, bool) {
	if ls := r.slot(dev).active.Load(); ls != nil {
		return ls.id, true
	}
	return 0, false
}

// LogicalStream returns logical stream id without binding it, and whether
// it was created yet.
func (r *Registry) LogicalStream(id int) (Stream, bool) {
	return r.logicalSlot(id).stream.load()
}

// WaitStream makes the active stream of dev wait for everything enqueued
// on logical stream id so far. Work enqueued on dev after this call starts
// only once that work completed. Other streams are unaffected.
func (r *Registry) WaitStream(dev, id int) Generation {
	ls := r.logicalSlot(id)
	src, ok := ls.stream.load()
	if !ok {
		r.check.Fatalf("wait on logical stream %d before it was created", id)
	}
	return r.waits.Insert(dev, r.Stream(dev), src)
}

// ResetWaitMarkers destroys every outstanding wait marker. The caller must
// know that no stream still depends on one.
func (r *Registry) ResetWaitMarkers() {
	r.waits.Reset()
}

func (r *Registry) logicalBLAS(ls *logicalSlot) BLASHandle {
	return ls.blas.get(func() BLASHandle {
		s, _ := ls.stream.load()
		return r.createBLAS(ls.device, s, ownerLogical)
	})
}

func (r *Registry) logicalDNN(ls *logicalSlot) DNNHandle {
	return ls.dnn.get(func() DNNHandle {
		s, _ := ls.stream.load()
		return r.createDNN(ls.device, s, ownerLogical)
	})
}
