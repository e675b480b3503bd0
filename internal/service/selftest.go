package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fxnlabs/devcore/internal/gpu"
	"github.com/fxnlabs/devcore/internal/metrics"
	"github.com/fxnlabs/devcore/internal/pinned"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// SelfTestOptions sizes a self test run.
type SelfTestOptions struct {
	// Workers allocate pinned buffers concurrently.
	Workers int
	// Streams is the number of logical streams exercised.
	Streams int
	// Size is the matrix dimension of the round-trip check.
	Size int
}

// DefaultSelfTestOptions is what devcore selftest runs without flags.
func DefaultSelfTestOptions() SelfTestOptions {
	return SelfTestOptions{Workers: 8, Streams: 4, Size: 32}
}

// SelfTestReport summarizes a self test run.
type SelfTestReport struct {
	Driver      string        `json:"driver"`
	Device      int           `json:"device"`
	Allocations int           `json:"allocations"`
	Streams     int           `json:"streams"`
	WaitMarkers int           `json:"waitMarkers"`
	MaxError    float64       `json:"maxError"`
	Pool        pinned.Stats  `json:"pool"`
	Duration    time.Duration `json:"duration"`
}

// SelfTest exercises the pinned pool, logical streams, wait markers and
// device transfers on the configured device. It multiplies two matrices
// that made a round trip through pinned and device memory and compares the
// product with one computed before the round trip.
func (r *Runtime) SelfTest(ctx context.Context, opts SelfTestOptions) (SelfTestReport, error) {
	start := time.Now()
	dev := r.Device()
	report := SelfTestReport{Driver: r.Driver.Name(), Device: dev.Index()}

	if opts.Streams < 1 || opts.Streams > gpu.MaxLogicalStreams {
		return report, fmt.Errorf("streams must be in [1, %d], got %d", gpu.MaxLogicalStreams, opts.Streams)
	}
	if opts.Workers < 0 || opts.Size < 1 {
		return report, fmt.Errorf("invalid self test size: workers=%d size=%d", opts.Workers, opts.Size)
	}

	// Concurrent pooled allocations.
	g, gctx := errgroup.WithContext(ctx)
	buffers := make([]pinned.Buffer, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src := make([]float32, opts.Size)
			for k := range src {
				src[k] = float32(i*opts.Size + k)
			}
			buffers[i] = r.Pool.Allocate(src, len(src))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	report.Allocations = len(buffers)
	defer func() {
		for _, buf := range buffers {
			r.Pool.Release(buf)
		}
	}()

	// Queue the copies on every logical stream and make the device stream
	// wait for all of them.
	n := opts.Size * opts.Size
	a := patternMatrix(opts.Size, 1)
	b := patternMatrix(opts.Size, 2)
	pa := r.Pool.Allocate(toFloat32(a.RawMatrix().Data), n)
	pb := r.Pool.Allocate(toFloat32(b.RawMatrix().Data), n)
	defer r.Pool.Release(pa)
	defer r.Pool.Release(pb)
	dev.Synchronize()

	da := dev.MakeArray(nil, n)
	db := dev.MakeArray(nil, n)
	defer dev.FreeArray(da)
	defer dev.FreeArray(db)

	for id := 0; id < opts.Streams; id++ {
		dev.SwitchTo(id)
		dev.Push(da, pa.Float32s())
		dev.Push(db, pb.Float32s())
	}
	dev.ResetStream()
	for id := 0; id < opts.Streams; id++ {
		dev.InsertWait(id)
		report.WaitMarkers++
	}
	report.Streams = opts.Streams

	ga := make([]float32, n)
	gb := make([]float32, n)
	dev.Pull(ga, da)
	dev.Pull(gb, db)
	r.Registry.ResetWaitMarkers()

	var want, got mat.Dense
	want.Mul(a, b)
	got.Mul(mat.NewDense(opts.Size, opts.Size, toFloat64(ga)), mat.NewDense(opts.Size, opts.Size, toFloat64(gb)))

	var diff mat.Dense
	diff.Sub(&want, &got)
	diff.Apply(func(_, _ int, v float64) float64 { return math.Abs(v) }, &diff)
	report.MaxError = mat.Max(&diff)
	report.Pool = r.Pool.Stats()
	report.Duration = time.Since(start)
	metrics.SelfTestDuration.Observe(report.Duration.Seconds())

	r.log.Info("self test finished",
		zap.String("driver", report.Driver),
		zap.Int("device", report.Device),
		zap.Int("allocations", report.Allocations),
		zap.Int("streams", report.Streams),
		zap.Float64("max_error", report.MaxError),
		zap.Duration("duration", report.Duration))

	if !mat.EqualApprox(&want, &got, 1e-3) {
		return report, fmt.Errorf("device round trip changed the product, max error %g", report.MaxError)
	}
	return report, nil
}

func patternMatrix(size int, seed int) *mat.Dense {
	data := make([]float64, size*size)
	for i := range data {
		// float32-exact values keep the comparison tolerance tight.
		data[i] = float64((i*7+seed*13)%17) / 4
	}
	return mat.NewDense(size, size, data)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
