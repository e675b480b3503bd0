package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/fxnlabs/devcore/internal/config"
	"github.com/fxnlabs/devcore/internal/gpu"
	"github.com/fxnlabs/devcore/internal/metrics"
	"github.com/fxnlabs/devcore/internal/pinned"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Module provides the Runtime and the metrics server. It expects a
// *config.Config and a *zap.Logger in the graph.
var Module = fx.Options(
	fx.Provide(
		NewLifecycleRuntime,
		NewServer,
	),
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log.Named("fx")}
	}),
)

// NewLifecycleRuntime builds a Runtime that is closed when the app stops.
func NewLifecycleRuntime(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	rt, err := New(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return rt.Close()
		},
	})
	return rt, nil
}

// Server exposes Prometheus metrics and a JSON device summary.
type Server struct {
	srv  *http.Server
	rt   *Runtime
	log  *zap.Logger
	addr net.Addr
}

// Status is the body of GET /devices.
type Status struct {
	Versions gpu.VersionInfo  `json:"versions"`
	Devices  []gpu.DeviceInfo `json:"devices"`
	Current  int              `json:"current"`
	Pool     pinned.Stats     `json:"pool"`
	Markers  int              `json:"waitMarkers"`
}

// NewServer creates the metrics server and ties it to the app lifecycle.
func NewServer(lc fx.Lifecycle, cfg *config.Config, rt *Runtime, log *zap.Logger) *Server {
	s := &Server{rt: rt, log: log.Named("server")}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/devices", metrics.Middleware(http.HandlerFunc(s.handleDevices), "/devices", http.MethodGet))
	mux.Handle("/healthz", metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), "/healthz", http.MethodGet, http.MethodHead))
	s.srv = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", s.srv.Addr)
			if err != nil {
				return err
			}
			s.addr = ln.Addr()
			s.log.Info("Starting metrics server", zap.String("address", s.addr.String()))
			go func() {
				if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Metrics.ShutdownTimeout)
			defer cancel()
			err := s.srv.Shutdown(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				err = multierr.Append(err, s.srv.Close())
			}
			return err
		},
	})
	return s
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() net.Addr { return s.addr }

// Status collects the device summary served on /devices.
func (s *Server) Status() Status {
	reg := s.rt.Registry
	st := Status{
		Versions: reg.Versions(),
		Current:  reg.CurrentDevice(),
		Pool:     s.rt.Pool.Stats(),
		Markers:  reg.WaitLog().Outstanding(),
	}
	for i := 0; i < reg.DeviceCount(); i++ {
		st.Devices = append(st.Devices, reg.DeviceInfo(i))
	}
	return st
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.log.Error("failed to encode device status", zap.Error(err))
	}
}
