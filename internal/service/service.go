// Package service assembles the decomposition service with fx.
package service

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/api"
	"github.com/fxnlabs/gpusolver/internal/config"
	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/handlepool"
	"github.com/fxnlabs/gpusolver/internal/linalg"
	"github.com/fxnlabs/gpusolver/internal/solver"
)

// Options wires config through backend, pool, solver and runner up to the
// HTTP server. The server listens when the app starts.
func Options(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			NewManager,
			NewPool,
			NewSolver,
			NewRunner,
			NewHandler,
			NewHTTPServer,
		),
		fx.Invoke(func(*HTTPServer) {}),
	)
}

// NewManager selects the backend and cleans it up when the app stops.
func NewManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	manager, err := gpu.NewManager(log, cfg.Backend.Kind)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return manager.Cleanup()
		},
	})
	return manager, nil
}

// NewPool returns the handle pool and prewarms it when the app starts.
func NewPool(lc fx.Lifecycle, cfg *config.Config, manager *gpu.Manager, log *zap.Logger) *handlepool.Pool {
	pool := handlepool.New(manager.GetBackend(), log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return pool.Prewarm(cfg.Pool.Prewarm)
		},
	})
	return pool
}

func NewSolver(manager *gpu.Manager, pool *handlepool.Pool, log *zap.Logger) *solver.Solver {
	return solver.New(manager.GetBackend(), pool, log)
}

func NewRunner(cfg *config.Config, s *solver.Solver, log *zap.Logger) *linalg.Runner {
	return linalg.NewRunner(s, linalg.Limits{
		SyevjMaxBatchedDim: cfg.Solver.SyevjMaxBatchedDim,
		MaxBatch:           cfg.Solver.MaxBatch,
		MaxDim:             cfg.Solver.MaxDim,
	}, log)
}

func NewHandler(cfg *config.Config, manager *gpu.Manager, runner *linalg.Runner, s *solver.Solver, log *zap.Logger) http.Handler {
	return api.NewMux(cfg, manager, runner, s.Targets(), log.Named("api"))
}

// HTTPServer is the service's listening HTTP server.
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
}

// Addr returns the bound address, or "" before the app starts.
func (s *HTTPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// NewHTTPServer serves handler from app start until app stop.
func NewHTTPServer(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, log *zap.Logger) *HTTPServer {
	s := &HTTPServer{server: api.NewServer(cfg, handler)}
	log = log.Named("http")
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", s.server.Addr)
			if err != nil {
				return errors.Wrapf(err, "failed to listen on %s", s.server.Addr)
			}
			s.listener = ln
			log.Info("Starting server on", zap.String("address", ln.Addr().String()))
			go func() {
				if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.server.Shutdown(ctx)
		},
	})
	return s
}
