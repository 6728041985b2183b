// Package api exposes the calling layer over HTTP.
package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/config"
	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/linalg"
	"github.com/fxnlabs/gpusolver/internal/metrics"
)

// HealthResponse reports the active backend.
type HealthResponse struct {
	Status  string         `json:"status"`
	Backend string         `json:"backend"`
	GPU     bool           `json:"gpu"`
	Device  gpu.DeviceInfo `json:"device"`
	Targets []string       `json:"targets"`
}

// NewMux registers the service endpoints.
func NewMux(cfg *config.Config, manager *gpu.Manager, runner *linalg.Runner, targets []string, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	decompose := DecomposeHandler(runner, manager.GetBackendType(), cfg.Server.MaxRequestBytes, log)
	mux.Handle("/v1/decompose", metrics.Middleware(decompose, "/v1/decompose"))
	mux.Handle("/healthz", metrics.Middleware(healthHandler(manager, targets), "/healthz"))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthHandler(manager *gpu.Manager, targets []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Backend: manager.GetBackendType(),
			GPU:     manager.IsGPUAvailable(),
			Device:  manager.GetDeviceInfo(),
			Targets: targets,
		})
	}
}

// NewServer returns an HTTP server for handler configured from cfg.
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.ListenAddress, cfg.Server.ListenPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}
