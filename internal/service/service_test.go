package service

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/api"
	"github.com/fxnlabs/gpusolver/internal/config"
	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/handlepool"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backend.Kind = gpu.KindHost
	cfg.Pool.Prewarm = 3
	cfg.Server.ListenAddress = "127.0.0.1"
	cfg.Server.ListenPort = 0
	return cfg
}

func TestService_Lifecycle(t *testing.T) {
	var (
		server  *HTTPServer
		pool    *handlepool.Pool
		manager *gpu.Manager
	)
	app := fxtest.New(t,
		Options(testConfig(), zap.NewNop()),
		fx.Populate(&server, &pool, &manager),
	)

	assert.Empty(t, server.Addr())
	app.RequireStart()
	assert.Equal(t, 3, pool.Idle())
	assert.Equal(t, "host", manager.GetBackendType())
	require.NotEmpty(t, server.Addr())

	body := `{"op":"eigh","dtype":"float64","matrices":[{"real":[[2,1],[1,2]]}]}`
	resp, err := http.Post("http://"+server.Addr()+"/v1/decompose", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.DecomposeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.InDeltaSlice(t, []float64{1, 3}, out.Values[0], 1e-12)

	app.RequireStop()
	assert.Equal(t, "none", manager.GetBackendType())
}

func TestService_BadBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Kind = "opencl"
	app := fx.New(Options(cfg, zap.NewNop()))
	assert.Error(t, app.Err())
}
