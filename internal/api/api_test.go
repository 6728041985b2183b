package api

import (
	"bytes"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/config"
	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/handlepool"
	"github.com/fxnlabs/gpusolver/internal/linalg"
	"github.com/fxnlabs/gpusolver/internal/solver"
)

func newTestMux(t *testing.T) http.Handler {
	t.Helper()
	manager, err := gpu.NewManager(zap.NewNop(), gpu.KindHost)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Cleanup() })

	backend := manager.GetBackend()
	s := solver.New(backend, handlepool.New(backend, zap.NewNop()), zap.NewNop())
	cfg := config.Default()
	runner := linalg.NewRunner(s, linalg.Limits{SyevjMaxBatchedDim: cfg.Solver.SyevjMaxBatchedDim}, zap.NewNop())
	return NewMux(cfg, manager, runner, s.Targets(), zap.NewNop())
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/decompose", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) DecomposeResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp DecomposeResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestDecompose_LU(t *testing.T) {
	h := newTestMux(t)
	resp := decode(t, post(t, h, `{"op":"lu","dtype":"float64","matrices":[{"real":[[4,3],[6,3]]}]}`))

	assert.Equal(t, "lu", resp.Op)
	assert.Equal(t, "float64", resp.Dtype)
	assert.Equal(t, "host", resp.Backend)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, []int32{0}, resp.Info)
	assert.Equal(t, [][]int32{{2, 2}}, resp.Pivots)
	require.Len(t, resp.LU, 1)
	assert.InDeltaSlice(t, []float64{6, 3}, resp.LU[0].Real[0], 1e-12)
	assert.InDeltaSlice(t, []float64{2.0 / 3, 1}, resp.LU[0].Real[1], 1e-12)
	assert.Nil(t, resp.LU[0].Imag)
}

func TestDecompose_Eigh(t *testing.T) {
	h := newTestMux(t)
	for _, method := range []string{"qr", "jacobi"} {
		t.Run(method, func(t *testing.T) {
			body := `{"op":"eigh","dtype":"complex128","method":"` + method + `",` +
				`"matrices":[{"real":[[2,1],[1,2]],"imag":[[0,0],[0,0]]},{"real":[[2,1],[1,2]]}]}`
			resp := decode(t, post(t, h, body))
			assert.Equal(t, []int32{0, 0}, resp.Info)
			require.Len(t, resp.Values, 2)
			for _, values := range resp.Values {
				assert.InDeltaSlice(t, []float64{1, 3}, values, 1e-10)
			}
			require.Len(t, resp.Vectors, 2)
			assert.Len(t, resp.Vectors[0].Imag, 2)
		})
	}
}

func TestDecompose_SVD(t *testing.T) {
	h := newTestMux(t)

	resp := decode(t, post(t, h, `{"op":"svd","dtype":"float32","matrices":[{"real":[[3,0],[4,5],[0,0]]}]}`))
	require.Len(t, resp.S, 1)
	assert.InDelta(t, math.Sqrt(45), resp.S[0][0], 1e-5)
	assert.InDelta(t, math.Sqrt(5), resp.S[0][1], 1e-5)
	require.Len(t, resp.U, 1)
	assert.Len(t, resp.U[0].Real, 3)
	assert.Len(t, resp.U[0].Real[0], 2)
	require.Len(t, resp.VT, 1)
	assert.Len(t, resp.VT[0].Real, 2)

	resp = decode(t, post(t, h, `{"op":"svd","dtype":"float64","computeUV":false,"matrices":[{"real":[[2,0],[0,1]]}]}`))
	assert.InDeltaSlice(t, []float64{2, 1}, resp.S[0], 1e-12)
	assert.Empty(t, resp.U)
	assert.Empty(t, resp.VT)
}

func TestDecompose_Errors(t *testing.T) {
	h := newTestMux(t)

	testCases := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed body", `{"op":`, http.StatusBadRequest},
		{"unknown op", `{"op":"qr","dtype":"float64","matrices":[{"real":[[1]]}]}`, http.StatusBadRequest},
		{"unsupported dtype", `{"op":"lu","dtype":"int32","matrices":[{"real":[[1]]}]}`, http.StatusBadRequest},
		{"unknown dtype", `{"op":"lu","dtype":"quaternion","matrices":[{"real":[[1]]}]}`, http.StatusBadRequest},
		{"ragged", `{"op":"lu","dtype":"float64","matrices":[{"real":[[1,2],[3]]}]}`, http.StatusBadRequest},
		{"non-square eigh", `{"op":"eigh","dtype":"float64","matrices":[{"real":[[1,2]]}]}`, http.StatusBadRequest},
		{"no matrices", `{"op":"lu","dtype":"float64","matrices":[]}`, http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := post(t, h, tc.body)
			assert.Equal(t, tc.status, rr.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/decompose", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestMux(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "host", health.Backend)
	assert.False(t, health.GPU)
	assert.Len(t, health.Targets, 4)

	post(t, h, `{"op":"lu","dtype":"float64","matrices":[{"real":[[1]]}]}`)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "solver_kernel_calls_total"))
	assert.True(t, strings.Contains(rr.Body.String(), `endpoint_responses_total{endpoint="/v1/decompose"`))
}

func TestNewServer(t *testing.T) {
	cfg := config.Default()
	cfg.Server.ListenPort = 9000
	srv := NewServer(cfg, http.NewServeMux())
	assert.Equal(t, "0.0.0.0:9000", srv.Addr)
	assert.Equal(t, cfg.Server.ReadTimeout, srv.ReadTimeout)
}
