package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/gpusolver/fixtures"
	"github.com/fxnlabs/gpusolver/internal/api"
	"github.com/fxnlabs/gpusolver/internal/config"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	err := app.Run(append([]string{"solverctl", "--config", cfgPath, "--backend", "host"}, args...))
	return out.String(), err
}

func TestLoadConfig_Fallback(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = loadConfig("../../fixtures/tests/config/bad_backend.yaml")
	assert.Error(t, err)
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	app := newApp()
	app.Writer = &bytes.Buffer{}
	require.NoError(t, app.Run([]string{"solverctl", "--config", path, "init"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ConfigTemplate, data)

	err = newApp().Run([]string{"solverctl", "--config", path, "init"})
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, newApp().Run([]string{"solverctl", "--config", path, "init", "--force"}))
}

func TestTargets(t *testing.T) {
	out, err := runApp(t, "targets")
	require.NoError(t, err)
	assert.Equal(t, "cusolver_gesvd\ncusolver_getrf\ncusolver_syevd\ncusolver_syevj\n", out)
}

func TestInfo(t *testing.T) {
	out, err := runApp(t, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Backend:            host")
	assert.Contains(t, out, "GPU:                false")
	assert.Contains(t, out, "gonum/lapack")
}

func TestDescriptorDecode(t *testing.T) {
	testCases := []struct {
		op     string
		args   []string
		fields map[string]interface{}
	}{
		{"getrf", []string{"--dtype", "float64", "--batch", "3", "--m", "4", "--n", "5"},
			map[string]interface{}{"type": "F64", "batch": 3.0, "m": 4.0, "n": 5.0}},
		{"syevd", []string{"--dtype", "complex64", "--n", "6", "--lower=false"},
			map[string]interface{}{"type": "C64", "uplo": "upper", "batch": 1.0, "n": 6.0}},
		{"syevj", []string{"--n", "8", "--batch", "2"},
			map[string]interface{}{"type": "F32", "uplo": "lower", "batch": 2.0, "n": 8.0, "lwork": 128.0}},
		{"gesvd", []string{"--dtype", "complex128", "--m", "3", "--n", "2", "--full-matrices=false"},
			map[string]interface{}{"type": "C128", "m": 3.0, "n": 2.0, "jobu": "S", "jobvt": "S"}},
	}

	for _, tc := range testCases {
		t.Run(tc.op, func(t *testing.T) {
			out, err := runApp(t, append([]string{"descriptor", "--op", tc.op}, tc.args...)...)
			require.NoError(t, err)
			var built builtDescriptor
			require.NoError(t, json.Unmarshal([]byte(out), &built))
			assert.Equal(t, "cusolver_"+tc.op, built.Target)
			assert.GreaterOrEqual(t, built.Lwork, 0)

			out, err = runApp(t, "decode", "--op", tc.op, built.Descriptor)
			require.NoError(t, err)
			var fields map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(out), &fields))
			for k, v := range tc.fields {
				assert.Equal(t, v, fields[k], k)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := runApp(t, "decode", "--op", "getrf", "zz")
	assert.ErrorContains(t, err, "invalid hex")

	_, err = runApp(t, "decode", "--op", "getrf", "0000")
	assert.ErrorContains(t, err, "invalid size for linalg operation descriptor")

	_, err = runApp(t, "descriptor", "--op", "potrf", "--n", "2")
	assert.ErrorContains(t, err, "unknown op")

	_, err = runApp(t, "descriptor", "--op", "getrf", "--dtype", "int32", "--n", "2")
	assert.ErrorContains(t, err, "unsupported dtype int32")
}

func TestRun(t *testing.T) {
	input := filepath.Join(t.TempDir(), "request.json")
	require.NoError(t, os.WriteFile(input,
		[]byte(`{"op":"svd","dtype":"float64","computeUV":false,"matrices":[{"real":[[3,0],[0,4]]}]}`), 0644))

	out, err := runApp(t, "run", "--input", input)
	require.NoError(t, err)
	var resp api.DecomposeResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "host", resp.Backend)
	assert.InDeltaSlice(t, []float64{4, 3}, resp.S[0], 1e-12)
	assert.True(t, strings.Contains(out, `"info"`))
}
