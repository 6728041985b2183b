package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/dtype"
	"github.com/fxnlabs/gpusolver/internal/linalg"
	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// Operations accepted by the decompose endpoint.
const (
	OpLU   = "lu"
	OpEigh = "eigh"
	OpSVD  = "svd"
)

// Matrix is a row-major matrix. Imag is omitted for real dtypes.
type Matrix struct {
	Real [][]float64 `json:"real"`
	Imag [][]float64 `json:"imag,omitempty"`
}

// DecomposeRequest asks for one decomposition of a batch of matrices.
type DecomposeRequest struct {
	Op    string `json:"op"`
	Dtype string `json:"dtype"`
	// Method is "qr" (default) or "jacobi"; eigh only.
	Method string `json:"method,omitempty"`
	// Lower selects the triangle eigh reads. Defaults to true.
	Lower *bool `json:"lower,omitempty"`
	// ComputeUV requests singular vectors. Defaults to true.
	ComputeUV    *bool    `json:"computeUV,omitempty"`
	FullMatrices bool     `json:"fullMatrices,omitempty"`
	Matrices     []Matrix `json:"matrices"`
}

// DecomposeResponse carries the outputs of the requested operation.
type DecomposeResponse struct {
	ID      string      `json:"id"`
	Op      string      `json:"op"`
	Dtype   string      `json:"dtype"`
	Backend string      `json:"backend"`
	Info    []int32     `json:"info"`
	LU      []Matrix    `json:"lu,omitempty"`
	Pivots  [][]int32   `json:"pivots,omitempty"`
	Values  [][]float64 `json:"values,omitempty"`
	Vectors []Matrix    `json:"vectors,omitempty"`
	S       [][]float64 `json:"s,omitempty"`
	U       []Matrix    `json:"u,omitempty"`
	VT      []Matrix    `json:"vt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// DecomposeHandler serves POST /v1/decompose.
func DecomposeHandler(runner *linalg.Runner, backend string, maxBytes int64, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req DecomposeRequest
		if maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		id := uuid.NewString()
		log := log.With(zap.String("id", id), zap.String("op", req.Op), zap.String("dtype", req.Dtype))

		resp, err := Decompose(r.Context(), runner, &req)
		if err != nil {
			status := http.StatusInternalServerError
			if solvererr.IsInvalidArgument(err) {
				status = http.StatusBadRequest
			} else {
				log.Error("Decomposition failed", zap.Error(err))
			}
			writeError(w, status, err.Error())
			return
		}
		resp.ID = id
		resp.Backend = backend
		log.Debug("Decomposition served", zap.Int("matrices", len(req.Matrices)))

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("Failed to write response", zap.Error(err))
		}
	}
}

// Decompose runs req on runner. Bad requests fail with an invalid-argument
// error. ID and Backend are left for the caller to fill in.
func Decompose(ctx context.Context, runner *linalg.Runner, req *DecomposeRequest) (*DecomposeResponse, error) {
	d, err := dtype.Parse(req.Dtype)
	if err != nil {
		return nil, err
	}
	in, err := linalg.Encode(d, toComplex(req.Matrices))
	if err != nil {
		return nil, err
	}
	isComplex := d.Kind == 'c'
	resp := &DecomposeResponse{Op: req.Op, Dtype: d.String()}

	switch strings.ToLower(req.Op) {
	case OpLU:
		res, err := runner.LU(ctx, in)
		if err != nil {
			return nil, err
		}
		if resp.LU, err = fromBatch(res.LU, isComplex); err != nil {
			return nil, err
		}
		resp.Pivots, resp.Info = res.Pivots, res.Info
	case OpEigh:
		res, err := runner.Eigh(ctx, in, linalg.Method(strings.ToLower(req.Method)), boolOr(req.Lower, true))
		if err != nil {
			return nil, err
		}
		if resp.Vectors, err = fromBatch(res.Vectors, isComplex); err != nil {
			return nil, err
		}
		resp.Values, resp.Info = res.Values, res.Info
	case OpSVD:
		computeUV := boolOr(req.ComputeUV, true)
		res, err := runner.SVD(ctx, in, computeUV, req.FullMatrices)
		if err != nil {
			return nil, err
		}
		if computeUV {
			if resp.U, err = fromBatch(res.U, isComplex); err != nil {
				return nil, err
			}
			if resp.VT, err = fromBatch(res.VT, isComplex); err != nil {
				return nil, err
			}
		}
		resp.S, resp.Info = res.S, res.Info
	default:
		return nil, solvererr.InvalidArgumentf("unknown op %q", req.Op)
	}
	return resp, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func toComplex(matrices []Matrix) [][][]complex128 {
	out := make([][][]complex128, len(matrices))
	for k, m := range matrices {
		out[k] = make([][]complex128, len(m.Real))
		for i, row := range m.Real {
			out[k][i] = make([]complex128, len(row))
			for j, re := range row {
				var im float64
				if i < len(m.Imag) && j < len(m.Imag[i]) {
					im = m.Imag[i][j]
				}
				out[k][i][j] = complex(re, im)
			}
		}
	}
	return out
}

func fromBatch(b linalg.Batch, isComplex bool) ([]Matrix, error) {
	matrices, err := b.Matrices()
	if err != nil {
		return nil, err
	}
	out := make([]Matrix, len(matrices))
	for k, m := range matrices {
		out[k].Real = make([][]float64, len(m))
		if isComplex {
			out[k].Imag = make([][]float64, len(m))
		}
		for i, row := range m {
			out[k].Real[i] = make([]float64, len(row))
			if isComplex {
				out[k].Imag[i] = make([]float64, len(row))
			}
			for j, v := range row {
				out[k].Real[i][j] = real(v)
				if isComplex {
					out[k].Imag[i][j] = imag(v)
				}
			}
		}
	}
	return out, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
