package gpu

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/lapack"
	"gonum.org/v1/gonum/lapack/gonum"
	"gonum.org/v1/gonum/mat"
)

// Matrices in this file are dense column-major []complex128 with a leading
// dimension equal to the row count. Real element types only use the real
// parts. Complex problems are solved through their real embedding
//
//	[ Re(A)  -Im(A) ]
//	[ Im(A)   Re(A) ]
//
// whose spectrum is the complex spectrum with every value doubled.

var impl gonum.Implementation

const (
	// clusterTol is the relative gap under which two embedded eigenvalues
	// are treated as one.
	clusterTol = 1e-9
	// independenceTol is the smallest residual a Gram-Schmidt candidate
	// needs to be accepted as a new direction.
	independenceTol = 1e-6
)

func toRowMajor(m, n int, a []complex128) []float64 {
	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = real(a[i+j*m])
		}
	}
	return out
}

// embed returns the 2m×2n row-major real embedding of a.
func embed(m, n int, a []complex128) []float64 {
	cols := 2 * n
	out := make([]float64, 4*m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			re, im := real(a[i+j*m]), imag(a[i+j*m])
			out[i*cols+j] = re
			out[i*cols+n+j] = -im
			out[(m+i)*cols+j] = im
			out[(m+i)*cols+n+j] = re
		}
	}
	return out
}

// luFactor factors the m×n matrix a in place as P·L·U with partial pivoting.
// It returns 1-based pivots and the 1-based index of the first exactly zero
// pivot, or 0.
func luFactor(m, n int, a []complex128, isComplex bool) ([]int32, int32) {
	if min(m, n) == 0 {
		return nil, 0
	}
	if isComplex {
		return luComplex(m, n, a)
	}

	rm := toRowMajor(m, n, a)
	piv := make([]int, min(m, n))
	impl.Dgetrf(m, n, rm, n, piv)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			a[i+j*m] = complex(rm[i*n+j], 0)
		}
	}

	ipiv := make([]int32, len(piv))
	var info int32
	for k, p := range piv {
		ipiv[k] = int32(p + 1)
		if info == 0 && rm[k*n+k] == 0 {
			info = int32(k + 1)
		}
	}
	return ipiv, info
}

func cabs1(z complex128) float64 {
	return math.Abs(real(z)) + math.Abs(imag(z))
}

func luComplex(m, n int, a []complex128) ([]int32, int32) {
	k := min(m, n)
	ipiv := make([]int32, k)
	var info int32
	for j := 0; j < k; j++ {
		p := j
		best := cabs1(a[j+j*m])
		for i := j + 1; i < m; i++ {
			if v := cabs1(a[i+j*m]); v > best {
				p, best = i, v
			}
		}
		ipiv[j] = int32(p + 1)
		if a[p+j*m] == 0 {
			if info == 0 {
				info = int32(j + 1)
			}
			continue
		}
		if p != j {
			for c := 0; c < n; c++ {
				a[j+c*m], a[p+c*m] = a[p+c*m], a[j+c*m]
			}
		}
		inv := 1 / a[j+j*m]
		for i := j + 1; i < m; i++ {
			a[i+j*m] *= inv
		}
		for c := j + 1; c < n; c++ {
			f := a[j+c*m]
			if f == 0 {
				continue
			}
			for i := j + 1; i < m; i++ {
				a[i+c*m] -= a[i+j*m] * f
			}
		}
	}
	return ipiv, info
}

// completeHermitian fills the triangle of the n×n matrix a that uplo does not
// select, and drops the imaginary part of the diagonal.
func completeHermitian(n int, a []complex128, uplo FillMode) {
	for j := 0; j < n; j++ {
		a[j+j*n] = complex(real(a[j+j*n]), 0)
		for i := j + 1; i < n; i++ {
			if uplo == FillModeLower {
				a[j+i*n] = cmplx.Conj(a[i+j*n])
			} else {
				a[i+j*n] = cmplx.Conj(a[j+i*n])
			}
		}
	}
}

// symmetricEigen diagonalizes the n×n row-major symmetric matrix rm. The
// eigenvalues are ascending; with vectors set the eigenvectors are the
// columns of the returned row-major matrix.
func symmetricEigen(n int, rm []float64, vectors, jacobi bool) ([]float64, []float64, bool) {
	if jacobi {
		var es mat.EigenSym
		if !es.Factorize(mat.NewSymDense(n, rm), vectors) {
			return nil, nil, false
		}
		w := es.Values(nil)
		if !vectors {
			return w, nil, true
		}
		var v mat.Dense
		es.VectorsTo(&v)
		z := make([]float64, n*n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				z[i*n+j] = v.At(i, j)
			}
		}
		return w, z, true
	}

	jobz := lapack.EVNone
	if vectors {
		jobz = lapack.EVCompute
	}
	w := make([]float64, n)
	work := make([]float64, 1)
	impl.Dsyev(jobz, blas.Upper, n, rm, n, w, work, -1)
	work = make([]float64, int(work[0]))
	ok := impl.Dsyev(jobz, blas.Upper, n, rm, n, w, work, len(work))
	return w, rm, ok
}

// hermitianEigen computes the eigendecomposition of the complete n×n matrix
// a. With vectors set, a is overwritten by the eigenvectors.
func hermitianEigen(n int, a []complex128, isComplex, vectors, jacobi bool) ([]float64, bool) {
	if n == 0 {
		return nil, true
	}
	if !isComplex {
		w, z, ok := symmetricEigen(n, toRowMajor(n, n, a), vectors, jacobi)
		if !ok {
			return nil, false
		}
		if vectors {
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					a[i+j*n] = complex(z[i*n+j], 0)
				}
			}
		}
		return w, true
	}

	dim := 2 * n
	values, z, ok := symmetricEigen(dim, embed(n, n, a), true, jacobi)
	if !ok {
		return nil, false
	}
	if !vectors {
		w := make([]float64, n)
		for k := range w {
			w[k] = (values[2*k] + values[2*k+1]) / 2
		}
		return w, true
	}

	cands := make([][]complex128, dim)
	for k := range cands {
		c := make([]complex128, n)
		for i := range c {
			c[i] = complex(z[i*dim+k], z[(n+i)*dim+k])
		}
		cands[k] = c
	}
	basis := foldEmbedded(values, cands, n)

	type pair struct {
		value  float64
		vector []complex128
	}
	pairs := make([]pair, len(basis))
	for k, v := range basis {
		av := matVec(n, n, a, v)
		pairs[k] = pair{value: real(dot(v, av)), vector: v}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].value < pairs[j].value })

	w := make([]float64, n)
	for k, p := range pairs {
		w[k] = p.value
		copy(a[k*n:(k+1)*n], p.vector)
	}
	return w, true
}

// svdResult holds a decomposition a = U·diag(s)·VT. u is m×ucols and vt is
// vtrows×n, both column-major.
type svdResult struct {
	s  []float64
	u  []complex128
	vt []complex128
}

func svdShape(job SVDJob, dim, k int) int {
	switch job {
	case SVDJobAll:
		return dim
	case SVDJobSome:
		return k
	default:
		return 0
	}
}

// singularValues decomposes the m×n matrix a, which is destroyed.
func singularValues(m, n int, a []complex128, isComplex bool, jobu, jobvt SVDJob) (svdResult, bool) {
	k := min(m, n)
	ucols := svdShape(jobu, m, k)
	vtrows := svdShape(jobvt, n, k)
	res := svdResult{
		s:  make([]float64, k),
		u:  make([]complex128, m*ucols),
		vt: make([]complex128, vtrows*n),
	}
	if k == 0 {
		return res, true
	}
	if !isComplex {
		return realSVD(m, n, a, jobu, jobvt, ucols, vtrows, res)
	}
	return complexSVD(m, n, a, jobu, jobvt, ucols, vtrows, res)
}

func realSVD(m, n int, a []complex128, jobu, jobvt SVDJob, ucols, vtrows int, res svdResult) (svdResult, bool) {
	rm := toRowMajor(m, n, a)
	ldu := max(1, ucols)
	ldvt := max(1, n)
	u := make([]float64, m*ucols)
	vt := make([]float64, vtrows*n)
	ju, jvt := lapack.SVDJob(jobu), lapack.SVDJob(jobvt)

	work := make([]float64, 1)
	impl.Dgesvd(ju, jvt, m, n, rm, n, res.s, u, ldu, vt, ldvt, work, -1)
	work = make([]float64, int(work[0]))
	if !impl.Dgesvd(ju, jvt, m, n, rm, n, res.s, u, ldu, vt, ldvt, work, len(work)) {
		return res, false
	}

	for i := 0; i < m; i++ {
		for j := 0; j < ucols; j++ {
			res.u[i+j*m] = complex(u[i*ldu+j], 0)
		}
	}
	for r := 0; r < vtrows; r++ {
		for c := 0; c < n; c++ {
			res.vt[r+c*vtrows] = complex(vt[r*ldvt+c], 0)
		}
	}
	return res, true
}

func complexSVD(m, n int, a []complex128, jobu, jobvt SVDJob, ucols, vtrows int, res svdResult) (svdResult, bool) {
	k := min(m, n)
	rows, cols := 2*m, 2*n
	e := embed(m, n, a)
	s := make([]float64, 2*k)
	vt := make([]float64, cols*cols)

	work := make([]float64, 1)
	impl.Dgesvd(lapack.SVDNone, lapack.SVDAll, rows, cols, e, cols, s, nil, 1, vt, cols, work, -1)
	work = make([]float64, int(work[0]))
	if !impl.Dgesvd(lapack.SVDNone, lapack.SVDAll, rows, cols, e, cols, s, nil, 1, vt, cols, work, len(work)) {
		return res, false
	}

	if jobu == SVDJobNone && jobvt == SVDJobNone {
		for r := range res.s {
			res.s[r] = (s[2*r] + s[2*r+1]) / 2
		}
		return res, true
	}

	// The rows of VT are right singular vectors of the embedding; rows past
	// 2k span its null space.
	values := make([]float64, cols)
	copy(values, s)
	cands := make([][]complex128, cols)
	for r := range cands {
		c := make([]complex128, n)
		for i := range c {
			c[i] = complex(vt[r*cols+i], vt[r*cols+n+i])
		}
		cands[r] = c
	}
	basis := foldEmbedded(values, cands, n)

	type triple struct {
		sigma float64
		v     []complex128
		av    []complex128
	}
	ts := make([]triple, len(basis))
	for r, v := range basis {
		av := matVec(m, n, a, v)
		ts[r] = triple{sigma: norm(av), v: v, av: av}
	}
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].sigma > ts[j].sigma })

	for r := range res.s {
		res.s[r] = ts[r].sigma
	}
	for r := 0; r < vtrows; r++ {
		for c := 0; c < n; c++ {
			res.vt[r+c*vtrows] = cmplx.Conj(ts[r].v[c])
		}
	}
	if ucols == 0 {
		return res, true
	}

	tiny := ts[0].sigma * float64(max(m, n)) * 1e-13
	var us [][]complex128
	for r := 0; r < k && ts[r].sigma > tiny; r++ {
		u := make([]complex128, m)
		for i := range u {
			u[i] = ts[r].av[i] / complex(ts[r].sigma, 0)
		}
		us = append(us, u)
	}
	if len(us) < ucols {
		identity := make([][]complex128, m)
		for i := range identity {
			identity[i] = make([]complex128, m)
			identity[i][i] = 1
		}
		us = gramSchmidtPick(us, identity, ucols-len(us))
	}
	for j := 0; j < ucols; j++ {
		copy(res.u[j*m:(j+1)*m], us[j])
	}
	return res, true
}

// foldEmbedded turns the real eigen/singular vectors of an embedding into
// need orthonormal complex vectors. values must be sorted. Each run of
// equal values spans a complex subspace of half its size, so vectors are
// picked run by run and never mix distinct eigenspaces.
func foldEmbedded(values []float64, cands [][]complex128, need int) [][]complex128 {
	scale := 0.0
	for _, v := range values {
		scale = math.Max(scale, math.Abs(v))
	}
	tol := clusterTol * math.Max(scale, 1)

	var basis [][]complex128
	for start := 0; start < len(values); {
		end := start + 1
		for end < len(values) && math.Abs(values[end]-values[end-1]) <= tol {
			end++
		}
		basis = gramSchmidtPick(basis, cands[start:end], (end-start)/2)
		start = end
	}
	if len(basis) < need {
		basis = gramSchmidtPick(basis, cands, need-len(basis))
	}
	return basis
}

// gramSchmidtPick extends the orthonormal basis with up to want candidates,
// each time taking the one with the largest component orthogonal to the
// current basis.
func gramSchmidtPick(basis, cands [][]complex128, want int) [][]complex128 {
	for ; want > 0; want-- {
		var best []complex128
		bestNorm := independenceTol
		for _, c := range cands {
			r := orthogonalize(basis, c)
			if nr := norm(r); nr > bestNorm {
				best, bestNorm = r, nr
			}
		}
		if best == nil {
			break
		}
		best = orthogonalize(basis, best)
		scaleVec(best, 1/norm(best))
		basis = append(basis, best)
	}
	return basis
}

func orthogonalize(basis [][]complex128, c []complex128) []complex128 {
	r := make([]complex128, len(c))
	copy(r, c)
	for _, b := range basis {
		p := dot(b, r)
		for i := range r {
			r[i] -= p * b[i]
		}
	}
	return r
}

// dot returns x^H·y.
func dot(x, y []complex128) complex128 {
	var s complex128
	for i := range x {
		s += cmplx.Conj(x[i]) * y[i]
	}
	return s
}

func norm(x []complex128) float64 {
	var s float64
	for _, v := range x {
		s += real(v)*real(v) + imag(v)*imag(v)
	}
	return math.Sqrt(s)
}

func scaleVec(x []complex128, f float64) {
	for i := range x {
		x[i] *= complex(f, 0)
	}
}

// matVec returns a·x for the m×n matrix a.
func matVec(m, n int, a, x []complex128) []complex128 {
	y := make([]complex128, m)
	for j := 0; j < n; j++ {
		if x[j] == 0 {
			continue
		}
		for i := 0; i < m; i++ {
			y[i] += a[i+j*m] * x[j]
		}
	}
	return y
}

// workspace queries

func symmetricEigenWork(n int, isComplex bool) int {
	if isComplex {
		n *= 2
	}
	if n == 0 {
		return 1
	}
	work := make([]float64, 1)
	impl.Dsyev(lapack.EVCompute, blas.Upper, n, nil, n, nil, work, -1)
	return int(work[0])
}

func svdWork(m, n int, isComplex bool) int {
	if isComplex {
		m, n = 2*m, 2*n
	}
	if min(m, n) == 0 {
		return 1
	}
	work := make([]float64, 1)
	impl.Dgesvd(lapack.SVDAll, lapack.SVDAll, m, n, nil, n, nil, nil, m, nil, n, work, -1)
	return int(work[0])
}
