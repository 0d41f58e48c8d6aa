package unmix

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Dual-feasibility threshold scale, as in the classic dense
// implementations.
const machEps = 2.220446049250313e-16

// nnlsWorkspace carries the scratch buffers for non-negative least-squares
// solves against bases of one fixed shape, so batch callers allocate once
// per worker instead of once per row.
type nnlsWorkspace struct {
	m, n    int
	passive []bool
	cols    []int // passive columns, rebuilt per subproblem solve
	resid   []float64
	dual    []float64
	zfull   []float64 // trial solution scattered back to full index space
	sub     *mat.Dense
	rhs     *mat.VecDense
	sol     *mat.VecDense
}

func newNNLSWorkspace(m, n int) *nnlsWorkspace {
	return &nnlsWorkspace{
		m:       m,
		n:       n,
		passive: make([]bool, n),
		cols:    make([]int, 0, n),
		resid:   make([]float64, m),
		dual:    make([]float64, n),
		zfull:   make([]float64, n),
		sub:     mat.NewDense(m, n, nil),
		rhs:     mat.NewVecDense(m, nil),
		sol:     &mat.VecDense{},
	}
}

// solve minimizes ||a*x - b||₂ subject to x >= 0 with the Lawson-Hanson
// active-set method. a is m×n, b has length m, x (length n) receives the
// solution. maxIter <= 0 defaults to 3n. The returned bool is false when
// the iteration budget ran out or a passive-set solve degenerated; x then
// holds the last iterate.
func (ws *nnlsWorkspace) solve(a *mat.Dense, b, x []float64, maxIter int) (float64, bool) {
	m, n := ws.m, ws.n
	if maxIter <= 0 {
		maxIter = 3 * n
	}
	for i := range x {
		x[i] = 0
	}
	for i := range ws.passive {
		ws.passive[i] = false
	}

	tol := 10 * machEps * mat.Norm(a, 1) * float64(max(m, n))

	iter := 0
	for {
		ws.residual(a, b, x)
		ws.dualVector(a)

		best, bestVal := -1, tol
		for j := range n {
			if ws.passive[j] {
				continue
			}
			if ws.dual[j] > bestVal {
				bestVal = ws.dual[j]
				best = j
			}
		}
		if best < 0 {
			return floats.Norm(ws.resid, 2), true
		}
		ws.passive[best] = true

		// Inner loop: restore feasibility of the passive set.
		for {
			iter++
			if iter > maxIter {
				return floats.Norm(ws.resid, 2), false
			}
			if !ws.solvePassive(a, b) {
				return floats.Norm(ws.resid, 2), false
			}

			alpha := math.Inf(1)
			for _, j := range ws.cols {
				z := ws.zfull[j]
				if z >= 0 {
					continue
				}
				// x >= 0 and z < 0, so the denominator is positive.
				if step := x[j] / (x[j] - z); step < alpha {
					alpha = step
				}
			}
			if math.IsInf(alpha, 1) {
				for _, j := range ws.cols {
					x[j] = ws.zfull[j]
				}
				break
			}
			for _, j := range ws.cols {
				x[j] += alpha * (ws.zfull[j] - x[j])
			}
			for _, j := range ws.cols {
				if x[j] <= tol {
					x[j] = 0
					ws.passive[j] = false
				}
			}
		}
	}
}

// solvePassive solves the unconstrained least-squares subproblem restricted
// to the passive columns, scattering the result into zfull.
func (ws *nnlsWorkspace) solvePassive(a *mat.Dense, b []float64) bool {
	ws.cols = ws.cols[:0]
	for j := range ws.n {
		if ws.passive[j] {
			ws.cols = append(ws.cols, j)
		}
	}
	p := len(ws.cols)
	if p == 0 {
		return false
	}
	sub := ws.sub.Slice(0, ws.m, 0, p).(*mat.Dense)
	for c, j := range ws.cols {
		for i := range ws.m {
			sub.Set(i, c, a.At(i, j))
		}
	}
	copy(ws.rhs.RawVector().Data, b)

	ws.sol.Reset()
	if err := ws.sol.SolveVec(sub, ws.rhs); err != nil {
		return false
	}
	for i := range ws.zfull {
		ws.zfull[i] = 0
	}
	for c, j := range ws.cols {
		ws.zfull[j] = ws.sol.AtVec(c)
	}
	return true
}

func (ws *nnlsWorkspace) residual(a *mat.Dense, b, x []float64) {
	raw := a.RawMatrix()
	for i := range ws.m {
		row := raw.Data[i*raw.Stride : i*raw.Stride+ws.n]
		s := b[i]
		for j, v := range row {
			s -= v * x[j]
		}
		ws.resid[i] = s
	}
}

func (ws *nnlsWorkspace) dualVector(a *mat.Dense) {
	raw := a.RawMatrix()
	for j := range ws.n {
		ws.dual[j] = 0
	}
	for i := range ws.m {
		row := raw.Data[i*raw.Stride : i*raw.Stride+ws.n]
		r := ws.resid[i]
		for j, v := range row {
			ws.dual[j] += v * r
		}
	}
}
