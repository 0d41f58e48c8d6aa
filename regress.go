package unmix

import (
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// regressRows solves min ‖Hᵀw − xᵢ‖ with w ≥ 0 for every row of x against a
// fixed basis h (k × c). Rows that contain non-finite values or defeat the
// solver are left at zero and reported by index. Row order in the result is
// independent of worker count.
func regressRows(x, h *mat.Dense, workers int) (*mat.Dense, []int) {
	n, c := x.Dims()
	k, _ := h.Dims()
	w := mat.NewDense(n, k, nil)

	a := mat.DenseCopyOf(h.T()) // c × k

	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	skippedPer := make([][]int, workers)

	var g errgroup.Group
	g.SetLimit(workers)
	for ci := range workers {
		lo := ci * chunk
		hi := min(lo+chunk, n)
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			ws := newNNLSWorkspace(c, k)
			for i := lo; i < hi; i++ {
				row := x.RawRowView(i)
				if !allFinite(row) {
					skippedPer[ci] = append(skippedPer[ci], i)
					continue
				}
				if _, ok := ws.solve(a, row, w.RawRowView(i), 0); !ok {
					zeroRow(w.RawRowView(i))
					skippedPer[ci] = append(skippedPer[ci], i)
				}
			}
			return nil
		})
	}
	g.Wait()

	var skipped []int
	for _, s := range skippedPer {
		skipped = append(skipped, s...)
	}
	return w, skipped
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func zeroRow(v []float64) {
	for i := range v {
		v[i] = 0
	}
}
