package unmix

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Projected-gradient subproblem budgets. The outer cap bounds one W or H
// update, the inner cap bounds the step-size search.
const (
	subOuterIter = 200
	subInnerIter = 20
)

type nmfSettings struct {
	maxIter   int
	tol       float64
	seed      uint64
	useKMeans bool
}

// factorize decomposes x (n×m, non-negative) into W (n×k) and H (k×m) by
// alternating non-negative least-squares subproblems solved with projected
// gradients. Initialization follows the rank-feasibility policy: a
// deterministic SVD-based seed while k <= min(n, m), otherwise k is clamped
// with a warning and a seeded random start is used. Non-convergence within
// maxIter returns the best iterate and a warning, never an error.
func factorize(x *mat.Dense, k int, s nmfSettings, rep *Report, logger *zap.Logger) (*mat.Dense, *mat.Dense, error) {
	n, m := x.Dims()
	if k < 1 {
		return nil, nil, configErrorf("nmf components must be positive, got %d", k)
	}

	useRandom := false
	if limit := min(n, m); k > limit {
		rep.warnf(WarnRankClamped, "requested rank %d exceeds min(%d, %d)=%d; clamped", k, n, m, limit)
		logger.Warn("nmf rank clamped", zap.Int("requested", k), zap.Int("used", limit))
		k = limit
		useRandom = true
	}

	rng := rand.New(rand.NewPCG(s.seed, s.seed+1))

	var w, h *mat.Dense
	if !useRandom && s.useKMeans {
		var ok bool
		w, h, ok = kmeansInit(x, k, rng)
		if !ok {
			rep.warnf(WarnKMeansInitFailed, "kmeans seeding failed for rank %d; using standard initialization", k)
			logger.Warn("kmeans init failed, falling back", zap.Int("rank", k))
		}
	}
	if w == nil && !useRandom {
		var ok bool
		w, h, ok = nndsvdInit(x, k)
		if !ok {
			useRandom = true
		}
	}
	if w == nil {
		w, h = randomInit(x, k, rng)
	}

	w, h = pgNMF(x, w, h, s.maxIter, s.tol, rep, logger)
	return w, h, nil
}

// pgNMF is the alternating projected-gradient loop (Lin 2007). It mutates
// nothing it is handed; w and h are owned by the caller and replaced by the
// returned iterates.
func pgNMF(v, w, h *mat.Dense, maxIter int, tol float64, rep *Report, logger *zap.Logger) (*mat.Dense, *mat.Dense) {
	var gw, gh mat.Dense

	// gW = W(H Hᵀ) - V Hᵀ, gH = (Wᵀ W)H - Wᵀ V.
	var hht, vht mat.Dense
	hht.Mul(h, h.T())
	gw.Mul(w, &hht)
	vht.Mul(v, h.T())
	gw.Sub(&gw, &vht)

	var wtw, wtv mat.Dense
	wtw.Mul(w.T(), w)
	gh.Mul(&wtw, h)
	wtv.Mul(w.T(), v)
	gh.Sub(&gh, &wtv)

	initGrad := math.Sqrt(sumSquares(&gw) + sumSquares(&gh))
	tolW := math.Max(0.001, tol) * initGrad
	tolH := tolW

	converged := false
	iters := 0
	for it := 1; it <= maxIter; it++ {
		iters = it
		proj := math.Sqrt(projGradNormSq(&gw, w) + projGradNormSq(&gh, h))
		if proj <= tol*initGrad {
			converged = true
			iters = it - 1
			break
		}

		// Update W through the transposed subproblem.
		var vt, ht, wt mat.Dense
		vt.CloneFrom(v.T())
		ht.CloneFrom(h.T())
		wt.CloneFrom(w.T())
		wtNew, gwt, usedW := pgSubproblem(&vt, &ht, &wt, tolW)
		if usedW == 0 {
			tolW *= 0.1
		}
		w = &mat.Dense{}
		w.CloneFrom(wtNew.T())
		gw.CloneFrom(gwt.T())

		var hNew, ghNew *mat.Dense
		var usedH int
		hNew, ghNew, usedH = pgSubproblem(v, w, h, tolH)
		if usedH == 0 {
			tolH *= 0.1
		}
		h = hNew
		gh.CloneFrom(ghNew)

		if it == 1 || it == maxIter || it%50 == 0 {
			logger.Debug("nmf iterate",
				zap.Int("iter", it),
				zap.Int("max_iter", maxIter),
				zap.Float64("projnorm", proj),
			)
		}
	}

	var recon mat.Dense
	recon.Mul(w, h)
	recon.Sub(&recon, v)
	rep.Iterations = iters
	rep.Converged = converged
	rep.Residual = mat.Norm(&recon, 2)
	if !converged {
		rep.warnf(WarnNotConverged, "nmf stopped after %d iterations with projected gradient above tolerance; best iterate returned", iters)
	}
	return w, h
}

// pgSubproblem minimizes ||V - W·H|| over H >= 0 by projected gradient
// descent with a backtracking step search, starting from ho. It returns the
// new H, the last gradient, and the number of outer iterations used.
func pgSubproblem(v, w, ho *mat.Dense, tol float64) (*mat.Dense, *mat.Dense, int) {
	h := &mat.Dense{}
	h.CloneFrom(ho)

	var wtv, wtw mat.Dense
	wtv.Mul(w.T(), v)
	wtw.Mul(w.T(), w)

	alpha, beta := 1.0, 0.1

	g := &mat.Dense{}
	used := 0
	for i := 0; i < subOuterIter; i++ {
		used = i
		g.Mul(&wtw, h)
		g.Sub(g, &wtv)

		if math.Sqrt(projGradNormSq(g, h)) < tol {
			break
		}

		var (
			reduce bool
			hp     *mat.Dense
			d, dq  mat.Dense
		)
		for j := 0; j < subInnerIter; j++ {
			var hn mat.Dense
			hn.Scale(alpha, g)
			hn.Sub(h, &hn)
			hn.Apply(keepPositive, &hn)

			d.Sub(&hn, h)
			dq.Mul(&wtw, &d)
			dq.MulElem(&dq, &d)
			d.MulElem(g, &d)

			sufficient := 0.99*mat.Sum(&d)+0.5*mat.Sum(&dq) < 0

			if j == 0 {
				reduce = !sufficient
				hp = h
			}
			if reduce {
				if sufficient {
					h = &hn
					break
				}
				alpha *= beta
			} else {
				if !sufficient || mat.Equal(hp, &hn) {
					h = hp
					break
				}
				alpha /= beta
				hp = &hn
			}
		}
	}
	return h, g, used
}

func keepPositive(_, _ int, v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

// projGradNormSq sums the squared entries of the gradient restricted to the
// free set: where the gradient is negative or the iterate is positive.
func projGradNormSq(g, x *mat.Dense) float64 {
	gr := g.RawMatrix()
	xr := x.RawMatrix()
	s := 0.0
	for i := 0; i < gr.Rows; i++ {
		grow := gr.Data[i*gr.Stride : i*gr.Stride+gr.Cols]
		xrow := xr.Data[i*xr.Stride : i*xr.Stride+xr.Cols]
		for j, gv := range grow {
			if gv < 0 || xrow[j] > 0 {
				s += gv * gv
			}
		}
	}
	return s
}

func sumSquares(m *mat.Dense) float64 {
	s := 0.0
	for _, v := range m.RawMatrix().Data {
		s += v * v
	}
	return s
}

// ============ INITIALIZATION ============

// nndsvdInit seeds W and H from the leading singular triplets of x
// (Boutsidis & Gallopoulos). Zeros left by the sign splitting are filled
// with the data mean so no component starts fully dead.
func nndsvdInit(x *mat.Dense, k int) (*mat.Dense, *mat.Dense, bool) {
	n, m := x.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)
	if len(vals) < k {
		return nil, nil, false
	}

	w := mat.NewDense(n, k, nil)
	h := mat.NewDense(k, m, nil)

	ucol := make([]float64, n)
	vcol := make([]float64, m)

	// The leading pair of a non-negative matrix is sign-consistent, so its
	// magnitudes are a valid non-negative seed.
	mat.Col(ucol, 0, &u)
	mat.Col(vcol, 0, &v)
	s0 := math.Sqrt(vals[0])
	for i := range n {
		w.Set(i, 0, s0*math.Abs(ucol[i]))
	}
	for j := range m {
		h.Set(0, j, s0*math.Abs(vcol[j]))
	}

	for c := 1; c < k; c++ {
		mat.Col(ucol, c, &u)
		mat.Col(vcol, c, &v)

		var nup, nun, nvp, nvn float64
		for _, uv := range ucol {
			if uv > 0 {
				nup += uv * uv
			} else {
				nun += uv * uv
			}
		}
		for _, vv := range vcol {
			if vv > 0 {
				nvp += vv * vv
			} else {
				nvn += vv * vv
			}
		}
		nup, nun = math.Sqrt(nup), math.Sqrt(nun)
		nvp, nvn = math.Sqrt(nvp), math.Sqrt(nvn)

		mp := nup * nvp
		mn := nun * nvn
		if mp == 0 && mn == 0 {
			continue
		}
		scale := math.Sqrt(vals[c])
		if mp >= mn {
			wf := scale * math.Sqrt(mp) / nup
			hf := scale * math.Sqrt(mp) / nvp
			for i, uv := range ucol {
				if uv > 0 {
					w.Set(i, c, wf*uv)
				}
			}
			for j, vv := range vcol {
				if vv > 0 {
					h.Set(c, j, hf*vv)
				}
			}
		} else {
			wf := scale * math.Sqrt(mn) / nun
			hf := scale * math.Sqrt(mn) / nvn
			for i, uv := range ucol {
				if uv < 0 {
					w.Set(i, c, -wf*uv)
				}
			}
			for j, vv := range vcol {
				if vv < 0 {
					h.Set(c, j, -hf*vv)
				}
			}
		}
	}

	avg := mat.Sum(x) / float64(n*m)
	fillZeros(w, avg)
	fillZeros(h, avg)
	return w, h, true
}

// randomInit draws |N(0,1)| entries scaled so the product starts near the
// data's magnitude, reproducibly from the caller's seed.
func randomInit(x *mat.Dense, k int, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	n, m := x.Dims()
	avg := math.Sqrt(math.Max(mat.Sum(x)/float64(n*m), machEps) / float64(k))
	w := mat.NewDense(n, k, nil)
	h := mat.NewDense(k, m, nil)
	for _, dst := range []*mat.Dense{w, h} {
		raw := dst.RawMatrix()
		for i := range raw.Data {
			raw.Data[i] = avg * math.Abs(rng.NormFloat64())
		}
	}
	return w, h
}

// kmeansInit seeds H with cluster centroids of the sample rows, largest
// clusters first, and W with a random start. Reports false when the
// clustering cannot produce k usable centroids.
func kmeansInit(x *mat.Dense, k int, rng *rand.Rand) (*mat.Dense, *mat.Dense, bool) {
	n, m := x.Dims()
	if n < k {
		return nil, nil, false
	}

	dataset := make(clusters.Observations, 0, n)
	for i := range n {
		row := make(clusters.Coordinates, m)
		copy(row, x.RawRowView(i))
		dataset = append(dataset, row)
	}

	km := kmeans.New()
	cc, err := km.Partition(dataset, k)
	if err != nil || len(cc) != k {
		return nil, nil, false
	}

	// Largest clusters first so dominant spectra come first.
	slices.SortFunc(cc, func(a, b clusters.Cluster) int {
		return len(b.Observations) - len(a.Observations)
	})

	h := mat.NewDense(k, m, nil)
	for c := range k {
		center := cc[c].Center
		if len(center) != m {
			return nil, nil, false
		}
		for j, v := range center {
			h.Set(c, j, math.Max(v, 0))
		}
	}

	w, _ := randomInit(x, k, rng)
	return w, h, true
}

func fillZeros(m *mat.Dense, v float64) {
	raw := m.RawMatrix()
	for i := range raw.Data {
		if raw.Data[i] == 0 {
			raw.Data[i] = v
		}
	}
}
