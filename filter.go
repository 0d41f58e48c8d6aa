package unmix

import (
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// FilterAlgorithm selects the dimensionality-reduction stage applied before
// the main factorization.
type FilterAlgorithm int

const (
	FilterNone FilterAlgorithm = iota
	FilterPCA
	FilterNMF
	FilterShallowAE
	FilterDeepAE
)

func (a FilterAlgorithm) String() string {
	switch a {
	case FilterNone:
		return "none"
	case FilterPCA:
		return "pca"
	case FilterNMF:
		return "nmf"
	case FilterShallowAE:
		return "shallow-ae"
	case FilterDeepAE:
		return "deep-ae"
	default:
		return "unknown"
	}
}

// FilterConfig configures the pre-filter stage.
type FilterConfig struct {
	// Algorithm picks the built-in variant. FilterNone disables the stage.
	Algorithm FilterAlgorithm
	// FilterComponents is the reduced dimensionality. Values below the
	// factorization rank are raised to match it (non-fatal, logged).
	FilterComponents int
	// RandomSeed drives every stochastic part of a filter fit.
	RandomSeed uint64
	// Custom, when non-nil, is used instead of any built-in variant.
	// Supplying capabilities here replaces probing for optional backends
	// at run time.
	Custom PreFilter
}

// PreFilter is a fitted dimensionality reducer. FitTransform fits on the
// weighted sample matrix and returns the reduced representation; Transform
// applies the frozen fit to new data; InverseTransform maps reduced-space
// rows back to the input space.
type PreFilter interface {
	FitTransform(x *mat.Dense) (*mat.Dense, error)
	Transform(x *mat.Dense) (*mat.Dense, error)
	InverseTransform(z *mat.Dense) (*mat.Dense, error)
	// Components is the reduced dimensionality actually in effect.
	Components() int
	// InputDim is the feature count seen at fit time, 0 before fitting.
	InputDim() int
}

// Internal NMF-variant fit budgets, matching common library defaults.
const (
	filterMaxIter = 200
	filterTol     = 1e-4
)

func newPreFilter(cfg FilterConfig, rep *Report, logger *zap.Logger) (PreFilter, error) {
	if cfg.Custom != nil {
		return cfg.Custom, nil
	}
	switch cfg.Algorithm {
	case FilterNone:
		return nil, nil
	case FilterPCA:
		return &pcaFilter{components: cfg.FilterComponents, rep: rep, logger: logger}, nil
	case FilterNMF:
		return &nmfFilter{components: cfg.FilterComponents, seed: cfg.RandomSeed, rep: rep, logger: logger}, nil
	case FilterShallowAE:
		return newAEFilter(cfg.FilterComponents, cfg.RandomSeed, false, rep, logger), nil
	case FilterDeepAE:
		return newAEFilter(cfg.FilterComponents, cfg.RandomSeed, true, rep, logger), nil
	default:
		return nil, configErrorf("unknown filter algorithm %d", int(cfg.Algorithm))
	}
}

// ============ PCA ============

type pcaFilter struct {
	components int
	mean       []float64
	basis      *mat.Dense // input dims × components
	inDim      int
	rep        *Report
	logger     *zap.Logger
}

var _ PreFilter = (*pcaFilter)(nil)

func (f *pcaFilter) FitTransform(x *mat.Dense) (*mat.Dense, error) {
	n, m := x.Dims()
	if limit := min(n, m); f.components > limit {
		f.rep.warnf(WarnRankClamped, "pca filter rank %d exceeds min(%d, %d)=%d; clamped", f.components, n, m, limit)
		f.logger.Warn("pca filter rank clamped", zap.Int("requested", f.components), zap.Int("used", limit))
		f.components = limit
	}

	f.mean = make([]float64, m)
	col := make([]float64, n)
	for j := range m {
		mat.Col(col, j, x)
		s := 0.0
		for _, v := range col {
			s += v
		}
		f.mean[j] = s / float64(n)
	}

	centered := mat.NewDense(n, m, nil)
	for i := range n {
		src := x.RawRowView(i)
		dst := centered.RawRowView(i)
		for j := range m {
			dst[j] = src[j] - f.mean[j]
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDThin); !ok {
		return nil, configErrorf("pca filter: svd failed to converge")
	}
	var v mat.Dense
	svd.VTo(&v)
	basis := mat.DenseCopyOf(v.Slice(0, m, 0, f.components))

	f.basis = basis
	f.inDim = m

	var z mat.Dense
	z.Mul(centered, basis)
	return &z, nil
}

func (f *pcaFilter) Transform(x *mat.Dense) (*mat.Dense, error) {
	if f.basis == nil {
		return nil, configErrorf("pca filter used before fit")
	}
	n, m := x.Dims()
	if m != f.inDim {
		return nil, newDimensionError("pca transform", f.inDim, m)
	}
	centered := mat.NewDense(n, m, nil)
	for i := range n {
		src := x.RawRowView(i)
		dst := centered.RawRowView(i)
		for j := range m {
			dst[j] = src[j] - f.mean[j]
		}
	}
	var z mat.Dense
	z.Mul(centered, f.basis)
	return &z, nil
}

func (f *pcaFilter) InverseTransform(z *mat.Dense) (*mat.Dense, error) {
	if f.basis == nil {
		return nil, configErrorf("pca filter used before fit")
	}
	n, c := z.Dims()
	if c != f.components {
		return nil, newDimensionError("pca inverse transform", f.components, c)
	}
	var out mat.Dense
	out.Mul(z, f.basis.T())
	for i := range n {
		row := out.RawRowView(i)
		for j := range f.inDim {
			row[j] += f.mean[j]
		}
	}
	return &out, nil
}

func (f *pcaFilter) Components() int { return f.components }
func (f *pcaFilter) InputDim() int   { return f.inDim }

// ============ NMF ============

// nmfFilter reduces with a second, finer factorization. Its reduced space
// is the sample-weight matrix of that factorization, and inversion is the
// plain matrix product with the stored basis (no learned inverse exists).
type nmfFilter struct {
	components int
	seed       uint64
	h          *mat.Dense // components × input dims
	ht         *mat.Dense // transposed copy for row solves
	inDim      int
	rep        *Report
	logger     *zap.Logger
}

var _ PreFilter = (*nmfFilter)(nil)

func (f *nmfFilter) FitTransform(x *mat.Dense) (*mat.Dense, error) {
	_, m := x.Dims()

	// The factorization below requires non-negative input; upstream stages
	// may have reintroduced negatives.
	xc := mat.DenseCopyOf(x)
	clipNegativesInPlace(xc)

	w, h, err := factorize(xc, f.components, nmfSettings{
		maxIter: filterMaxIter,
		tol:     filterTol,
		seed:    f.seed,
	}, f.rep, f.logger)
	if err != nil {
		return nil, err
	}

	f.h = h
	f.components, _ = h.Dims() // factorize may have clamped
	f.ht = mat.DenseCopyOf(h.T())
	f.inDim = m
	return w, nil
}

func (f *nmfFilter) Transform(x *mat.Dense) (*mat.Dense, error) {
	if f.h == nil {
		return nil, configErrorf("nmf filter used before fit")
	}
	n, m := x.Dims()
	if m != f.inDim {
		return nil, newDimensionError("nmf filter transform", f.inDim, m)
	}
	out := mat.NewDense(n, f.components, nil)
	ws := newNNLSWorkspace(m, f.components)
	row := make([]float64, f.components)
	for i := range n {
		ws.solve(f.ht, x.RawRowView(i), row, 0)
		out.SetRow(i, row)
	}
	return out, nil
}

func (f *nmfFilter) InverseTransform(z *mat.Dense) (*mat.Dense, error) {
	if f.h == nil {
		return nil, configErrorf("nmf filter used before fit")
	}
	_, c := z.Dims()
	if c != f.components {
		return nil, newDimensionError("nmf filter inverse transform", f.components, c)
	}
	var out mat.Dense
	out.Mul(z, f.h)
	return &out, nil
}

func (f *nmfFilter) Components() int { return f.components }
func (f *nmfFilter) InputDim() int   { return f.inDim }
