// Package unmix decomposes matrices of non-negative sample rows into a small
// set of shared basis rows and per-sample contributions, with optional
// dimensionality reduction between the input and the factorization.
package unmix

import (
	"runtime"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

type FactorizationParams struct {
	// Number of basis rows to extract.
	// Ideal start: 2-6. Clamped to min(rows, cols) of the reduced matrix
	// when too large, with a warning in the report.
	Components int
	// Iteration cap for the factorization.
	// Ideal start: 200. Raise when the report shows no convergence.
	MaxIter int
	// Relative projected-gradient tolerance.
	// Ideal start: 1e-4. Lower => tighter fit, longer runs.
	Tol float64
	// Dimensionality reduction applied before factorizing.
	// DefaultParams uses FilterNMF with 6 components. Its RandomSeed also
	// seeds the factorization init, so runs are reproducible end to end.
	Filter FilterConfig
	// Optional per-feature weighting over the axis values,
	// e.g. "800-1000:0.25, 1200-1300:0". Empty means uniform.
	RegionWeights string
	// Rank for the SVD denoise pass before any reduction. 0 disables it.
	DenoiseRank int
	// Seed the factorization basis from k-means centroids instead of the
	// SVD-based default. Helps when samples form clear clusters; not
	// bit-reproducible across runs.
	InitKMeans bool
	// Goroutines for per-sample regressions. 0 means NumCPU.
	Workers int
	// Destination for progress output. Nil means silent.
	Logger *zap.Logger
}

func DefaultParams() FactorizationParams {
	return FactorizationParams{
		Components: 2,
		MaxIter:    200,
		Tol:        1e-4,
		Filter: FilterConfig{
			Algorithm:        FilterNMF,
			FilterComponents: 6,
			RandomSeed:       42,
		},
	}
}

// ============ RESULTS ============

// FactorizationResult is the outcome of FitStandard. W holds one row of
// contributions per sample; HFiltered is the basis in the reduced space the
// factorization ran in, HOriginal its mapping back to the input features.
type FactorizationResult struct {
	W         *mat.Dense
	HFiltered *mat.Dense
	HOriginal *mat.Dense
	Weights   []float64
	Report    *Report

	filter  PreFilter
	workers int
}

// Session freezes the fitted basis, reduction and weights for RegressFixed.
// The matrices are copied, so mutating the result afterwards does not reach
// the session.
func (r *FactorizationResult) Session() *RegressionSession {
	return &RegressionSession{
		h:        mat.DenseCopyOf(r.HFiltered),
		filter:   r.filter,
		weights:  append([]float64(nil), r.Weights...),
		inputDim: len(r.Weights),
		workers:  r.workers,
	}
}

// RegressionSession carries a frozen basis for regressing new samples.
type RegressionSession struct {
	h        *mat.Dense
	filter   PreFilter
	weights  []float64
	inputDim int
	workers  int
}

// Basis returns a copy of the frozen reduced-space basis.
func (s *RegressionSession) Basis() *mat.Dense { return mat.DenseCopyOf(s.h) }

// InputDim is the feature count RegressFixed expects per sample.
func (s *RegressionSession) InputDim() int { return s.inputDim }

// RegressionResult is the outcome of RegressFixed. W has the same row count
// as the target matrix; rows listed in Skipped were left at zero.
type RegressionResult struct {
	W       *mat.Dense
	Skipped []int
	Report  *Report
}

// ============ STANDARD FIT ============

// FitStandard factorizes x (samples × features) into p.Components basis rows.
// axis gives the physical coordinate of each feature column for region
// weighting; nil means column indices. Invalid parameters come back as
// *ConfigError, shape mismatches as *DimensionError, and in both cases the
// result is nil.
func FitStandard(x *mat.Dense, axis []float64, p FactorizationParams) (*FactorizationResult, error) {
	if x == nil {
		return nil, configErrorf("input matrix is nil")
	}
	n, m := x.Dims()
	if n == 0 || m == 0 {
		return nil, configErrorf("input matrix is empty")
	}
	if axis == nil {
		axis = make([]float64, m)
		for j := range m {
			axis[j] = float64(j)
		}
	}
	if len(axis) != m {
		return nil, newDimensionError("feature axis", m, len(axis))
	}
	if p.Components < 1 {
		return nil, configErrorf("components must be positive, got %d", p.Components)
	}
	if p.MaxIter < 1 {
		return nil, configErrorf("max iterations must be positive, got %d", p.MaxIter)
	}
	if p.Tol <= 0 {
		return nil, configErrorf("tolerance must be positive, got %g", p.Tol)
	}
	if p.DenoiseRank < 0 {
		return nil, configErrorf("denoise rank must not be negative, got %d", p.DenoiseRank)
	}
	if p.Workers < 0 {
		return nil, configErrorf("workers must not be negative, got %d", p.Workers)
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := p.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	rep := &Report{}
	logger.Info("fitting",
		zap.Int("samples", n),
		zap.Int("features", m),
		zap.Int("components", p.Components),
		zap.String("filter", p.Filter.Algorithm.String()),
	)

	weights, err := ParseRegionWeights(p.RegionWeights, axis)
	if err != nil {
		return nil, err
	}
	work := applyWeights(x, weights)

	if p.DenoiseRank > 0 {
		var clamped bool
		work, clamped = DenoiseSVD(work, p.DenoiseRank)
		if clamped {
			rep.warnf(WarnRankClamped, "denoise rank %d exceeds matrix rank; clamped", p.DenoiseRank)
		}
	}

	cfg := p.Filter
	if cfg.Algorithm != FilterNone && cfg.Custom == nil && cfg.FilterComponents < p.Components {
		rep.warnf(WarnFilterRankRaised, "filter components %d below factorization rank %d; raised to match",
			cfg.FilterComponents, p.Components)
		logger.Warn("filter rank raised",
			zap.Int("requested", cfg.FilterComponents),
			zap.Int("used", p.Components),
		)
		cfg.FilterComponents = p.Components
	}
	filt, err := newPreFilter(cfg, rep, logger)
	if err != nil {
		return nil, err
	}
	if filt != nil {
		z, err := filt.FitTransform(work)
		if err != nil {
			return nil, err
		}
		clipNegativesInPlace(z)
		work = z
	}

	w, hf, err := factorize(work, p.Components, nmfSettings{
		maxIter:   p.MaxIter,
		tol:       p.Tol,
		seed:      cfg.RandomSeed,
		useKMeans: p.InitKMeans,
	}, rep, logger)
	if err != nil {
		return nil, err
	}

	ho, err := inverseMap(hf, filt, weights)
	if err != nil {
		return nil, err
	}
	logger.Info("fit complete",
		zap.Bool("converged", rep.Converged),
		zap.Int("iterations", rep.Iterations),
		zap.Float64("residual", rep.Residual),
	)

	return &FactorizationResult{
		W:         w,
		HFiltered: hf,
		HOriginal: ho,
		Weights:   weights,
		Report:    rep,
		filter:    filt,
		workers:   workers,
	}, nil
}

// inverseMap carries a reduced-space basis back to the input feature axis:
// undo the reduction, clip negatives, undo the region weighting.
func inverseMap(hf *mat.Dense, filt PreFilter, weights []float64) (*mat.Dense, error) {
	var ho *mat.Dense
	if filt != nil {
		out, err := filt.InverseTransform(hf)
		if err != nil {
			return nil, err
		}
		ho = out
	} else {
		ho = mat.DenseCopyOf(hf)
	}
	clipNegativesInPlace(ho)
	return reverseWeights(ho, weights), nil
}

// ============ FIXED-BASIS REGRESSION ============

// RegressFixed expresses every row of x in the frozen basis of s by
// non-negative least squares. The basis is not refit. Samples with
// non-finite values, and samples the solver gives up on, get a zero row and
// an entry in Skipped plus a WarnSampleSkipped warning.
func RegressFixed(x *mat.Dense, s *RegressionSession) (*RegressionResult, error) {
	if s == nil || s.h == nil {
		return nil, configErrorf("regression session is empty")
	}
	if x == nil {
		return nil, configErrorf("target matrix is nil")
	}
	n, m := x.Dims()
	if n == 0 || m == 0 {
		return nil, configErrorf("target matrix is empty")
	}
	if m != s.inputDim {
		return nil, newDimensionError("regression input", s.inputDim, m)
	}

	work := applyWeights(x, s.weights)
	if s.filter != nil {
		z, err := s.filter.Transform(work)
		if err != nil {
			return nil, err
		}
		clipNegativesInPlace(z)
		work = z
	}
	_, c := work.Dims()
	_, hc := s.h.Dims()
	if c != hc {
		return nil, newDimensionError("regression basis", hc, c)
	}

	w, skipped := regressRows(work, s.h, s.workers)
	rep := &Report{Converged: true}
	for _, i := range skipped {
		rep.warnf(WarnSampleSkipped, "sample %d skipped; contributions zeroed", i)
	}
	return &RegressionResult{W: w, Skipped: skipped, Report: rep}, nil
}

// ============ HELPERS ============

// RowFractions rescales every row of w to sum to 1, turning raw
// contributions into mixture fractions. Rows with a near-zero sum fall back
// to the uniform split.
func RowFractions(w *mat.Dense) *mat.Dense {
	n, k := w.Dims()
	out := mat.NewDense(n, k, nil)
	for i := range n {
		src := w.RawRowView(i)
		dst := out.RawRowView(i)
		sum := 0.0
		for _, v := range src {
			sum += v
		}
		if sum < 1e-10 {
			for j := range dst {
				dst[j] = 1 / float64(k)
			}
			continue
		}
		for j, v := range src {
			dst[j] = v / sum
		}
	}
	return out
}

func clipNegativesInPlace(m *mat.Dense) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j, v := range row {
			if v < 0 {
				row[j] = 0
			}
		}
	}
}
