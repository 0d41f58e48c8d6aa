package unmix

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// mixtureData synthesizes n samples over a 40-point axis as blends of two
// band-shaped sources.
func mixtureData(n int, noise float64) ([]float64, *mat.Dense) {
	axis := make([]float64, 40)
	for j := range axis {
		axis[j] = 500 + 20*float64(j)
	}
	srcA := make([]float64, len(axis))
	srcB := make([]float64, len(axis))
	for j, v := range axis {
		da := (v - 700) / 80
		db := (v - 1100) / 90
		srcA[j] = math.Exp(-0.5 * da * da)
		srcB[j] = math.Exp(-0.5 * db * db)
	}

	rng := rand.New(rand.NewPCG(21, 22))
	x := mat.NewDense(n, len(axis), nil)
	for i := range n {
		frac := float64(i) / float64(n-1)
		for j := range axis {
			v := frac*srcA[j] + (1-frac)*srcB[j] + noise*rng.NormFloat64()
			x.Set(i, j, math.Max(0, v))
		}
	}
	return axis, x
}

func TestFitStandardDefaults(t *testing.T) {
	axis, x := mixtureData(12, 0)

	result, err := FitStandard(x, axis, DefaultParams())
	require.NoError(t, err)
	require.NotNil(t, result)

	wn, wk := result.W.Dims()
	assert.Equal(t, 12, wn)
	assert.Equal(t, 2, wk)
	hk, hc := result.HFiltered.Dims()
	assert.Equal(t, 2, hk)
	assert.Equal(t, 6, hc)
	ok, om := result.HOriginal.Dims()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 40, om)

	assert.GreaterOrEqual(t, mat.Min(result.W), 0.0)
	assert.GreaterOrEqual(t, mat.Min(result.HOriginal), 0.0)
	assert.Len(t, result.Weights, 40)
	for _, w := range result.Weights {
		assert.Equal(t, 1.0, w)
	}

	// W · HOriginal approximates the input through both stages.
	var recon mat.Dense
	recon.Mul(result.W, result.HOriginal)
	recon.Sub(&recon, x)
	assert.Less(t, mat.Norm(&recon, 2)/mat.Norm(x, 2), 0.15)
}

func TestFitStandardNoFilter(t *testing.T) {
	axis, x := mixtureData(10, 0)
	p := DefaultParams()
	p.Filter.Algorithm = FilterNone
	p.MaxIter = 500

	result, err := FitStandard(x, axis, p)
	require.NoError(t, err)

	// Without a reduction both basis views live on the input axis.
	_, fc := result.HFiltered.Dims()
	_, oc := result.HOriginal.Dims()
	assert.Equal(t, 40, fc)
	assert.Equal(t, 40, oc)
	assert.True(t, mat.EqualApprox(result.HFiltered, result.HOriginal, 1e-12))

	var recon mat.Dense
	recon.Mul(result.W, result.HOriginal)
	recon.Sub(&recon, x)
	assert.Less(t, mat.Norm(&recon, 2)/mat.Norm(x, 2), 0.05)
}

func TestFitStandardExactMixture(t *testing.T) {
	// Five noiseless blends of two band shapes over a 50-point axis.
	axis := make([]float64, 50)
	for j := range axis {
		axis[j] = float64(j)
	}
	x := mat.NewDense(5, 50, nil)
	for i := range 5 {
		frac := float64(i) / 4
		for j, v := range axis {
			da := (v - 15) / 5
			db := (v - 35) / 6
			x.Set(i, j, frac*math.Exp(-0.5*da*da)+(1-frac)*math.Exp(-0.5*db*db))
		}
	}

	p := DefaultParams()
	p.Filter.Algorithm = FilterNone
	p.MaxIter = 500
	p.Tol = 1e-6

	result, err := FitStandard(x, axis, p)
	require.NoError(t, err)

	var recon mat.Dense
	recon.Mul(result.W, result.HOriginal)
	recon.Sub(&recon, x)
	assert.Less(t, mat.Norm(&recon, 2)/mat.Norm(x, 2), 1e-2)
}

func TestFitStandardValidation(t *testing.T) {
	axis, x := mixtureData(6, 0)

	var cfgErr *ConfigError
	var dimErr *DimensionError

	result, err := FitStandard(nil, axis, DefaultParams())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.As(err, &cfgErr))

	result, err = FitStandard(x, axis[:5], DefaultParams())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.As(err, &dimErr))

	p := DefaultParams()
	p.Components = 0
	_, err = FitStandard(x, axis, p)
	assert.True(t, errors.As(err, &cfgErr))

	p = DefaultParams()
	p.MaxIter = 0
	_, err = FitStandard(x, axis, p)
	assert.True(t, errors.As(err, &cfgErr))

	p = DefaultParams()
	p.Tol = 0
	_, err = FitStandard(x, axis, p)
	assert.True(t, errors.As(err, &cfgErr))

	p = DefaultParams()
	p.DenoiseRank = -1
	_, err = FitStandard(x, axis, p)
	assert.True(t, errors.As(err, &cfgErr))

	p = DefaultParams()
	p.Workers = -2
	_, err = FitStandard(x, axis, p)
	assert.True(t, errors.As(err, &cfgErr))

	p = DefaultParams()
	p.RegionWeights = "bogus"
	_, err = FitStandard(x, axis, p)
	assert.True(t, errors.As(err, &cfgErr))
}

func TestFitStandardNilAxisDefaultsToIndices(t *testing.T) {
	_, x := mixtureData(8, 0)
	p := DefaultParams()
	p.RegionWeights = "0-9:0" // first ten index positions

	result, err := FitStandard(x, nil, p)
	require.NoError(t, err)
	for j := range 10 {
		assert.Zero(t, result.Weights[j], "column %d", j)
	}
	assert.Equal(t, 1.0, result.Weights[10])
}

func TestFitStandardFilterRankRaised(t *testing.T) {
	axis, x := mixtureData(10, 0)
	p := DefaultParams()
	p.Components = 3
	p.Filter.FilterComponents = 2

	result, err := FitStandard(x, axis, p)
	require.NoError(t, err)
	assert.True(t, result.Report.HasWarning(WarnFilterRankRaised))
	_, hc := result.HFiltered.Dims()
	assert.Equal(t, 3, hc)
}

func TestFitStandardRegionWeightZeroesBand(t *testing.T) {
	axis, x := mixtureData(10, 0)
	p := DefaultParams()
	p.Filter.Algorithm = FilterNone
	p.RegionWeights = "500-600:0"

	result, err := FitStandard(x, axis, p)
	require.NoError(t, err)

	// Zero-weight columns cannot come back from the weighted space.
	for j, v := range axis {
		if v >= 500 && v <= 600 {
			for c := range 2 {
				assert.Zero(t, result.HOriginal.At(c, j), "axis %g", v)
			}
		}
	}
}

func TestFitStandardDenoise(t *testing.T) {
	axis, x := mixtureData(10, 0.02)
	p := DefaultParams()
	p.DenoiseRank = 2

	result, err := FitStandard(x, axis, p)
	require.NoError(t, err)
	assert.NotNil(t, result)

	p.DenoiseRank = 99
	result, err = FitStandard(x, axis, p)
	require.NoError(t, err)
	assert.True(t, result.Report.HasWarning(WarnRankClamped))
}

func TestFitStandardDeterministic(t *testing.T) {
	axis, x := mixtureData(10, 0)

	r1, err := FitStandard(x, axis, DefaultParams())
	require.NoError(t, err)
	r2, err := FitStandard(x, axis, DefaultParams())
	require.NoError(t, err)

	assert.True(t, mat.Equal(r1.W, r2.W))
	assert.True(t, mat.Equal(r1.HOriginal, r2.HOriginal))
}

func TestRegressFixedSelfConsistent(t *testing.T) {
	axis, x := mixtureData(10, 0)
	p := DefaultParams()
	p.Filter.Algorithm = FilterNone
	p.MaxIter = 500
	p.Tol = 1e-6
	p.Workers = 2

	result, err := FitStandard(x, axis, p)
	require.NoError(t, err)

	reg, err := RegressFixed(x, result.Session())
	require.NoError(t, err)
	require.Empty(t, reg.Skipped)

	// Per-row optimality: the frozen-basis solve cannot do worse than the
	// rows of the joint fit.
	for i := range 10 {
		fitResid := rowResidual(result.HFiltered, result.W.RawRowView(i), x.RawRowView(i))
		regResid := rowResidual(result.HFiltered, reg.W.RawRowView(i), x.RawRowView(i))
		assert.LessOrEqual(t, regResid, fitResid+1e-9, "row %d", i)
	}

	// A converged fit leaves its own rows as the per-row optima, so the
	// frozen-basis solve reproduces them.
	var diff mat.Dense
	diff.Sub(reg.W, result.W)
	assert.Less(t, mat.Norm(&diff, 2)/mat.Norm(result.W, 2), 0.1)
}

func TestRegressFixedDimensionMismatch(t *testing.T) {
	axis, x := mixtureData(8, 0)
	result, err := FitStandard(x, axis, DefaultParams())
	require.NoError(t, err)

	target := mat.NewDense(3, 17, nil)
	reg, err := RegressFixed(target, result.Session())
	require.Error(t, err)
	assert.Nil(t, reg)

	var dimErr *DimensionError
	require.True(t, errors.As(err, &dimErr))
	assert.Equal(t, 40, dimErr.Want)
	assert.Equal(t, 17, dimErr.Got)
}

func TestRegressFixedEmptySession(t *testing.T) {
	_, x := mixtureData(4, 0)

	var cfgErr *ConfigError
	_, err := RegressFixed(x, nil)
	require.Error(t, err)
	assert.True(t, errors.As(err, &cfgErr))

	_, err = RegressFixed(x, &RegressionSession{})
	require.Error(t, err)
	assert.True(t, errors.As(err, &cfgErr))
}

func TestRegressFixedSkipsBadSamples(t *testing.T) {
	axis, x := mixtureData(8, 0)
	p := DefaultParams()
	p.Filter.Algorithm = FilterNone

	result, err := FitStandard(x, axis, p)
	require.NoError(t, err)

	target := mat.DenseCopyOf(x)
	target.Set(3, 0, math.NaN())

	reg, err := RegressFixed(target, result.Session())
	require.NoError(t, err)
	assert.Equal(t, []int{3}, reg.Skipped)
	assert.True(t, reg.Report.HasWarning(WarnSampleSkipped))

	_, k := reg.W.Dims()
	for c := range k {
		assert.Zero(t, reg.W.At(3, c))
	}
}

func TestSessionIsolation(t *testing.T) {
	axis, x := mixtureData(8, 0)
	result, err := FitStandard(x, axis, DefaultParams())
	require.NoError(t, err)

	s := result.Session()
	before := s.Basis()

	result.HFiltered.Set(0, 0, 123)
	result.Weights[0] = 9

	assert.True(t, mat.Equal(before, s.Basis()))
	assert.Equal(t, 40, s.InputDim())
}

func TestRowFractions(t *testing.T) {
	w := mat.NewDense(3, 2, []float64{
		3, 1,
		0, 0,
		2, 2,
	})
	f := RowFractions(w)

	assert.InDelta(t, 0.75, f.At(0, 0), 1e-12)
	assert.InDelta(t, 0.25, f.At(0, 1), 1e-12)
	// An all-zero row falls back to the uniform split.
	assert.InDelta(t, 0.5, f.At(1, 0), 1e-12)
	assert.InDelta(t, 0.5, f.At(1, 1), 1e-12)
	assert.InDelta(t, 0.5, f.At(2, 0), 1e-12)
}

func TestFitStandardShallowAEFilter(t *testing.T) {
	axis, x := mixtureData(16, 0)
	p := DefaultParams()
	p.Filter.Algorithm = FilterShallowAE
	p.Filter.FilterComponents = 3

	result, err := FitStandard(x, axis, p)
	require.NoError(t, err)

	_, hc := result.HFiltered.Dims()
	assert.Equal(t, 3, hc)
	_, oc := result.HOriginal.Dims()
	assert.Equal(t, 40, oc)
	assert.GreaterOrEqual(t, mat.Min(result.HOriginal), 0.0)
}
