package unmix

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func regressFixture() (h, x, wTrue *mat.Dense) {
	h = mat.NewDense(2, 4, []float64{
		1, 0, 2, 1,
		0, 2, 1, 1,
	})
	wTrue = mat.NewDense(3, 2, []float64{
		1, 0.5,
		0.2, 2,
		0, 1.5,
	})
	x = mat.NewDense(3, 4, nil)
	x.Mul(wTrue, h)
	return h, x, wTrue
}

func TestRegressRowsExact(t *testing.T) {
	h, x, wTrue := regressFixture()

	w, skipped := regressRows(x, h, 1)
	assert.Empty(t, skipped)
	for i := range 3 {
		for c := range 2 {
			assert.InDelta(t, wTrue.At(i, c), w.At(i, c), 1e-9, "row %d comp %d", i, c)
		}
	}
}

func TestRegressRowsWorkerInvariance(t *testing.T) {
	h, x, _ := regressFixture()

	w1, s1 := regressRows(x, h, 1)
	w4, s4 := regressRows(x, h, 4)

	assert.True(t, mat.Equal(w1, w4))
	assert.Equal(t, s1, s4)
}

func TestRegressRowsSkipsNonFinite(t *testing.T) {
	h, x, wTrue := regressFixture()
	x.Set(1, 2, math.NaN())

	w, skipped := regressRows(x, h, 2)
	require.Equal(t, []int{1}, skipped)

	for c := range 2 {
		assert.Zero(t, w.At(1, c))
		assert.InDelta(t, wTrue.At(0, c), w.At(0, c), 1e-9)
		assert.InDelta(t, wTrue.At(2, c), w.At(2, c), 1e-9)
	}
}

func TestRegressRowsSkippedOrderAscending(t *testing.T) {
	h, x, _ := regressFixture()
	x.Set(0, 1, math.Inf(1))
	x.Set(2, 3, math.NaN())

	_, skipped := regressRows(x, h, 3)
	assert.Equal(t, []int{0, 2}, skipped)
}

func TestRegressRowsMoreWorkersThanRows(t *testing.T) {
	h, x, wTrue := regressFixture()

	w, skipped := regressRows(x, h, 16)
	assert.Empty(t, skipped)
	assert.InDelta(t, wTrue.At(0, 0), w.At(0, 0), 1e-9)
	assert.InDelta(t, wTrue.At(2, 1), w.At(2, 1), 1e-9)
}
