package unmix

import (
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ParseRegionWeights builds a per-feature weight vector from a spec of
// comma-separated "low-high:weight" tokens, e.g. "800-1000:0.1, 1000-1200:1.0".
// Whitespace around tokens is ignored. A feature whose axis value falls in
// [low, high] takes that range's weight; where ranges overlap, the last one
// in the spec wins. Features covered by no range keep weight 1.0, and an
// empty spec yields the identity vector. A malformed token is reported as a
// *ConfigError naming the token.
func ParseRegionWeights(spec string, axis []float64) ([]float64, error) {
	weights := uniformWeights(len(axis))
	if strings.TrimSpace(spec) == "" {
		return weights, nil
	}

	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		low, high, w, err := parseWeightToken(token)
		if err != nil {
			return nil, err
		}
		for i, x := range axis {
			if x >= low && x <= high {
				weights[i] = w
			}
		}
	}
	return weights, nil
}

func parseWeightToken(token string) (low, high, weight float64, err error) {
	body, weightPart, ok := strings.Cut(token, ":")
	if !ok {
		return 0, 0, 0, configErrorf("region weight token %q: missing ':'", token)
	}
	lowPart, highPart, ok := strings.Cut(strings.TrimSpace(body), "-")
	if !ok {
		return 0, 0, 0, configErrorf("region weight token %q: missing range", token)
	}
	low, err = strconv.ParseFloat(strings.TrimSpace(lowPart), 64)
	if err != nil {
		return 0, 0, 0, configErrorf("region weight token %q: bad low bound", token)
	}
	high, err = strconv.ParseFloat(strings.TrimSpace(highPart), 64)
	if err != nil {
		return 0, 0, 0, configErrorf("region weight token %q: bad high bound", token)
	}
	weight, err = strconv.ParseFloat(strings.TrimSpace(weightPart), 64)
	if err != nil {
		return 0, 0, 0, configErrorf("region weight token %q: bad weight", token)
	}
	if low > high {
		return 0, 0, 0, configErrorf("region weight token %q: low bound above high bound", token)
	}
	if weight < 0 {
		return 0, 0, 0, configErrorf("region weight token %q: negative weight", token)
	}
	return low, high, weight, nil
}

// applyWeights returns X with every column scaled by its weight. The input
// is left untouched.
func applyWeights(x *mat.Dense, weights []float64) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	src := x.RawMatrix()
	dst := out.RawMatrix()
	for i := range r {
		srcRow := src.Data[i*src.Stride : i*src.Stride+c]
		dstRow := dst.Data[i*dst.Stride : i*dst.Stride+c]
		for j := range c {
			dstRow[j] = srcRow[j] * weights[j]
		}
	}
	return out
}

// reverseWeights undoes applyWeights on a matrix in weighted space, then
// clips negatives to 0. Columns whose weight is 0 carry no information and
// come back as 0.
func reverseWeights(h *mat.Dense, weights []float64) *mat.Dense {
	r, c := h.Dims()
	out := mat.NewDense(r, c, nil)
	src := h.RawMatrix()
	dst := out.RawMatrix()
	for i := range r {
		srcRow := src.Data[i*src.Stride : i*src.Stride+c]
		dstRow := dst.Data[i*dst.Stride : i*dst.Stride+c]
		for j := range c {
			w := weights[j]
			if w == 0 {
				continue
			}
			v := srcRow[j] / w
			if v < 0 {
				v = 0
			}
			dstRow[j] = v
		}
	}
	return out
}

func uniformWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0
	}
	return w
}
