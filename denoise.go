package unmix

import "gonum.org/v1/gonum/mat"

// DenoiseSVD projects X onto its top-rank singular triplets and
// reconstructs, discarding the remainder as noise. A rank above
// min(n_samples, n_features) is clamped down, reported through the second
// return value; rank <= 0 disables denoising. Negatives introduced by the
// truncated reconstruction are clipped to 0. X is never modified.
func DenoiseSVD(x *mat.Dense, rank int) (*mat.Dense, bool) {
	r, c := x.Dims()
	if rank <= 0 {
		return mat.DenseCopyOf(x), false
	}
	clamped := false
	if limit := min(r, c); rank > limit {
		rank = limit
		clamped = true
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		// Factorization failure leaves the data as-is rather than guessing.
		return mat.DenseCopyOf(x), clamped
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	uk := u.Slice(0, r, 0, rank)
	vk := v.Slice(0, c, 0, rank)
	sk := mat.NewDiagDense(rank, values[:rank])

	var us, out mat.Dense
	us.Mul(uk, sk)
	out.Mul(&us, vk.T())

	clipNegativesInPlace(&out)
	return &out, clamped
}
