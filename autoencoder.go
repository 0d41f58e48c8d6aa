package unmix

import (
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Autoencoder training schedule. Mirrors the defaults the decomposition was
// tuned with; not exposed through FilterConfig.
const (
	aeEpochs      = 200
	aeBatchSize   = 32
	aeLearnRate   = 0.001
	aeWeightDecay = 1e-5
	aeDropout     = 0.2
	aePatience    = 20
	aeL1Penalty   = 0.01
	aeMinImprove  = 1e-6
)

// aeFilter is a dense autoencoder reducer. The shallow variant compresses
// through one hidden layer per side, the deep variant through two. Inputs
// are standardized per feature before training; decoding restores the
// original scale.
type aeFilter struct {
	components int
	seed       uint64
	deep       bool
	rep        *Report
	logger     *zap.Logger

	mean, std []float64
	enc, dec  []*denseLayer
	inDim     int
}

var _ PreFilter = (*aeFilter)(nil)

func newAEFilter(components int, seed uint64, deep bool, rep *Report, logger *zap.Logger) *aeFilter {
	return &aeFilter{
		components: components,
		seed:       seed,
		deep:       deep,
		rep:        rep,
		logger:     logger,
	}
}

// denseLayer is one fully connected layer with its Adam state.
type denseLayer struct {
	w      *mat.Dense // out × in
	b      []float64
	relu   bool // ReLU + dropout on the output during training
	mw, vw []float64
	mb, vb []float64
}

func newDenseLayer(in, out int, relu bool, rng *rand.Rand) *denseLayer {
	w := mat.NewDense(out, in, nil)
	raw := w.RawMatrix()
	bound := 1.0 / math.Sqrt(float64(in))
	for i := range raw.Data {
		raw.Data[i] = (2*rng.Float64() - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (2*rng.Float64() - 1) * bound
	}
	return &denseLayer{
		w:    w,
		b:    b,
		relu: relu,
		mw:   make([]float64, out*in),
		vw:   make([]float64, out*in),
		mb:   make([]float64, out),
		vb:   make([]float64, out),
	}
}

func (f *aeFilter) FitTransform(x *mat.Dense) (*mat.Dense, error) {
	n, m := x.Dims()
	if f.components < 1 {
		return nil, configErrorf("autoencoder components must be positive, got %d", f.components)
	}

	f.inDim = m
	f.mean = make([]float64, m)
	f.std = make([]float64, m)
	col := make([]float64, n)
	for j := range m {
		mat.Col(col, j, x)
		mu, sigma := stat.MeanStdDev(col, nil)
		if sigma == 0 || math.IsNaN(sigma) {
			sigma = 1
		}
		f.mean[j] = mu
		f.std[j] = sigma
	}

	rng := rand.New(rand.NewPCG(f.seed, f.seed+1))

	hidden := []int{64}
	if f.deep {
		hidden = []int{128, 64}
	}
	f.enc = nil
	f.dec = nil
	prev := m
	for _, hsize := range hidden {
		f.enc = append(f.enc, newDenseLayer(prev, hsize, true, rng))
		prev = hsize
	}
	f.enc = append(f.enc, newDenseLayer(prev, f.components, false, rng))
	prev = f.components
	for i := len(hidden) - 1; i >= 0; i-- {
		f.dec = append(f.dec, newDenseLayer(prev, hidden[i], true, rng))
		prev = hidden[i]
	}
	f.dec = append(f.dec, newDenseLayer(prev, m, false, rng))

	xs := f.standardize(x)
	f.train(xs, rng)

	return f.Transform(x)
}

// train runs minibatch Adam with early stopping on the epoch loss.
func (f *aeFilter) train(xs *mat.Dense, rng *rand.Rand) {
	n, _ := xs.Dims()
	layers := append(append([]*denseLayer{}, f.enc...), f.dec...)
	latIdx := len(f.enc) - 1 // layer whose output is the latent code

	bestLoss := math.Inf(1)
	patience := 0
	step := 0
	stopped := false

	for epoch := 1; epoch <= aeEpochs; epoch++ {
		perm := rng.Perm(n)
		epochLoss := 0.0
		batches := 0

		for start := 0; start < n; start += aeBatchSize {
			end := min(start+aeBatchSize, n)
			batch := gatherRows(xs, perm[start:end])
			step++
			epochLoss += f.trainBatch(layers, latIdx, batch, step, rng)
			batches++
		}
		epochLoss /= float64(batches)

		if epochLoss < bestLoss-aeMinImprove {
			bestLoss = epochLoss
			patience = 0
		} else {
			patience++
			if patience >= aePatience {
				f.logger.Debug("autoencoder early stop",
					zap.Int("epoch", epoch),
					zap.Float64("loss", epochLoss),
				)
				stopped = true
				break
			}
		}
		if epoch == 1 || epoch%50 == 0 {
			f.logger.Debug("autoencoder epoch",
				zap.Int("epoch", epoch),
				zap.Float64("loss", epochLoss),
			)
		}
	}
	if !stopped {
		f.rep.warnf(WarnNotConverged, "autoencoder used all %d epochs without a loss plateau; last weights kept", aeEpochs)
	}
}

// trainBatch runs one forward/backward pass and applies the Adam update.
// Returns the batch loss (reconstruction MSE plus latent L1).
func (f *aeFilter) trainBatch(layers []*denseLayer, latIdx int, batch *mat.Dense, step int, rng *rand.Rand) float64 {
	bsz, _ := batch.Dims()

	// Forward, keeping inputs, pre-activations and dropout masks per layer.
	acts := make([]*mat.Dense, len(layers)+1)
	preacts := make([]*mat.Dense, len(layers))
	masks := make([][]float64, len(layers))
	acts[0] = batch
	for li, layer := range layers {
		z := layer.forward(acts[li])
		preacts[li] = z
		a := z
		if layer.relu {
			a = mat.DenseCopyOf(z)
			raw := a.RawMatrix()
			mask := make([]float64, len(raw.Data))
			keep := 1 - aeDropout
			for i := range raw.Data {
				if raw.Data[i] < 0 {
					raw.Data[i] = 0
				}
				if rng.Float64() < keep {
					mask[i] = 1 / keep
				}
				raw.Data[i] *= mask[i]
			}
			masks[li] = mask
		}
		acts[li+1] = a
	}

	recon := acts[len(layers)]
	latent := acts[latIdx+1]
	_, outDim := recon.Dims()
	_, latDim := latent.Dims()

	// Loss and its gradient at the output.
	loss := 0.0
	delta := mat.NewDense(bsz, outDim, nil)
	for i := range bsz {
		rrow := recon.RawRowView(i)
		xrow := batch.RawRowView(i)
		drow := delta.RawRowView(i)
		for j := range outDim {
			diff := rrow[j] - xrow[j]
			loss += diff * diff
			drow[j] = 2 * diff / float64(bsz*outDim)
		}
	}
	loss /= float64(bsz * outDim)
	l1 := 0.0
	for _, v := range latent.RawMatrix().Data {
		l1 += math.Abs(v)
	}
	loss += aeL1Penalty * l1 / float64(bsz*latDim)

	// Backward.
	for li := len(layers) - 1; li >= 0; li-- {
		layer := layers[li]
		if layer.relu {
			draw := delta.RawMatrix()
			praw := preacts[li].RawMatrix()
			mask := masks[li]
			for i := range draw.Data {
				if praw.Data[i] <= 0 {
					draw.Data[i] = 0
				} else {
					draw.Data[i] *= mask[i]
				}
			}
		}
		delta = layer.backward(acts[li], delta, step)
		if li-1 == latIdx {
			// delta now sits at the latent code; add the sparsity term.
			lraw := latent.RawMatrix()
			draw := delta.RawMatrix()
			g := aeL1Penalty / float64(bsz*latDim)
			for i := range draw.Data {
				if lraw.Data[i] > 0 {
					draw.Data[i] += g
				} else if lraw.Data[i] < 0 {
					draw.Data[i] -= g
				}
			}
		}
	}
	return loss
}

// forward computes a·Wᵀ + b.
func (l *denseLayer) forward(a *mat.Dense) *mat.Dense {
	var z mat.Dense
	z.Mul(a, l.w.T())
	raw := z.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			row[j] += l.b[j]
		}
	}
	return &z
}

// backward consumes dLoss/dZ, applies the Adam update to this layer and
// returns dLoss/dInput for the layer below.
func (l *denseLayer) backward(aIn, dz *mat.Dense, step int) *mat.Dense {
	var dw mat.Dense
	dw.Mul(dz.T(), aIn)

	dzRaw := dz.RawMatrix()
	db := make([]float64, dzRaw.Cols)
	for i := 0; i < dzRaw.Rows; i++ {
		row := dzRaw.Data[i*dzRaw.Stride : i*dzRaw.Stride+dzRaw.Cols]
		for j, v := range row {
			db[j] += v
		}
	}

	var dIn mat.Dense
	dIn.Mul(dz, l.w)

	const (
		beta1   = 0.9
		beta2   = 0.999
		adamEps = 1e-8
	)
	b1t := 1 - math.Pow(beta1, float64(step))
	b2t := 1 - math.Pow(beta2, float64(step))

	wRaw := l.w.RawMatrix()
	dwRaw := dw.RawMatrix()
	for i := range wRaw.Data {
		g := dwRaw.Data[i] + aeWeightDecay*wRaw.Data[i]
		l.mw[i] = beta1*l.mw[i] + (1-beta1)*g
		l.vw[i] = beta2*l.vw[i] + (1-beta2)*g*g
		mhat := l.mw[i] / b1t
		vhat := l.vw[i] / b2t
		wRaw.Data[i] -= aeLearnRate * mhat / (math.Sqrt(vhat) + adamEps)
	}
	for j := range l.b {
		g := db[j]
		l.mb[j] = beta1*l.mb[j] + (1-beta1)*g
		l.vb[j] = beta2*l.vb[j] + (1-beta2)*g*g
		mhat := l.mb[j] / b1t
		vhat := l.vb[j] / b2t
		l.b[j] -= aeLearnRate * mhat / (math.Sqrt(vhat) + adamEps)
	}
	return &dIn
}

func (f *aeFilter) Transform(x *mat.Dense) (*mat.Dense, error) {
	if f.enc == nil {
		return nil, configErrorf("autoencoder used before fit")
	}
	_, m := x.Dims()
	if m != f.inDim {
		return nil, newDimensionError("autoencoder transform", f.inDim, m)
	}
	a := f.standardize(x)
	for _, layer := range f.enc {
		a = layer.infer(a)
	}
	return a, nil
}

func (f *aeFilter) InverseTransform(z *mat.Dense) (*mat.Dense, error) {
	if f.dec == nil {
		return nil, configErrorf("autoencoder used before fit")
	}
	n, c := z.Dims()
	if c != f.components {
		return nil, newDimensionError("autoencoder inverse transform", f.components, c)
	}
	a := z
	for _, layer := range f.dec {
		a = layer.infer(a)
	}
	out := mat.NewDense(n, f.inDim, nil)
	for i := range n {
		src := a.RawRowView(i)
		dst := out.RawRowView(i)
		for j := range f.inDim {
			dst[j] = src[j]*f.std[j] + f.mean[j]
		}
	}
	return out, nil
}

// infer is forward without dropout.
func (l *denseLayer) infer(a *mat.Dense) *mat.Dense {
	z := l.forward(a)
	if l.relu {
		raw := z.RawMatrix()
		for i := range raw.Data {
			if raw.Data[i] < 0 {
				raw.Data[i] = 0
			}
		}
	}
	return z
}

func (f *aeFilter) standardize(x *mat.Dense) *mat.Dense {
	n, m := x.Dims()
	out := mat.NewDense(n, m, nil)
	for i := range n {
		src := x.RawRowView(i)
		dst := out.RawRowView(i)
		for j := range m {
			dst[j] = (src[j] - f.mean[j]) / f.std[j]
		}
	}
	return out
}

func (f *aeFilter) Components() int { return f.components }
func (f *aeFilter) InputDim() int   { return f.inDim }

func gatherRows(x *mat.Dense, idx []int) *mat.Dense {
	_, m := x.Dims()
	out := mat.NewDense(len(idx), m, nil)
	for i, r := range idx {
		out.SetRow(i, x.RawRowView(r))
	}
	return out
}
