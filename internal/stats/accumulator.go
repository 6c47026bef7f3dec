package stats

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"fwd-forge/internal/tensor"
)

// Accumulator folds packet tensors into running per-packet means and
// co-moment matrices. Batches are merged with the pairwise update of Chan et
// al., so memory stays at O(P*D^2) regardless of the number of batches and the
// result does not depend on how samples were partitioned.
type Accumulator struct {
	packets   int
	dim       int
	precision tensor.Precision

	n    int
	mean []*mat.VecDense
	m2   []*mat.SymDense

	// per-batch scratch
	centered *mat.Dense
	batchM2  *mat.SymDense
	batchMu  *mat.VecDense
	delta    *mat.VecDense
}

// NewAccumulator prepares an empty accumulator for packets x dim features.
func NewAccumulator(packets, dim int, precision tensor.Precision) *Accumulator {
	a := &Accumulator{
		packets:   packets,
		dim:       dim,
		precision: precision,
		mean:      make([]*mat.VecDense, packets),
		m2:        make([]*mat.SymDense, packets),
		batchM2:   mat.NewSymDense(dim, nil),
		batchMu:   mat.NewVecDense(dim, nil),
		delta:     mat.NewVecDense(dim, nil),
	}
	for p := 0; p < packets; p++ {
		a.mean[p] = mat.NewVecDense(dim, nil)
		a.m2[p] = mat.NewSymDense(dim, nil)
	}
	return a
}

// Count returns the number of samples folded so far.
func (a *Accumulator) Count() int { return a.n }

// Add folds one packet tensor into the running statistics.
func (a *Accumulator) Add(pk *tensor.Packets) error {
	if err := pk.Validate(); err != nil {
		return err
	}
	if pk.Count != a.packets || pk.FeatureDim != a.dim {
		return fmt.Errorf("%w: batch is [%d _ %d], accumulator expects [%d _ %d]",
			ErrShapeMismatch, pk.Count, pk.FeatureDim, a.packets, a.dim)
	}
	nb := pk.N
	if nb == 0 {
		return nil
	}
	if a.centered == nil || a.centered.RawMatrix().Rows != nb {
		a.centered = mat.NewDense(nb, a.dim, nil)
	}

	na := a.n
	total := na + nb
	for p := 0; p < a.packets; p++ {
		block := pk.Packet(p)
		a.precision.RoundAll(block)

		// batch mean
		mu := a.batchMu.RawVector().Data
		for i := range mu {
			mu[i] = 0
		}
		for s := 0; s < nb; s++ {
			row := block[s*a.dim : (s+1)*a.dim]
			for i, v := range row {
				mu[i] += v
			}
		}
		for i := range mu {
			mu[i] /= float64(nb)
		}

		// batch co-moment: X_c^T X_c with X_c the centred samples
		raw := a.centered.RawMatrix()
		for s := 0; s < nb; s++ {
			row := block[s*a.dim : (s+1)*a.dim]
			dst := raw.Data[s*raw.Stride : s*raw.Stride+a.dim]
			for i, v := range row {
				dst[i] = v - mu[i]
			}
		}
		a.batchM2.SymOuterK(1, a.centered.T())

		if na == 0 {
			a.mean[p].CopyVec(a.batchMu)
			a.m2[p].CopySym(a.batchM2)
			continue
		}

		// merge: delta = mu_b - mu_a
		a.delta.SubVec(a.batchMu, a.mean[p])
		a.mean[p].AddScaledVec(a.mean[p], float64(nb)/float64(total), a.delta)
		a.m2[p].AddSym(a.m2[p], a.batchM2)
		a.m2[p].SymRankOne(a.m2[p], float64(na)*float64(nb)/float64(total), a.delta)
	}
	a.n = total
	return nil
}

// Statistics returns the means and unbiased (N-1) covariances. The
// accumulator can keep receiving batches afterwards.
func (a *Accumulator) Statistics() (*Set, error) {
	if a.n < 2 {
		return nil, fmt.Errorf("%w (got %d)", ErrInsufficientSamples, a.n)
	}
	set := &Set{
		Mean:    make([]*mat.VecDense, a.packets),
		Cov:     make([]*mat.SymDense, a.packets),
		Samples: a.n,
	}
	scale := 1 / float64(a.n-1)
	for p := 0; p < a.packets; p++ {
		mean := mat.NewVecDense(a.dim, nil)
		mean.CopyVec(a.mean[p])
		cov := mat.NewSymDense(a.dim, nil)
		cov.ScaleSym(scale, a.m2[p])
		set.Mean[p] = mean
		set.Cov[p] = cov
	}
	return set, nil
}
