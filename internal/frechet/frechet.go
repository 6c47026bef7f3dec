// Package frechet computes the closed-form Fréchet distance between Gaussian
// packet statistics.
package frechet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"fwd-forge/internal/stats"
)

// DefaultImagTolerance is the discarded imaginary magnitude above which a
// warning is logged.
const DefaultImagTolerance = 1e-3

var (
	// ErrDimensionMismatch reports mean or covariance shapes that cannot be compared.
	ErrDimensionMismatch = errors.New("frechet: dimension mismatch")
	// ErrEigenFailed reports a symmetric eigendecomposition that did not converge.
	ErrEigenFailed = errors.New("frechet: eigendecomposition did not converge")
)

// Distance is one packet's Fréchet distance together with the imaginary
// magnitude dropped from the matrix square root.
type Distance struct {
	Value     float64
	Discarded float64
}

// Compute returns ||mu1-mu2||^2 + tr(S1 + S2 - 2 (S1^1/2 S2 S1^1/2)^1/2).
//
// Both square roots go through a symmetric eigendecomposition. Negative
// eigenvalues, of sigma1 or of the inner product, would produce an imaginary
// root; they are clipped to zero and the largest sqrt(|lambda|) across both
// roots is reported as Discarded.
func Compute(mu1, mu2 *mat.VecDense, sigma1, sigma2 *mat.SymDense) (Distance, error) {
	d := mu1.Len()
	if mu2.Len() != d || sigma1.SymmetricDim() != d || sigma2.SymmetricDim() != d {
		return Distance{}, fmt.Errorf("%w: mu %d/%d, sigma %d/%d",
			ErrDimensionMismatch, mu1.Len(), mu2.Len(), sigma1.SymmetricDim(), sigma2.SymmetricDim())
	}

	var diff mat.VecDense
	diff.SubVec(mu1, mu2)
	meanTerm := mat.Dot(&diff, &diff)

	root1, discarded, err := sqrtSym(sigma1)
	if err != nil {
		return Distance{}, err
	}

	// inner = root1 * sigma2 * root1, symmetric up to rounding
	var tmp, prod mat.Dense
	tmp.Mul(root1, sigma2)
	prod.Mul(&tmp, root1)
	inner := symmetrize(&prod)

	vals, err := eigenvalues(inner)
	if err != nil {
		return Distance{}, err
	}
	var traceRoot float64
	for _, v := range vals {
		if v < 0 {
			discarded = math.Max(discarded, math.Sqrt(-v))
			continue
		}
		traceRoot += math.Sqrt(v)
	}

	value := meanTerm + mat.Trace(sigma1) + mat.Trace(sigma2) - 2*traceRoot
	return Distance{Value: value, Discarded: discarded}, nil
}

// Result holds per-packet distances and their mean.
type Result struct {
	PerPacket []float64
	Mean      float64
}

// Evaluator computes distances for whole statistics sets.
type Evaluator struct {
	// Workers bounds the packets evaluated concurrently; <= 0 means one.
	Workers int
	// ImagTolerance defaults to DefaultImagTolerance when zero.
	ImagTolerance float64
	Logger        *slog.Logger
}

// Evaluate checks that a and b are comparable, then computes every packet's
// distance and the arithmetic mean across packets.
func (e *Evaluator) Evaluate(ctx context.Context, a, b *stats.Set) (*Result, error) {
	if err := a.Compatible(b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDimensionMismatch, err)
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tol := e.ImagTolerance
	if tol <= 0 {
		tol = DefaultImagTolerance
	}
	workers := e.Workers
	if workers <= 0 {
		workers = 1
	}

	per := make([]float64, a.PacketCount())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for p := range per {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := Compute(a.Mean[p], b.Mean[p], a.Cov[p], b.Cov[p])
			if err != nil {
				return fmt.Errorf("packet %d: %w", p, err)
			}
			if d.Discarded > tol {
				logger.Warn("discarded imaginary component of matrix square root",
					slog.Int("packet", p),
					slog.Float64("magnitude", d.Discarded),
					slog.Float64("tolerance", tol))
			}
			per[p] = d.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var sum float64
	for _, v := range per {
		sum += v
	}
	return &Result{PerPacket: per, Mean: sum / float64(len(per))}, nil
}

// sqrtSym returns the principal square root of a symmetric PSD matrix, with
// negative eigenvalues clipped to zero.
func sqrtSym(a mat.Symmetric) (*mat.SymDense, float64, error) {
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return nil, 0, ErrEigenFailed
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	var discarded float64
	n := len(vals)
	scaled := mat.NewDense(n, n, nil)
	scaled.Copy(&vecs)
	for j, v := range vals {
		if v < 0 {
			discarded = math.Max(discarded, math.Sqrt(-v))
			v = 0
		}
		root := math.Sqrt(v)
		for i := 0; i < n; i++ {
			scaled.Set(i, j, scaled.At(i, j)*root)
		}
	}
	var out mat.Dense
	out.Mul(scaled, vecs.T())
	return symmetrize(&out), discarded, nil
}

func eigenvalues(a mat.Symmetric) ([]float64, error) {
	var eig mat.EigenSym
	if !eig.Factorize(a, false) {
		return nil, ErrEigenFailed
	}
	return eig.Values(nil), nil
}

// symmetrize returns (m + m^T) / 2 as a SymDense.
func symmetrize(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return s
}
