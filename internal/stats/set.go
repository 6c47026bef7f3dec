// Package stats reduces streams of packet tensors to per-packet Gaussian
// statistics.
package stats

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInsufficientSamples means fewer than two samples reached the accumulator.
	ErrInsufficientSamples = errors.New("stats: at least 2 samples are required for a covariance")
	// ErrShapeMismatch means a batch or statistics set disagrees with the expected shape.
	ErrShapeMismatch = errors.New("stats: shape mismatch")
	// ErrEmptySet means a statistics set holds no packets.
	ErrEmptySet = errors.New("stats: statistics set is empty")
)

// Set is one dataset's packet statistics: a mean vector and an unbiased
// covariance matrix per packet, indexed in transformer packet order.
type Set struct {
	Mean []*mat.VecDense
	Cov  []*mat.SymDense
	// Samples is the number of images reduced into the set, 0 when unknown
	// (for example after loading an archive).
	Samples int
}

// PacketCount returns the number of packets.
func (s *Set) PacketCount() int { return len(s.Mean) }

// FeatureDim returns the per-packet vector length.
func (s *Set) FeatureDim() int {
	if len(s.Mean) == 0 {
		return 0
	}
	return s.Mean[0].Len()
}

// Validate checks that every packet carries a mean and a square covariance of
// the same dimension.
func (s *Set) Validate() error {
	if s == nil || len(s.Mean) == 0 {
		return ErrEmptySet
	}
	if len(s.Cov) != len(s.Mean) {
		return fmt.Errorf("%w: %d means, %d covariances", ErrShapeMismatch, len(s.Mean), len(s.Cov))
	}
	dim := s.FeatureDim()
	for p := range s.Mean {
		if s.Mean[p] == nil || s.Cov[p] == nil {
			return fmt.Errorf("%w: packet %d missing statistics", ErrShapeMismatch, p)
		}
		if s.Mean[p].Len() != dim {
			return fmt.Errorf("%w: packet %d mean has %d entries, want %d", ErrShapeMismatch, p, s.Mean[p].Len(), dim)
		}
		if n := s.Cov[p].SymmetricDim(); n != dim {
			return fmt.Errorf("%w: packet %d covariance is %dx%d, want %dx%d", ErrShapeMismatch, p, n, n, dim, dim)
		}
	}
	return nil
}

// Compatible reports whether two sets can be compared packet by packet.
func (s *Set) Compatible(o *Set) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return err
	}
	if s.PacketCount() != o.PacketCount() {
		return fmt.Errorf("%w: packet count %d vs %d", ErrShapeMismatch, s.PacketCount(), o.PacketCount())
	}
	if s.FeatureDim() != o.FeatureDim() {
		return fmt.Errorf("%w: feature dim %d vs %d", ErrShapeMismatch, s.FeatureDim(), o.FeatureDim())
	}
	return nil
}
