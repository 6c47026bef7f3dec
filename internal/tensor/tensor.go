// Package tensor holds the dense numeric containers passed between the loader,
// the wavelet packet transformer and the statistics accumulator.
package tensor

import (
	"errors"
	"fmt"
)

// Precision selects the arithmetic width used while transforming and
// accumulating. Statistics are always reported as float64.
type Precision int

const (
	Float64 Precision = iota
	Float32
)

// ParsePrecision maps a config value to a Precision.
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "", "float64", "f64", "double":
		return Float64, nil
	case "float32", "f32", "single":
		return Float32, nil
	}
	return Float64, fmt.Errorf("tensor: unknown precision %q", s)
}

func (p Precision) String() string {
	if p == Float32 {
		return "float32"
	}
	return "float64"
}

// Round narrows v to the receiver's precision.
func (p Precision) Round(v float64) float64 {
	if p == Float32 {
		return float64(float32(v))
	}
	return v
}

// RoundAll narrows every element of data in place.
func (p Precision) RoundAll(data []float64) {
	if p != Float32 {
		return
	}
	for i, v := range data {
		data[i] = float64(float32(v))
	}
}

// Batch is a [N, C, H, W] block of images with values in [0, 1].
type Batch struct {
	Index    int
	N        int
	Channels int
	Height   int
	Width    int
	Data     []float64
}

// NewBatch allocates a zeroed batch.
func NewBatch(n, channels, height, width int) Batch {
	return Batch{
		N:        n,
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float64, n*channels*height*width),
	}
}

// PlaneSize is the number of values in one channel of one image.
func (b Batch) PlaneSize() int { return b.Height * b.Width }

// ImageSize is the number of values in one image.
func (b Batch) ImageSize() int { return b.Channels * b.Height * b.Width }

// Plane returns the H*W slice for image n, channel c.
func (b Batch) Plane(n, c int) []float64 {
	off := (n*b.Channels + c) * b.PlaneSize()
	return b.Data[off : off+b.PlaneSize()]
}

// Validate checks that the declared shape matches the backing slice.
func (b Batch) Validate() error {
	if b.N <= 0 || b.Channels <= 0 || b.Height <= 0 || b.Width <= 0 {
		return fmt.Errorf("tensor: batch shape [%d %d %d %d] has empty dimension", b.N, b.Channels, b.Height, b.Width)
	}
	if len(b.Data) != b.N*b.ImageSize() {
		return fmt.Errorf("tensor: batch holds %d values, shape needs %d", len(b.Data), b.N*b.ImageSize())
	}
	return nil
}

// Packets is the transformer output reshaped to [P, N, D] where
// D = channels * h_n * w_n.
type Packets struct {
	Count      int
	N          int
	FeatureDim int
	Data       []float64
}

// ErrPacketShape reports a packet tensor whose buffer disagrees with its shape.
var ErrPacketShape = errors.New("tensor: packet buffer does not match shape")

// NewPackets allocates a zeroed packet tensor.
func NewPackets(count, n, featureDim int) *Packets {
	return &Packets{
		Count:      count,
		N:          n,
		FeatureDim: featureDim,
		Data:       make([]float64, count*n*featureDim),
	}
}

// Packet returns the [N, D] row-major block for packet p.
func (p *Packets) Packet(idx int) []float64 {
	size := p.N * p.FeatureDim
	return p.Data[idx*size : (idx+1)*size]
}

// Sample returns the D-length vector of sample n within packet idx.
func (p *Packets) Sample(idx, n int) []float64 {
	off := (idx*p.N + n) * p.FeatureDim
	return p.Data[off : off+p.FeatureDim]
}

// Validate checks the buffer length against the declared shape.
func (p *Packets) Validate() error {
	if p == nil {
		return ErrPacketShape
	}
	if len(p.Data) != p.Count*p.N*p.FeatureDim {
		return fmt.Errorf("%w: %d values for [%d %d %d]", ErrPacketShape, len(p.Data), p.Count, p.N, p.FeatureDim)
	}
	return nil
}
