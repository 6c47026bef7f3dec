// Package wavelet implements the 2D wavelet packet decomposition used to turn
// image batches into per-packet feature vectors.
package wavelet

import (
	"errors"
	"fmt"
	"math"

	"fwd-forge/internal/tensor"
)

// ErrIndivisible reports spatial dimensions that cannot be halved MaxLevel times.
var ErrIndivisible = errors.New("wavelet: image size not divisible by 2^max_level")

// ErrInvalidLevel reports a non-positive decomposition depth.
var ErrInvalidLevel = errors.New("wavelet: max_level must be >= 1")

// Options configures a Transformer.
type Options struct {
	Wavelet   string
	MaxLevel  int
	LogScale  bool
	Precision tensor.Precision
}

// Transformer decomposes image batches into 4^MaxLevel packets. Packet p at
// level l splits into children 4p+0..3 ordered LL, LH, HL, HH, where the first
// letter is the filter applied along height and the second along width.
type Transformer struct {
	filter    Filter
	maxLevel  int
	logScale  bool
	precision tensor.Precision
}

// New validates opts and builds a Transformer.
func New(opts Options) (*Transformer, error) {
	if opts.MaxLevel < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidLevel, opts.MaxLevel)
	}
	f, err := Lookup(opts.Wavelet)
	if err != nil {
		return nil, err
	}
	return &Transformer{
		filter:    f,
		maxLevel:  opts.MaxLevel,
		logScale:  opts.LogScale,
		precision: opts.Precision,
	}, nil
}

// Wavelet returns the filter name in use.
func (t *Transformer) Wavelet() string { return t.filter.Name }

// MaxLevel returns the decomposition depth.
func (t *Transformer) MaxLevel() int { return t.maxLevel }

// LogScale reports whether coefficients leave the transformer log-scaled.
func (t *Transformer) LogScale() bool { return t.logScale }

// Precision returns the arithmetic width in use.
func (t *Transformer) Precision() tensor.Precision { return t.precision }

// PacketCount is 4^MaxLevel.
func (t *Transformer) PacketCount() int { return 1 << (2 * t.maxLevel) }

// CheckShape verifies that height and width survive MaxLevel halvings.
func (t *Transformer) CheckShape(height, width int) error {
	factor := 1 << t.maxLevel
	if height <= 0 || width <= 0 || height%factor != 0 || width%factor != 0 {
		return fmt.Errorf("%w: %dx%d with max_level %d (factor %d)", ErrIndivisible, height, width, t.maxLevel, factor)
	}
	return nil
}

// FeatureDim is channels * (height/2^L) * (width/2^L).
func (t *Transformer) FeatureDim(channels, height, width int) int {
	return channels * (height >> t.maxLevel) * (width >> t.maxLevel)
}

// Transform decomposes every plane of b and returns packets shaped [P, N, D].
func (t *Transformer) Transform(b tensor.Batch) (*tensor.Packets, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := t.CheckShape(b.Height, b.Width); err != nil {
		return nil, err
	}
	hn, wn := b.Height>>t.maxLevel, b.Width>>t.maxLevel
	bandSize := hn * wn
	out := tensor.NewPackets(t.PacketCount(), b.N, b.Channels*bandSize)

	var s splitter
	for n := 0; n < b.N; n++ {
		for c := 0; c < b.Channels; c++ {
			bands := t.decompose(&s, b.Plane(n, c), b.Height, b.Width)
			for p, band := range bands {
				dst := out.Sample(p, n)[c*bandSize : (c+1)*bandSize]
				copy(dst, band)
			}
		}
	}
	if t.logScale {
		logScale(out.Data)
		t.precision.RoundAll(out.Data)
	}
	return out, nil
}

// decompose runs the full packet tree for one plane and returns the leaves in
// packet order.
func (t *Transformer) decompose(s *splitter, plane []float64, height, width int) [][]float64 {
	first := make([]float64, len(plane))
	copy(first, plane)
	t.precision.RoundAll(first)

	bands := [][]float64{first}
	h, w := height, width
	for level := 0; level < t.maxLevel; level++ {
		next := make([][]float64, 0, len(bands)*4)
		for _, band := range bands {
			ll, lh, hl, hh := s.split(t.filter, band, h, w)
			for _, child := range [][]float64{ll, lh, hl, hh} {
				t.precision.RoundAll(child)
				next = append(next, child)
			}
		}
		bands = next
		h, w = h/2, w/2
	}
	return bands
}

// splitter owns the scratch rows and columns reused across splits.
type splitter struct {
	col, colLo, colHi []float64
}

func (s *splitter) ensure(n int) {
	if cap(s.col) < n {
		s.col = make([]float64, n)
		s.colLo = make([]float64, n/2)
		s.colHi = make([]float64, n/2)
	}
	s.col = s.col[:n]
	s.colLo = s.colLo[:n/2]
	s.colHi = s.colHi[:n/2]
}

// split applies one 2D analysis step to an h x w band.
func (s *splitter) split(f Filter, band []float64, h, w int) (ll, lh, hl, hh []float64) {
	hw, hh2 := w/2, h/2

	// along width: every row yields a low and a high half row
	lowW := make([]float64, h*hw)
	highW := make([]float64, h*hw)
	for y := 0; y < h; y++ {
		f.analyze(band[y*w:(y+1)*w], lowW[y*hw:(y+1)*hw], highW[y*hw:(y+1)*hw])
	}

	size := hh2 * hw
	ll = make([]float64, size)
	hl = make([]float64, size)
	lh = make([]float64, size)
	hh = make([]float64, size)

	s.ensure(h)
	s.columns(f, lowW, h, hw, ll, hl)
	s.columns(f, highW, h, hw, lh, hh)
	return ll, lh, hl, hh
}

// columns filters every column of the h x w matrix src along height.
func (s *splitter) columns(f Filter, src []float64, h, w int, lo, hi []float64) {
	half := h / 2
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			s.col[y] = src[y*w+x]
		}
		f.analyze(s.col, s.colLo, s.colHi)
		for y := 0; y < half; y++ {
			lo[y*w+x] = s.colLo[y]
			hi[y*w+x] = s.colHi[y]
		}
	}
}

// logScale applies sign(x)*log(1+|x|) in place; zero stays zero.
func logScale(data []float64) {
	for i, v := range data {
		data[i] = math.Copysign(math.Log1p(math.Abs(v)), v)
	}
}
