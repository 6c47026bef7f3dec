package stats

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"fwd-forge/internal/tensor"
)

// samples returns [P][N][D] random data with a per-packet offset so that the
// packets differ.
func samples(packets, n, dim int, seed int64) [][][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][][]float64, packets)
	for p := range out {
		out[p] = make([][]float64, n)
		for s := range out[p] {
			row := make([]float64, dim)
			for i := range row {
				row[i] = 1000 + float64(p) + rng.NormFloat64()*float64(i+1)
			}
			out[p][s] = row
		}
	}
	return out
}

func packetsFor(data [][][]float64, from, to int) *tensor.Packets {
	dim := len(data[0][0])
	pk := tensor.NewPackets(len(data), to-from, dim)
	for p := range data {
		for s := from; s < to; s++ {
			copy(pk.Sample(p, s-from), data[p][s])
		}
	}
	return pk
}

func accumulate(t *testing.T, data [][][]float64, batch int) *Set {
	t.Helper()
	n := len(data[0])
	acc := NewAccumulator(len(data), len(data[0][0]), tensor.Float64)
	for from := 0; from < n; from += batch {
		to := from + batch
		if to > n {
			to = n
		}
		require.NoError(t, acc.Add(packetsFor(data, from, to)))
	}
	require.Equal(t, n, acc.Count())
	set, err := acc.Statistics()
	require.NoError(t, err)
	return set
}

func TestAccumulatorMatchesUnbiasedCovariance(t *testing.T) {
	data := samples(3, 40, 5, 1)
	set := accumulate(t, data, 7)
	require.Equal(t, 40, set.Samples)

	for p := range data {
		x := mat.NewDense(len(data[p]), len(data[p][0]), nil)
		for s, row := range data[p] {
			x.SetRow(s, row)
		}
		want := mat.NewSymDense(5, nil)
		stat.CovarianceMatrix(want, x, nil)
		for i := 0; i < 5; i++ {
			col := mat.Col(nil, i, x)
			require.InDelta(t, stat.Mean(col, nil), set.Mean[p].AtVec(i), 1e-9)
			for j := 0; j < 5; j++ {
				require.InDelta(t, want.At(i, j), set.Cov[p].At(i, j), 1e-8, "packet %d (%d,%d)", p, i, j)
			}
		}
	}
}

func TestAccumulatorUsesBesselCorrection(t *testing.T) {
	// two samples {0, 2}: biased variance 1, unbiased 2
	acc := NewAccumulator(1, 1, tensor.Float64)
	pk := tensor.NewPackets(1, 2, 1)
	pk.Data[0], pk.Data[1] = 0, 2
	require.NoError(t, acc.Add(pk))
	set, err := acc.Statistics()
	require.NoError(t, err)
	require.InDelta(t, 1.0, set.Mean[0].AtVec(0), 1e-12)
	require.InDelta(t, 2.0, set.Cov[0].At(0, 0), 1e-12)
}

func TestAccumulatorPartitionInvariance(t *testing.T) {
	const n = 32
	data := samples(4, n, 6, 2)
	whole := accumulate(t, data, n)
	for _, batch := range []int{1, n / 2, 5} {
		got := accumulate(t, data, batch)
		for p := range data {
			require.True(t, mat.EqualApprox(whole.Mean[p], got.Mean[p], 1e-9), "batch %d mean packet %d", batch, p)
			require.True(t, mat.EqualApprox(whole.Cov[p], got.Cov[p], 1e-7), "batch %d cov packet %d", batch, p)
		}
	}
}

func TestAccumulatorInsufficientSamples(t *testing.T) {
	acc := NewAccumulator(2, 3, tensor.Float64)
	_, err := acc.Statistics()
	require.ErrorIs(t, err, ErrInsufficientSamples)

	require.NoError(t, acc.Add(tensor.NewPackets(2, 1, 3)))
	_, err = acc.Statistics()
	require.ErrorIs(t, err, ErrInsufficientSamples)

	require.NoError(t, acc.Add(tensor.NewPackets(2, 1, 3)))
	_, err = acc.Statistics()
	require.NoError(t, err)
}

func TestAccumulatorRejectsShapeChange(t *testing.T) {
	acc := NewAccumulator(4, 3, tensor.Float64)
	require.ErrorIs(t, acc.Add(tensor.NewPackets(4, 2, 5)), ErrShapeMismatch)
	require.ErrorIs(t, acc.Add(tensor.NewPackets(16, 2, 3)), ErrShapeMismatch)

	bad := tensor.NewPackets(4, 2, 3)
	bad.Data = bad.Data[:5]
	require.ErrorIs(t, acc.Add(bad), tensor.ErrPacketShape)
}

func TestAccumulatorZeroInput(t *testing.T) {
	acc := NewAccumulator(2, 4, tensor.Float64)
	require.NoError(t, acc.Add(tensor.NewPackets(2, 3, 4)))
	require.NoError(t, acc.Add(tensor.NewPackets(2, 5, 4)))
	set, err := acc.Statistics()
	require.NoError(t, err)
	for p := 0; p < 2; p++ {
		require.Zero(t, mat.Norm(set.Mean[p], 2))
		require.Zero(t, mat.Norm(set.Cov[p], 2))
	}
}

func TestSetCompatible(t *testing.T) {
	a := accumulate(t, samples(2, 4, 3, 1), 2)
	b := accumulate(t, samples(2, 4, 3, 2), 4)
	require.NoError(t, a.Compatible(b))

	c := accumulate(t, samples(2, 4, 4, 3), 4)
	require.ErrorIs(t, a.Compatible(c), ErrShapeMismatch)

	d := accumulate(t, samples(3, 4, 3, 3), 4)
	require.ErrorIs(t, a.Compatible(d), ErrShapeMismatch)

	require.ErrorIs(t, a.Compatible(&Set{}), ErrEmptySet)
}
