// Package store persists packet statistics as NumPy-compatible .npz archives
// holding two arrays: "mu" shaped [P, D] and "sigma" shaped [P, D, D].
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/sbinet/npyio/npy"
	"gonum.org/v1/gonum/mat"

	"fwd-forge/internal/stats"
)

// Extension marks a path as a statistics archive rather than an image directory.
const Extension = ".npz"

const (
	fieldMu    = "mu"
	fieldSigma = "sigma"
)

// symmetryTolerance is the relative asymmetry accepted in a loaded sigma.
const symmetryTolerance = 1e-6

var (
	// ErrExists is returned by Save when the destination is already present.
	ErrExists = errors.New("store: statistics archive already exists")
	// ErrMalformed reports an archive that cannot be decoded.
	ErrMalformed = errors.New("store: malformed statistics archive")
	// ErrMissingField reports an archive without "mu" or "sigma".
	ErrMissingField = errors.New("store: statistics archive is missing a field")
	// ErrNotFound reports a missing archive path.
	ErrNotFound = errors.New("store: statistics archive not found")
)

// IsArchive reports whether path names a statistics archive.
func IsArchive(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// Save writes set to path. It never replaces an existing file, and removes
// its own partial output when encoding fails.
func Save(path string, set *stats.Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("store: create %s: %w", path, err)
	}
	if err := Encode(f, set); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("store: close %s: %w", path, err)
	}
	return nil
}

// Encode writes set as a deflate-compressed npz stream.
func Encode(w io.Writer, set *stats.Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	p, d := set.PacketCount(), set.FeatureDim()

	mu := mat.NewDense(p, d, nil)
	sigma := array{shape: []int{p, d, d}, data: make([]float64, 0, p*d*d)}
	for i := 0; i < p; i++ {
		mu.SetRow(i, mat.Col(nil, 0, set.Mean[i]))
		for r := 0; r < d; r++ {
			for c := 0; c < d; c++ {
				sigma.data = append(sigma.data, set.Cov[i].At(r, c))
			}
		}
	}

	zw := zip.NewWriter(w)
	if err := writeMember(zw, fieldMu, mu); err != nil {
		return err
	}
	if err := writeMember(zw, fieldSigma, sigma.value()); err != nil {
		return err
	}
	return zw.Close()
}

func writeMember(zw *zip.Writer, name string, val any) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name + ".npy", Method: zip.Deflate})
	if err != nil {
		return err
	}
	if err := npy.Write(fw, val); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return nil
}

// Load reads the archive at path.
func Load(path string) (*stats.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	set, err := Decode(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Decode parses an npz stream. It either returns a complete, validated set or
// an error; never a partial set.
func Decode(r io.ReaderAt, size int64) (*stats.Set, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	arrays := make(map[string]array, 2)
	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, ".npy")
		if name != fieldMu && name != fieldSigma {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrMalformed, f.Name, err)
		}
		arr, err := readNPY(rc, f.UncompressedSize64)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		arrays[name] = arr
	}
	mu, ok := arrays[fieldMu]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, fieldMu)
	}
	sigma, ok := arrays[fieldSigma]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, fieldSigma)
	}
	return assemble(mu, sigma)
}

func assemble(mu, sigma array) (*stats.Set, error) {
	if len(mu.shape) != 2 {
		return nil, fmt.Errorf("%w: mu has shape %v, want [packets, dim]", ErrMalformed, mu.shape)
	}
	p, d := mu.shape[0], mu.shape[1]
	if p == 0 || d == 0 {
		return nil, fmt.Errorf("%w: mu has empty shape %v", ErrMalformed, mu.shape)
	}
	if len(sigma.shape) != 3 || sigma.shape[0] != p || sigma.shape[1] != d || sigma.shape[2] != d {
		return nil, fmt.Errorf("%w: sigma has shape %v, want [%d %d %d]", ErrMalformed, sigma.shape, p, d, d)
	}
	if len(mu.data) != p*d || len(sigma.data) != p*d*d {
		return nil, fmt.Errorf("%w: payload does not match declared shapes", ErrMalformed)
	}

	set := &stats.Set{
		Mean: make([]*mat.VecDense, p),
		Cov:  make([]*mat.SymDense, p),
	}
	for i := 0; i < p; i++ {
		vec := make([]float64, d)
		copy(vec, mu.data[i*d:(i+1)*d])
		set.Mean[i] = mat.NewVecDense(d, vec)

		block := sigma.data[i*d*d : (i+1)*d*d]
		if err := checkSymmetric(block, d); err != nil {
			return nil, fmt.Errorf("%w: sigma[%d]: %v", ErrMalformed, i, err)
		}
		full := make([]float64, d*d)
		copy(full, block)
		set.Cov[i] = mat.NewSymDense(d, full)
	}
	return set, nil
}

func checkSymmetric(block []float64, d int) error {
	for r := 0; r < d; r++ {
		for c := r + 1; c < d; c++ {
			a, b := block[r*d+c], block[c*d+r]
			if math.IsNaN(a) || math.IsNaN(b) {
				return fmt.Errorf("NaN at (%d,%d)", r, c)
			}
			scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
			if math.Abs(a-b) > symmetryTolerance*scale {
				return fmt.Errorf("not symmetric at (%d,%d): %g vs %g", r, c, a, b)
			}
		}
	}
	return nil
}
