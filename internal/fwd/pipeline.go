// Package fwd computes the Fréchet Wavelet Distance between two image sets,
// each given as an image directory or a saved statistics archive.
package fwd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fwd-forge/internal/dataset"
	"fwd-forge/internal/frechet"
	"fwd-forge/internal/ledger"
	"fwd-forge/internal/metrics"
	"fwd-forge/internal/stats"
	"fwd-forge/internal/store"
	"fwd-forge/internal/tensor"
	"fwd-forge/internal/wavelet"
)

// Options captures the knobs required by the pipeline.
type Options struct {
	Wavelet    wavelet.Options
	BatchSize  int
	NumWorkers int
	// Resize, when > 0, rescales every image to Resize x Resize.
	Resize   int
	LogEvery int
	Logger   *slog.Logger
	// Ledger is optional; nil disables recording and settings checks.
	Ledger *ledger.Ledger
}

// Pipeline turns image sets into packet statistics and compares them.
type Pipeline struct {
	opts        Options
	transformer *wavelet.Transformer
	logger      *slog.Logger
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be > 0 (got %d)", ErrInvalidOptions, opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = 10
	}
	tr, err := wavelet.New(opts.Wavelet)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{opts: opts, transformer: tr, logger: logger}, nil
}

// Settings reports the transform parameters statistics from this pipeline
// depend on.
func (p *Pipeline) Settings() ledger.Settings {
	return ledger.Settings{
		Wavelet:   p.transformer.Wavelet(),
		MaxLevel:  p.transformer.MaxLevel(),
		LogScale:  p.transformer.LogScale(),
		Precision: p.transformer.Precision().String(),
	}
}

// Compare computes the distance between the image sets at a and b. Both
// paths are checked before any statistics are computed.
func (p *Pipeline) Compare(ctx context.Context, a, b string) (*frechet.Result, error) {
	for _, path := range []string{a, b} {
		if err := checkSource(path); err != nil {
			return nil, err
		}
	}
	for _, path := range []string{a, b} {
		if err := p.checkArchiveSettings(ctx, path); err != nil {
			return nil, err
		}
	}

	// Archives resolve first so a directory side can be checked against
	// their feature dimension before any image is decoded.
	paths := [2]string{a, b}
	var sets [2]*stats.Set
	for i, path := range paths {
		if !store.IsArchive(path) {
			continue
		}
		p.logger.Info("loading statistics", slog.String("path", path))
		set, err := p.loadArchive(path)
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}
	for i, path := range paths {
		if sets[i] != nil {
			continue
		}
		wantDim := 0
		if other := sets[1-i]; other != nil {
			wantDim = other.FeatureDim()
		}
		p.logger.Info("computing statistics", slog.String("path", path))
		set, err := p.directoryStatistics(ctx, path, wantDim)
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}
	setA, setB := sets[0], sets[1]

	p.logger.Info("computing frechet distances", slog.Int("packets", setA.PacketCount()))
	eval := frechet.Evaluator{Workers: p.opts.NumWorkers, Logger: p.logger}
	res, err := eval.Evaluate(ctx, setA, setB)
	if err != nil {
		return nil, err
	}

	if p.opts.Ledger != nil {
		id, err := p.opts.Ledger.RecordComparison(ctx, ledger.Comparison{
			SourceA:   absPath(a),
			SourceB:   absPath(b),
			Settings:  p.Settings(),
			FWD:       res.Mean,
			PerPacket: res.PerPacket,
		})
		if err != nil {
			return nil, err
		}
		p.logger.Debug("recorded comparison", slog.String("id", id))
	}
	return res, nil
}

// Save computes statistics for the image directory src and writes them to
// dst, appending the archive extension when dst lacks it. The final path is
// returned. An existing destination is never replaced.
func (p *Pipeline) Save(ctx context.Context, src, dst string) (string, error) {
	if err := checkSource(src); err != nil {
		return "", err
	}
	if store.IsArchive(src) {
		return "", fmt.Errorf("%w: %s is already a statistics archive", ErrInvalidPath, src)
	}
	if !store.IsArchive(dst) {
		dst += store.Extension
	}
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("%w: %s", ErrDestinationExists, dst)
	}

	p.logger.Info("computing statistics", slog.String("path", src))
	set, err := p.DirectoryStatistics(ctx, src)
	if err != nil {
		return "", err
	}
	if err := store.Save(dst, set); err != nil {
		if errors.Is(err, store.ErrExists) {
			return "", fmt.Errorf("%w: %w", ErrDestinationExists, err)
		}
		return "", err
	}

	if p.opts.Ledger != nil {
		id, err := p.opts.Ledger.RecordArchive(ctx, ledger.Archive{
			Path:       absPath(dst),
			Source:     absPath(src),
			Settings:   p.Settings(),
			Samples:    set.Samples,
			Packets:    set.PacketCount(),
			FeatureDim: set.FeatureDim(),
		})
		if err != nil {
			return "", err
		}
		p.logger.Debug("recorded archive", slog.String("id", id))
	}
	return dst, nil
}

// ResolveStatistics loads path when it names an archive and otherwise
// computes statistics for the image directory at path.
func (p *Pipeline) ResolveStatistics(ctx context.Context, path string) (*stats.Set, error) {
	if store.IsArchive(path) {
		return p.loadArchive(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPath, path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is neither a directory nor a %s archive", ErrInvalidPath, path, store.Extension)
	}
	return p.DirectoryStatistics(ctx, path)
}

// loadArchive reads an archive and checks it was built with this pipeline's
// decomposition depth.
func (p *Pipeline) loadArchive(path string) (*stats.Set, error) {
	set, err := store.Load(path)
	if err != nil {
		return nil, err
	}
	if set.PacketCount() != p.transformer.PacketCount() {
		return nil, fmt.Errorf("%w: %s holds %d packets, max_level %d produces %d",
			frechet.ErrDimensionMismatch, path, set.PacketCount(), p.transformer.MaxLevel(), p.transformer.PacketCount())
	}
	return set, nil
}

// DirectoryStatistics computes statistics over every image directly inside dir.
func (p *Pipeline) DirectoryStatistics(ctx context.Context, dir string) (*stats.Set, error) {
	return p.directoryStatistics(ctx, dir, 0)
}

// directoryStatistics is DirectoryStatistics with an expected feature
// dimension; a positive wantDim that the first image's shape cannot produce
// fails before the loader starts.
func (p *Pipeline) directoryStatistics(ctx context.Context, dir string, wantDim int) (*stats.Set, error) {
	files, err := dataset.DiscoverImages(dir)
	if err != nil {
		return nil, err
	}
	width, height, err := dataset.ImageSize(files[0], p.opts.Resize)
	if err != nil {
		return nil, err
	}
	if err := p.transformer.CheckShape(height, width); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	if dim := p.transformer.FeatureDim(dataset.Channels, height, width); wantDim > 0 && dim != wantDim {
		return nil, fmt.Errorf("%w: %s yields feature_dim %d (%dx%d images), the other side has %d",
			frechet.ErrDimensionMismatch, dir, dim, width, height, wantDim)
	}
	p.logger.Info("discovered images",
		slog.String("dir", dir),
		slog.Int("files", len(files)),
		slog.Int("width", width),
		slog.Int("height", height))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs, err := dataset.StartLoader(ctx, dataset.LoaderOptions{
		Files:      files,
		BatchSize:  p.opts.BatchSize,
		NumWorkers: p.opts.NumWorkers,
		Resize:     p.opts.Resize,
		Width:      width,
		Height:     height,
	})
	if err != nil {
		return nil, err
	}
	return p.reduce(ctx, batches, errs)
}

// StreamStatistics computes statistics over batches supplied by the caller.
// It returns once batches is closed.
func (p *Pipeline) StreamStatistics(ctx context.Context, batches <-chan tensor.Batch) (*stats.Set, error) {
	return p.reduce(ctx, batches, nil)
}

// reduce transforms each batch and folds it into an accumulator, logging
// throughput every LogEvery batches. errs may be nil.
func (p *Pipeline) reduce(ctx context.Context, batches <-chan tensor.Batch, errs <-chan error) (*stats.Set, error) {
	var (
		acc    *stats.Accumulator
		window metrics.Window
		step   int
	)
	for {
		startData := time.Now()
		batch, ok, err := nextBatch(ctx, batches)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		if acc == nil {
			if err := p.transformer.CheckShape(batch.Height, batch.Width); err != nil {
				return nil, err
			}
			acc = stats.NewAccumulator(p.transformer.PacketCount(),
				p.transformer.FeatureDim(batch.Channels, batch.Height, batch.Width),
				p.transformer.Precision())
		}
		packets, err := p.transformer.Transform(batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", batch.Index, err)
		}
		if err := acc.Add(packets); err != nil {
			return nil, fmt.Errorf("batch %d: %w", batch.Index, err)
		}
		computeTime := time.Since(startCompute)

		step++
		window.Record(batch.N, dataTime, computeTime)
		if step%p.opts.LogEvery == 0 {
			snap := window.Snapshot()
			p.logger.Info("progress",
				slog.Int("batch", step),
				slog.Int("images", snap.Images),
				slog.String("images_per_sec", fmt.Sprintf("%.1f", snap.ImagesPerSec)),
				slog.String("data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS)),
				slog.String("compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS)))
		}
	}

	if errs != nil {
		if err, ok := <-errs; ok && err != nil {
			return nil, err
		}
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: no batches received", stats.ErrInsufficientSamples)
	}
	return acc.Statistics()
}

func nextBatch(ctx context.Context, batches <-chan tensor.Batch) (tensor.Batch, bool, error) {
	select {
	case <-ctx.Done():
		return tensor.Batch{}, false, ctx.Err()
	case b, ok := <-batches:
		return b, ok, nil
	}
}

// checkSource verifies that path exists and is a directory or an archive.
func checkSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrInvalidPath, path)
		}
		return fmt.Errorf("%w: %s: %w", ErrInvalidPath, path, err)
	}
	if !info.IsDir() && !store.IsArchive(path) {
		return fmt.Errorf("%w: %s is neither a directory nor a %s archive", ErrInvalidPath, path, store.Extension)
	}
	return nil
}

// checkArchiveSettings fails when the ledger knows path was written with
// different transform settings than this pipeline uses.
func (p *Pipeline) checkArchiveSettings(ctx context.Context, path string) error {
	if p.opts.Ledger == nil || !store.IsArchive(path) {
		return nil
	}
	entry, ok, err := p.opts.Ledger.LookupArchive(ctx, absPath(path))
	if err != nil || !ok {
		return err
	}
	if err := p.Settings().Check(entry.Settings); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
