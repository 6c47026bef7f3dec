package dataset

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"fwd-forge/internal/tensor"
)

// LoaderOptions configures the parallel image loader.
type LoaderOptions struct {
	Files      []string
	BatchSize  int
	NumWorkers int
	// Resize, when > 0, rescales every image to Resize x Resize.
	Resize int
	// Width and Height fix the expected image size; zero means the size of Files[0].
	Width  int
	Height int
}

// StartLoader decodes Files into batches on NumWorkers goroutines and emits
// them on the returned channel in file order. At most 2*NumWorkers batches
// are in flight at once. The first decode failure stops the pipeline and is
// delivered on the error channel after the batch channel closes.
func StartLoader(parent context.Context, opts LoaderOptions) (<-chan tensor.Batch, <-chan error, error) {
	if len(opts.Files) == 0 {
		return nil, nil, ErrNoImages
	}
	if opts.BatchSize <= 0 {
		return nil, nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		w, h, err := ImageSize(opts.Files[0], opts.Resize)
		if err != nil {
			return nil, nil, err
		}
		opts.Width, opts.Height = w, h
	}

	ctx, cancel := context.WithCancel(parent)

	window := opts.NumWorkers * 2
	tokens := make(chan struct{}, window)
	jobs := make(chan batchJob, opts.NumWorkers)
	decoded := make(chan tensor.Batch, opts.NumWorkers)
	out := make(chan tensor.Batch, opts.NumWorkers)
	errCh := make(chan error, 1)
	groupErr := make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		return produceJobs(gctx, jobs, tokens, len(opts.Files), opts.BatchSize)
	})
	for i := 0; i < opts.NumWorkers; i++ {
		g.Go(func() error {
			return worker(gctx, jobs, decoded, opts)
		})
	}
	go func() {
		err := g.Wait()
		close(decoded)
		groupErr <- err
	}()

	go func() {
		defer cancel()
		defer close(errCh)
		runAggregator(ctx, decoded, tokens, out)
		close(out)
		err := <-groupErr
		if err == nil || errors.Is(err, context.Canceled) {
			err = parent.Err()
		}
		if err != nil {
			errCh <- err
		}
	}()

	return out, errCh, nil
}

type batchJob struct {
	id int
}

func produceJobs(ctx context.Context, jobs chan<- batchJob, tokens chan<- struct{}, total, batchSize int) error {
	id := 0
	for from := 0; from < total; from += batchSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tokens <- struct{}{}:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case jobs <- batchJob{id: id}:
		}
		id++
	}
	return nil
}

func worker(ctx context.Context, jobs <-chan batchJob, decoded chan<- tensor.Batch, opts LoaderOptions) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			batch, err := decodeBatch(job, opts)
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case decoded <- batch:
			}
		}
	}
}

func decodeBatch(job batchJob, opts LoaderOptions) (tensor.Batch, error) {
	from := job.id * opts.BatchSize
	to := min(from+opts.BatchSize, len(opts.Files))
	batch := tensor.NewBatch(to-from, Channels, opts.Height, opts.Width)
	batch.Index = job.id
	size := batch.ImageSize()
	for i, path := range opts.Files[from:to] {
		if err := decodeInto(batch.Data[i*size:(i+1)*size], path, opts.Width, opts.Height, opts.Resize); err != nil {
			return tensor.Batch{}, err
		}
	}
	return batch, nil
}

// runAggregator re-sequences decoded batches by index and releases one
// in-flight token per emitted batch.
func runAggregator(ctx context.Context, decoded <-chan tensor.Batch, tokens <-chan struct{}, out chan<- tensor.Batch) {
	pending := make(map[int]tensor.Batch)
	next := 0
	for {
		batch, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case b, open := <-decoded:
				if !open {
					return
				}
				pending[b.Index] = b
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- batch:
		}
		delete(pending, next)
		<-tokens
		next++
	}
}
