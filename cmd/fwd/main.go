package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdobak/go-xerrors"

	"fwd-forge/internal/config"
	"fwd-forge/internal/fwd"
	"fwd-forge/internal/ledger"
	"fwd-forge/internal/logging"
)

var errUsage = errors.New("usage")

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config")
	envPath := flag.String("env", ".env", "Optional env file with FWD_* variables")
	batchSize := flag.Int("batch-size", 0, "Images per batch")
	numWorkers := flag.Int("num-workers", 0, "Number of image decode workers")
	savePackets := flag.Bool("save-packets", false, "Save statistics of the first path to the second path as .npz")
	waveletName := flag.String("wavelet", "", "Wavelet name")
	maxLevel := flag.Int("max-level", 0, "Maximum wavelet packet decomposition level")
	logScale := flag.Bool("log-scale", true, "Apply signed log1p to packet coefficients")
	precision := flag.String("precision", "", "Arithmetic precision (float64|float32)")
	resize := flag.Int("resize", 0, "Resize images to NxN before the transform")
	logEvery := flag.Int("log-every", 0, "Log progress every N batches")
	logLevel := flag.String("log-level", "", "Log level (debug|info|warn|error)")
	ledgerPath := flag.String("ledger", "", "SQLite ledger recording archives and comparisons")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <path_a> <path_b>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	overrides := config.Overrides{
		BatchSize:  *batchSize,
		NumWorkers: *numWorkers,
		Wavelet:    *waveletName,
		MaxLevel:   *maxLevel,
		Precision:  *precision,
		Resize:     *resize,
		LogEvery:   *logEvery,
		LogLevel:   *logLevel,
		Ledger:     *ledgerPath,
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "log-scale" {
			overrides.LogScale = logScale
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, *cfgPath, *envPath, overrides, *savePackets, flag.Args())
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, errUsage) {
		flag.Usage()
		os.Exit(2)
	}

	kind := fwd.Classify(err)
	slog.Default().ErrorContext(ctx, "fwd failed",
		slog.String("kind", kind.String()),
		slog.Any("error", xerrors.New(err)))
	switch kind {
	case fwd.KindConfiguration:
		os.Exit(2)
	case fwd.KindData:
		os.Exit(3)
	default:
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, envPath string, overrides config.Overrides, save bool, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: expected 2 paths, got %d", errUsage, len(args))
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.LoadEnvFile(envPath); err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	slog.SetDefault(logger)

	waveletOpts, err := cfg.WaveletOptions()
	if err != nil {
		return err
	}

	var l *ledger.Ledger
	if cfg.Ledger != "" {
		l, err = ledger.Open(cfg.Ledger)
		if err != nil {
			return err
		}
		defer l.Close()
	}

	logger.Info("starting",
		slog.Int("num_workers", cfg.NumWorkers),
		slog.Int("batch_size", cfg.BatchSize),
		slog.String("wavelet", cfg.Wavelet),
		slog.Int("max_level", cfg.MaxLevel),
		slog.Bool("log_scale", cfg.LogScale),
		slog.String("precision", cfg.Precision))

	pipeline, err := fwd.New(fwd.Options{
		Wavelet:    waveletOpts,
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Resize:     cfg.Resize,
		LogEvery:   cfg.LogEvery,
		Logger:     logger,
		Ledger:     l,
	})
	if err != nil {
		return err
	}

	if save {
		dst, err := pipeline.Save(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Saved packet statistics to %s\n", dst)
		return nil
	}

	res, err := pipeline.Compare(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("FWD: %v\n", res.Mean)
	return nil
}
