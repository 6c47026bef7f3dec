package fwd

import (
	"errors"

	"fwd-forge/internal/config"
	"fwd-forge/internal/dataset"
	"fwd-forge/internal/frechet"
	"fwd-forge/internal/ledger"
	"fwd-forge/internal/stats"
	"fwd-forge/internal/store"
	"fwd-forge/internal/tensor"
	"fwd-forge/internal/wavelet"
)

var (
	// ErrInvalidPath reports an input path that is missing or is neither a
	// directory nor a statistics archive.
	ErrInvalidPath = errors.New("fwd: invalid path")
	// ErrDestinationExists reports a Save target that is already present.
	ErrDestinationExists = errors.New("fwd: statistics file already exists at destination")
	// ErrInvalidOptions reports pipeline options that cannot run.
	ErrInvalidOptions = errors.New("fwd: invalid options")
)

// Kind groups failures by who has to act on them.
type Kind int

const (
	// KindInternal covers everything not caused by the inputs or settings.
	KindInternal Kind = iota
	// KindConfiguration means the invocation itself is wrong.
	KindConfiguration
	// KindData means the inputs were read but cannot produce statistics.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindData:
		return "data"
	}
	return "internal"
}

var configurationErrors = []error{
	ErrInvalidPath,
	ErrDestinationExists,
	ErrInvalidOptions,
	config.ErrInvalid,
	store.ErrExists,
	store.ErrNotFound,
	wavelet.ErrIndivisible,
	wavelet.ErrInvalidLevel,
	wavelet.ErrUnknownWavelet,
	frechet.ErrDimensionMismatch,
	ledger.ErrSettingsMismatch,
}

var dataErrors = []error{
	store.ErrMalformed,
	store.ErrMissingField,
	stats.ErrInsufficientSamples,
	stats.ErrEmptySet,
	stats.ErrShapeMismatch,
	dataset.ErrNoImages,
	dataset.ErrSizeMismatch,
	dataset.ErrDecode,
	tensor.ErrPacketShape,
}

// Classify maps err onto the failure taxonomy. Configuration matches win
// over data matches.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, target := range configurationErrors {
		if errors.Is(err, target) {
			return KindConfiguration
		}
	}
	for _, target := range dataErrors {
		if errors.Is(err, target) {
			return KindData
		}
	}
	return KindInternal
}
