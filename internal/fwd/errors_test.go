package fwd

import (
	"errors"
	"fmt"
	"testing"

	"fwd-forge/internal/config"
	"fwd-forge/internal/frechet"
	"fwd-forge/internal/stats"
	"fwd-forge/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("load: %w", store.ErrMissingField), KindData},
		{fmt.Errorf("%w: got 1", stats.ErrInsufficientSamples), KindData},
		{fmt.Errorf("%w: %w", frechet.ErrDimensionMismatch, stats.ErrShapeMismatch), KindConfiguration},
		{fmt.Errorf("%w: batch_size", config.ErrInvalid), KindConfiguration},
		{ErrDestinationExists, KindConfiguration},
		{errors.New("disk on fire"), KindInternal},
		{nil, KindInternal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
