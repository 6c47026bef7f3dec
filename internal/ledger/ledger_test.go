package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	settings := Settings{Wavelet: "sym5", MaxLevel: 4, LogScale: true, Precision: "float64"}
	id, err := l.RecordArchive(ctx, Archive{
		Path: "/data/ref.npz", Source: "/data/ref", Settings: settings,
		Samples: 1000, Packets: 256, FeatureDim: 48,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, ok, err := l.LookupArchive(ctx, "/data/ref.npz")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got.ID)
	require.Equal(t, settings, got.Settings)
	require.Equal(t, 1000, got.Samples)
	require.Equal(t, 48, got.FeatureDim)
	require.False(t, got.CreatedAt.IsZero())

	_, ok, err = l.LookupArchive(ctx, "/data/other.npz")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordArchiveReplacesPath(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	_, err := l.RecordArchive(ctx, Archive{Path: "/a.npz", Source: "/a", Settings: Settings{Wavelet: "haar", MaxLevel: 1}})
	require.NoError(t, err)
	_, err = l.RecordArchive(ctx, Archive{Path: "/a.npz", Source: "/a", Settings: Settings{Wavelet: "db2", MaxLevel: 2}})
	require.NoError(t, err)

	all, err := l.Archives(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "db2", all[0].Settings.Wavelet)
}

func TestComparisonsNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, fwd := range []float64{0.5, 1.5, 2.5} {
		_, err := l.RecordComparison(ctx, Comparison{
			SourceA:   "a",
			SourceB:   "b",
			Settings:  Settings{Wavelet: "sym5", MaxLevel: 4, LogScale: true, Precision: "float64"},
			FWD:       fwd,
			PerPacket: []float64{fwd, fwd * 2},
			CreatedAt: base.Add(time.Duration(i) * 1500 * time.Millisecond),
		})
		require.NoError(t, err)
	}

	got, err := l.Comparisons(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 2.5, got[0].FWD)
	require.Equal(t, 1.5, got[1].FWD)
	require.Equal(t, []float64{2.5, 5}, got[0].PerPacket)
	require.True(t, got[0].Settings.LogScale)
}

func TestSettingsCheck(t *testing.T) {
	run := Settings{Wavelet: "sym5", MaxLevel: 4, LogScale: true, Precision: "float64"}
	require.NoError(t, run.Check(Settings{Wavelet: "sym5", MaxLevel: 4, LogScale: true, Precision: "float32"}))

	err := run.Check(Settings{Wavelet: "sym5", MaxLevel: 4, LogScale: false})
	require.True(t, errors.Is(err, ErrSettingsMismatch))
	require.ErrorIs(t, run.Check(Settings{Wavelet: "haar", MaxLevel: 4, LogScale: true}), ErrSettingsMismatch)
}
