package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond)
	snap := w.Snapshot()
	if math.Abs(snap.ImagesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	if math.Abs(snap.AvgDataMS-15) > 1e-9 || math.Abs(snap.AvgComputeMS-15) > 1e-9 {
		t.Fatalf("unexpected averages data=%.2f compute=%.2f", snap.AvgDataMS, snap.AvgComputeMS)
	}
	if w.samples != 0 || w.batches != 0 {
		t.Fatalf("window was not reset")
	}
	if snap.Images != 128 {
		t.Fatalf("expected 128 images, got %d", snap.Images)
	}

	w.Record(10, time.Millisecond, time.Millisecond)
	if snap := w.Snapshot(); snap.Images != 138 {
		t.Fatalf("expected running total 138, got %d", snap.Images)
	}
}

func TestEmptyWindow(t *testing.T) {
	var w Window
	snap := w.Snapshot()
	if snap.ImagesPerSec != 0 || snap.AvgDataMS != 0 || snap.Images != 0 {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}
