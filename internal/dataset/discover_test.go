package dataset

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverImagesBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "b.png"))
	mustWrite(t, filepath.Join(dir, "a.jpeg"))
	mustWrite(t, filepath.Join(dir, "c.jpg"))
	mustWrite(t, filepath.Join(dir, "d.JPG"))
	mustWrite(t, filepath.Join(dir, "nested", "e.png"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))
	mustWrite(t, filepath.Join(dir, "stats.npz"))

	files, err := DiscoverImages(dir)
	if err != nil {
		t.Fatalf("DiscoverImages error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a.jpeg"),
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "c.jpg"),
		filepath.Join(dir, "d.JPG"),
	}
	if len(files) != len(want) {
		t.Fatalf("expected %d images, got %d: %v", len(want), len(files), files)
	}
	for i, f := range want {
		if files[i] != f {
			t.Fatalf("files[%d]=%s want %s", i, files[i], f)
		}
	}
}

func TestDiscoverImagesGrowth(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "000.png"))

	first, err := DiscoverImages(dir)
	if err != nil {
		t.Fatalf("first discover error: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 image, got %d", len(first))
	}

	mustWrite(t, filepath.Join(dir, "001.png"))

	second, err := DiscoverImages(dir)
	if err != nil {
		t.Fatalf("second discover error: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected 2 images, got %d", len(second))
	}
}

func TestDiscoverImagesMissingDir(t *testing.T) {
	_, err := DiscoverImages(filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDiscoverImagesEmptyDir(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "notes.txt"))
	mustWrite(t, filepath.Join(dir, "nested", "a.png"))

	files, err := DiscoverImages(dir)
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
	if files != nil {
		t.Fatalf("expected no files, got %v", files)
	}
}

func TestDiscoverImagesIgnoresExtensionCase(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"A.PNG", "b.Jpeg", "c.jPg", "d.PnG.txt"} {
		mustWrite(t, filepath.Join(dir, name))
	}

	files, err := DiscoverImages(dir)
	if err != nil {
		t.Fatalf("DiscoverImages error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "A.PNG"),
		filepath.Join(dir, "b.Jpeg"),
		filepath.Join(dir, "c.jPg"),
	}
	if len(files) != len(want) {
		t.Fatalf("expected %v, got %v", want, files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("files[%d]=%s want %s", i, files[i], want[i])
		}
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
