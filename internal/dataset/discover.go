package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ImageExtensions are the file extensions picked up from an image directory.
var ImageExtensions = []string{"jpg", "jpeg", "png"}

// ErrNoImages is returned when a directory holds no usable image files.
var ErrNoImages = errors.New("dataset: no images found")

// DiscoverImages returns the image files directly inside dir, sorted by path.
// Subdirectories are not descended into. Extensions match regardless of case.
// A directory without images yields ErrNoImages.
func DiscoverImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discover images: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}
	sort.Strings(files)
	return files, nil
}

func isImage(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, allowed := range ImageExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
