package dataset

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// Channels is the number of colour planes produced per image (RGB).
const Channels = 3

// ErrSizeMismatch reports an image whose size differs from the rest of the dataset.
var ErrSizeMismatch = errors.New("dataset: image size mismatch")

// ErrDecode reports an image file that cannot be decoded.
var ErrDecode = errors.New("dataset: cannot decode image")

// ImageSize returns the size images from path will have after decoding, reading
// only the header.
func ImageSize(path string, resize int) (width, height int, err error) {
	if resize > 0 {
		return resize, resize, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: header %s: %w", ErrDecode, path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// decodeInto decodes the image at path as RGB, optionally resized to
// resize x resize, and writes it channel-major into dst with values in [0, 1].
// Alpha is dropped, not composited.
func decodeInto(dst []float64, path string, width, height, resize int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}

	bounds := src.Bounds()
	rgb := image.NewNRGBA(image.Rect(0, 0, width, height))
	if resize > 0 {
		draw.CatmullRom.Scale(rgb, rgb.Bounds(), src, bounds, draw.Src, nil)
	} else {
		if bounds.Dx() != width || bounds.Dy() != height {
			return fmt.Errorf("%w: %s is %dx%d, expected %dx%d", ErrSizeMismatch, path, bounds.Dx(), bounds.Dy(), width, height)
		}
		draw.Draw(rgb, rgb.Bounds(), src, bounds.Min, draw.Src)
	}

	plane := width * height
	if len(dst) != Channels*plane {
		return fmt.Errorf("decode %s: destination holds %d values, need %d", path, len(dst), Channels*plane)
	}
	for y := 0; y < height; y++ {
		row := rgb.Pix[y*rgb.Stride:]
		for x := 0; x < width; x++ {
			px := row[4*x : 4*x+3]
			i := y*width + x
			dst[i] = float64(px[0]) / 255
			dst[plane+i] = float64(px[1]) / 255
			dst[2*plane+i] = float64(px[2]) / 255
		}
	}
	return nil
}
