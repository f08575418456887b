package imaging

import (
	"bufio"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"
)

// TIFFExt is the extension of every still written by the pipeline.
const TIFFExt = ".tif"

// SaveTIFF writes img as an uncompressed TIFF.
func SaveTIFF(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Uncompressed}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadTIFF reads a TIFF as 8-bit grayscale.
func LoadTIFF(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if gray, ok := img.(*image.Gray); ok {
		return gray, nil
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray, nil
}

// FramePath names still n inside dir.
func FramePath(dir string, n int) string {
	return filepath.Join(dir, strconv.Itoa(n)+TIFFExt)
}

// CountTIFF counts the .tif files directly inside dir.
func CountTIFF(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), TIFFExt) {
			n++
		}
	}
	return n, nil
}
