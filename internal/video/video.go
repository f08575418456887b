// Package video muxes still frames into a Motion-JPEG AVI.
package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/icza/mjpeg"
)

// DefaultQuality is the JPEG quality used when none is given.
const DefaultQuality = 90

var ErrFrameSize = errors.New("video: frame size differs from the first frame")

type Builder struct {
	width   int
	height  int
	fps     int
	quality int

	cnt    int
	aw     mjpeg.AviWriter
	buf    bytes.Buffer
	rgba   *image.RGBA
	closed bool
}

// NewBuilder creates the AVI at path. Every frame must be width x height.
func NewBuilder(path string, width, height, fps, quality int) (*Builder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("video: invalid frame size %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("video: invalid frame rate %d", fps)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	aw, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, err
	}

	return &Builder{
		width:   width,
		height:  height,
		fps:     fps,
		quality: quality,
		aw:      aw,
		rgba:    image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// Add appends img as the next frame. Grayscale input is expanded to three
// channels so players that expect color MJPEG can decode it.
func (b *Builder) Add(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() != b.width || bounds.Dy() != b.height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, bounds.Dx(), bounds.Dy(), b.width, b.height)
	}

	draw.Draw(b.rgba, b.rgba.Bounds(), img, bounds.Min, draw.Src)
	b.buf.Reset()
	if err := jpeg.Encode(&b.buf, b.rgba, &jpeg.Options{Quality: b.quality}); err != nil {
		return fmt.Errorf("encode frame %d: %w", b.cnt, err)
	}
	if err := b.aw.AddFrame(b.buf.Bytes()); err != nil {
		return err
	}
	b.cnt++

	return nil
}

// Close finalizes the AVI index and header. It is safe to call twice.
func (b *Builder) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.aw.Close()
}

// Count is the number of frames written so far.
func (b *Builder) Count() int {
	return b.cnt
}

// FPS is the playback rate recorded in the AVI header.
func (b *Builder) FPS() int {
	return b.fps
}
