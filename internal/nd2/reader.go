// Package nd2 reads image sequences from Nikon NIS-Elements ND2 (v3, chunked) files.
package nd2

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

var (
	ErrBadMagic      = errors.New("nd2: bad chunk magic")
	ErrNoChunkMap    = errors.New("nd2: chunk map not found")
	ErrChunkNotFound = errors.New("nd2: chunk not found")
	ErrCorrupt       = errors.New("nd2: corrupt file")
	ErrMissingAxis   = errors.New("nd2: axis not present in file")
	ErrOutOfRange    = errors.New("nd2: coordinate out of range")
	ErrUnsupported   = errors.New("nd2: unsupported pixel format")
)

const (
	attributesChunk  = "ImageAttributesLV!"
	experimentChunk  = "ImageMetadataLV!"
	calibrationChunk = "ImageCalibrationLV|0!"
	imageChunkFormat = "ImageDataSeq|%d!"
)

// Experiment loop types as stored in eType.
const (
	loopTime   = 1
	loopXY     = 2
	loopZ      = 4
	loopNETime = 8
)

// Attributes describes the stored pixel layout.
type Attributes struct {
	Width            int
	Height           int
	WidthBytes       int
	BitsPerComponent int
	SignificantBits  int
	Components       int
	SequenceCount    int
}

// Sizes holds the length of every axis.
type Sizes struct {
	X, Y, C, T, V, Z int
}

// Get returns the size of the named axis ("x", "y", "c", "t", "v", "z").
func (s Sizes) Get(axis string) int {
	switch axis {
	case "x":
		return s.X
	case "y":
		return s.Y
	case "c":
		return s.C
	case "t":
		return s.T
	case "v":
		return s.V
	case "z":
		return s.Z
	}
	return 0
}

func (s Sizes) String() string {
	return fmt.Sprintf("{x: %d, y: %d, c: %d, t: %d, v: %d, z: %d}", s.X, s.Y, s.C, s.T, s.V, s.Z)
}

// Frame is one channel of one image plane.
type Frame struct {
	Width     int
	Height    int
	Timestamp float64 // milliseconds since acquisition start
	Pix       []float32
}

// Reader gives random access to the image planes of an ND2 file.
type Reader struct {
	f           *os.File
	size        int64
	chunks      map[string]chunkRef
	attrs       Attributes
	sizes       Sizes
	calibration float64
}

// Open parses the chunk map and metadata of the ND2 file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return r, nil
}

func newReader(f *os.File) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	head := make([]byte, 4)
	if _, err := f.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("read file header: %w", err)
	}
	if le.Uint32(head) != chunkMagic {
		// Pre-v3 files are JPEG 2000 containers.
		return nil, ErrBadMagic
	}

	chunks, err := readChunkMap(f, info.Size())
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, size: info.Size(), chunks: chunks}

	if err := r.loadAttributes(); err != nil {
		return nil, err
	}
	if err := r.loadExperiment(); err != nil {
		return nil, err
	}
	r.loadCalibration()
	return r, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Attributes returns the pixel layout.
func (r *Reader) Attributes() Attributes { return r.attrs }

// Sizes returns the size of every axis.
func (r *Reader) Sizes() Sizes { return r.sizes }

// Calibration returns the pixel size in micrometres, or 0 if the file has none.
func (r *Reader) Calibration() float64 { return r.calibration }

// Axes lists the axes present in the file. x and y are always present; the
// others are listed only when they have more than one entry.
func (r *Reader) Axes() []string {
	axes := []string{"x", "y"}
	for _, a := range []string{"c", "t", "v", "z"} {
		if r.sizes.Get(a) > 1 {
			axes = append(axes, a)
		}
	}
	return axes
}

// HasAxis reports whether axis appears in Axes.
func (r *Reader) HasAxis(axis string) bool {
	for _, a := range r.Axes() {
		if a == axis {
			return true
		}
	}
	return false
}

// ChunkNames lists every chunk in the file, sorted.
func (r *Reader) ChunkNames() []string {
	names := make([]string, 0, len(r.chunks))
	for name := range r.chunks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Reader) chunk(name string) ([]byte, error) {
	ref, ok := r.chunks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, name)
	}
	return readChunk(r.f, r.size, ref.Offset)
}

func (r *Reader) loadAttributes() error {
	data, err := r.chunk(attributesChunk)
	if err != nil {
		return err
	}
	md, err := DecodeMetadata(data)
	if err != nil {
		return fmt.Errorf("image attributes: %w", err)
	}

	a := Attributes{}
	a.Width, _ = md.Int("uiWidth")
	a.Height, _ = md.Int("uiHeight")
	a.WidthBytes, _ = md.Int("uiWidthBytes")
	a.BitsPerComponent, _ = md.Int("uiBpcInMemory")
	a.SignificantBits, _ = md.Int("uiBpcSignificant")
	a.Components, _ = md.Int("uiComp")
	a.SequenceCount, _ = md.Int("uiSequenceCount")

	if a.Width <= 0 || a.Height <= 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrCorrupt, a.Width, a.Height)
	}
	if a.Components <= 0 {
		a.Components = 1
	}
	switch a.BitsPerComponent {
	case 8, 16, 32:
	default:
		return fmt.Errorf("%w: %d bits per component", ErrUnsupported, a.BitsPerComponent)
	}
	if a.WidthBytes == 0 {
		a.WidthBytes = a.Width * a.Components * a.BitsPerComponent / 8
	}

	r.attrs = a
	return nil
}

func (r *Reader) loadExperiment() error {
	views, zs := 1, 1

	// Files written without an experiment (single snapshots) have no loops.
	if data, err := r.chunk(experimentChunk); err == nil {
		md, err := DecodeMetadata(data)
		if err != nil {
			return fmt.Errorf("experiment metadata: %w", err)
		}
		if exp, ok := md.Level("SLxExperiment"); ok {
			walkLoops(exp, func(loopType, count int, loop Metadata) {
				switch loopType {
				case loopXY:
					views = validPoints(loop, count)
				case loopZ:
					zs = count
				}
			})
		}
	} else if !errors.Is(err, ErrChunkNotFound) {
		return err
	}

	views = max(views, 1)
	zs = max(zs, 1)
	a := r.attrs
	r.sizes = Sizes{
		X: a.Width,
		Y: a.Height,
		C: a.Components,
		V: views,
		Z: zs,
		// An aborted acquisition leaves a partial last cycle; it is dropped.
		T: a.SequenceCount / (views * zs),
	}
	return nil
}

// walkLoops visits every experiment loop, outermost first.
func walkLoops(loop Metadata, visit func(loopType, count int, loop Metadata)) {
	loopType, ok := loop.Int("eType")
	if !ok {
		return
	}
	count := 0
	if pars, ok := loop.Level("uLoopPars"); ok {
		count, _ = pars.Int("uiCount")
	}
	visit(loopType, count, loop)

	next, ok := loop.Level("ppNextLevelEx")
	if !ok {
		return
	}
	keys := make([]string, 0, len(next))
	for k := range next {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if child, ok := next[k].(Metadata); ok {
			walkLoops(child, visit)
		}
	}
}

// validPoints applies the XY loop's pItemValid mask when present.
func validPoints(loop Metadata, count int) int {
	v, ok := loop["pItemValid"]
	if !ok {
		return count
	}
	mask, ok := v.([]byte)
	if !ok || len(mask) < count {
		return count
	}
	valid := 0
	for _, b := range mask[:count] {
		if b != 0 {
			valid++
		}
	}
	if valid == 0 {
		return count
	}
	return valid
}

func (r *Reader) loadCalibration() {
	data, err := r.chunk(calibrationChunk)
	if err != nil {
		return
	}
	md, err := DecodeMetadata(data)
	if err != nil {
		return
	}
	if cal, ok := md.Float("dCalibration"); ok && cal > 0 && !math.IsNaN(cal) {
		r.calibration = cal
	}
}

// SequenceIndex maps (t, v, z) to the image sequence number.
func (r *Reader) SequenceIndex(t, v, z int) (int, error) {
	s := r.sizes
	if t < 0 || t >= s.T {
		return 0, fmt.Errorf("%w: t=%d (size %d)", ErrOutOfRange, t, s.T)
	}
	if v < 0 || v >= s.V {
		return 0, fmt.Errorf("%w: v=%d (size %d)", ErrOutOfRange, v, s.V)
	}
	if z < 0 || z >= s.Z {
		return 0, fmt.Errorf("%w: z=%d (size %d)", ErrOutOfRange, z, s.Z)
	}
	return t*s.V*s.Z + v*s.Z + z, nil
}

// Frame reads channel c of the plane at (t, v, z).
func (r *Reader) Frame(t, v, z, c int) (*Frame, error) {
	a := r.attrs
	if c < 0 || c >= a.Components {
		return nil, fmt.Errorf("%w: c=%d (size %d)", ErrOutOfRange, c, a.Components)
	}
	seq, err := r.SequenceIndex(t, v, z)
	if err != nil {
		return nil, err
	}

	data, err := r.chunk(fmt.Sprintf(imageChunkFormat, seq))
	if err != nil {
		return nil, err
	}
	return decodePlane(data, a, c)
}

func decodePlane(data []byte, a Attributes, c int) (*Frame, error) {
	bpc := a.BitsPerComponent / 8
	rowLen := a.Width * a.Components * bpc
	if a.WidthBytes < rowLen {
		return nil, fmt.Errorf("%w: row stride %d shorter than row %d", ErrCorrupt, a.WidthBytes, rowLen)
	}
	need := 8 + (a.Height-1)*a.WidthBytes + rowLen
	if len(data) < need {
		return nil, fmt.Errorf("%w: image chunk has %d bytes, need %d", ErrCorrupt, len(data), need)
	}

	f := &Frame{
		Width:     a.Width,
		Height:    a.Height,
		Timestamp: math.Float64frombits(le.Uint64(data[0:8])),
		Pix:       make([]float32, a.Width*a.Height),
	}

	pix := data[8:]
	for y := 0; y < a.Height; y++ {
		row := pix[y*a.WidthBytes:]
		out := f.Pix[y*a.Width : (y+1)*a.Width]
		for x := range out {
			off := (x*a.Components + c) * bpc
			switch bpc {
			case 1:
				out[x] = float32(row[off])
			case 2:
				out[x] = float32(le.Uint16(row[off:]))
			case 4:
				out[x] = math.Float32frombits(le.Uint32(row[off:]))
			}
		}
	}
	return f, nil
}

// IsImageChunk reports whether name is an image data chunk.
func IsImageChunk(name string) bool {
	return strings.HasPrefix(name, "ImageDataSeq|")
}
