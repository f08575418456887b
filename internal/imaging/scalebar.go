package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// ScaleBar configures the physical-scale overlay drawn in the bottom-right corner.
type ScaleBar struct {
	LengthUM     float64 // physical length the bar represents
	PixelSizeUM  float64 // micrometres per pixel
	Height       int     // bar thickness in pixels
	MarginRight  int
	MarginBottom int
	FontSize     float64 // label size in pixels
	FontPath     string  // TrueType/OpenType file; bare names are also looked up in system font dirs
}

// DefaultScaleBar is a 10 µm bar at 0.108 µm/px.
func DefaultScaleBar() ScaleBar {
	return ScaleBar{
		LengthUM:     10,
		PixelSizeUM:  0.108,
		Height:       10,
		MarginRight:  50,
		MarginBottom: 70,
		FontSize:     50,
		FontPath:     "Arial Unicode.ttf",
	}
}

// WidthPixels is the bar length in pixels.
func (s ScaleBar) WidthPixels() float64 {
	return s.LengthUM / s.PixelSizeUM
}

// Label is the text printed under the bar, e.g. "10 um".
func (s ScaleBar) Label() string {
	return strconv.FormatFloat(s.LengthUM, 'f', -1, 64) + " um"
}

// Rect is the bar's pixel rectangle in an image of the given size. Like the
// label, it may extend past the image edges on small frames.
func (s ScaleBar) Rect(width, height int) image.Rectangle {
	barW := s.WidthPixels()
	x := float64(width) - barW - float64(s.MarginRight)
	y := height - s.Height - s.MarginBottom
	// Fractional corners are truncated. The right edge is exact.
	x0 := int(x)
	x1 := width - s.MarginRight
	// Both corners are inclusive.
	return image.Rect(x0, y, x1+1, y+s.Height+1)
}

// Annotator draws a ScaleBar with a resolved font face.
type Annotator struct {
	bar      ScaleBar
	face     font.Face
	fallback bool
	fontErr  error
}

// NewAnnotator loads the label font once. When the font cannot be loaded the
// built-in 7x13 bitmap face is used and Fallback reports true.
func NewAnnotator(bar ScaleBar) *Annotator {
	a := &Annotator{bar: bar}
	face, err := loadFace(bar.FontPath, bar.FontSize)
	if err != nil {
		a.face = basicfont.Face7x13
		a.fallback = true
		a.fontErr = err
		return a
	}
	a.face = face
	return a
}

// Fallback reports whether the default bitmap face replaced the configured font,
// along with the load error.
func (a *Annotator) Fallback() (bool, error) {
	return a.fallback, a.fontErr
}

// Draw paints the bar and its centered label in white onto img.
func (a *Annotator) Draw(img draw.Image) {
	b := img.Bounds()
	rect := a.bar.Rect(b.Dx(), b.Dy()).Add(b.Min)
	draw.Draw(img, rect.Intersect(b), image.White, image.Point{}, draw.Src)

	text := a.bar.Label()
	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.White), Face: a.face}
	textW := float64(d.MeasureString(text)) / 64

	barW := a.bar.WidthPixels()
	barX := float64(b.Dx()) - barW - float64(a.bar.MarginRight)
	textX := barX + (barW-textW)/2
	// The label's top edge sits 10px above the bottom of the bar.
	textTop := rect.Min.Y + a.bar.Height - 10

	ascent := a.face.Metrics().Ascent
	d.Dot = fixed.Point26_6{
		X: fixed.Int26_6(math.Round((textX + float64(b.Min.X)) * 64)),
		Y: fixed.I(textTop) + ascent,
	}
	d.DrawString(text)
}

func loadFace(path string, size float64) (font.Face, error) {
	data, err := readFont(path)
	if err != nil {
		return nil, err
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, err
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

// fontDirs are searched for bare font file names.
var fontDirs = []string{
	"/Library/Fonts",
	"/System/Library/Fonts",
	"/System/Library/Fonts/Supplemental",
	"/usr/share/fonts/truetype",
	"/usr/share/fonts/TTF",
	"/usr/local/share/fonts",
	`C:\Windows\Fonts`,
}

func readFont(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil || filepath.IsAbs(path) || filepath.Base(path) != path {
		return data, err
	}

	dirs := fontDirs
	if home, herr := os.UserHomeDir(); herr == nil {
		dirs = append([]string{filepath.Join(home, "Library", "Fonts"), filepath.Join(home, ".fonts")}, dirs...)
	}
	for _, dir := range dirs {
		if data, derr := os.ReadFile(filepath.Join(dir, path)); derr == nil {
			return data, nil
		}
	}
	return nil, err
}
