// Package render draws factorization results as PNG plots: basis rows as
// polylines over their feature axis and per-sample contributions as bars.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/mat"
)

type Options struct {
	// Canvas size in pixels.
	// Ideal start: 900x420 for component curves, 600x360 for bars.
	Width  int
	Height int
	// Pixels kept clear around the plot area for labels and ticks.
	Margin int
}

func DefaultOptions() Options {
	return Options{
		Width:  900,
		Height: 420,
		Margin: 48,
	}
}

var (
	bgColor    = color.RGBA{255, 255, 255, 255}
	frameColor = color.RGBA{60, 60, 60, 255}
	textColor  = color.RGBA{30, 30, 30, 255}
)

// Palette returns k distinct series colors ordered darkest to brightest, so
// series index 0 is always the darkest.
func Palette(k int) []colorful.Color {
	if k <= 0 {
		return nil
	}
	palette := colorful.FastHappyPalette(k)
	slices.SortFunc(palette, func(a, b colorful.Color) int {
		ri, gi, bi := a.LinearRgb()
		rj, gj, bj := b.LinearRgb()
		yi := 0.2126*ri + 0.7152*gi + 0.0722*bi
		yj := 0.2126*rj + 0.7152*gj + 0.0722*bj
		if yi < yj {
			return -1
		}
		if yi > yj {
			return 1
		}
		return 0
	})
	return palette
}

// Components plots every row of h as a polyline over axis. axis may be nil,
// which plots against the column index.
func Components(h *mat.Dense, axis []float64, opt Options) (*image.RGBA, error) {
	if h == nil {
		return nil, fmt.Errorf("empty basis")
	}
	k, m := h.Dims()
	if k == 0 || m == 0 {
		return nil, fmt.Errorf("empty basis")
	}
	if axis == nil {
		axis = make([]float64, m)
		for j := range m {
			axis[j] = float64(j)
		}
	}
	if len(axis) != m {
		return nil, fmt.Errorf("axis length %d does not match %d columns", len(axis), m)
	}
	opt = normalizeOptions(opt)

	axMin, axMax := axis[0], axis[0]
	for _, v := range axis {
		axMin = min(axMin, v)
		axMax = max(axMax, v)
	}
	if axMax == axMin {
		axMax = axMin + 1
	}
	yMax := mat.Max(h)
	if yMax <= 0 {
		yMax = 1
	}

	img := newCanvas(opt)
	plotW := float64(opt.Width - 2*opt.Margin)
	plotH := float64(opt.Height - 2*opt.Margin)

	palette := Palette(k)
	for i := range k {
		c := toRGBA(palette[i])
		row := h.RawRowView(i)
		px := float64(opt.Margin) + (axis[0]-axMin)/(axMax-axMin)*plotW
		py := float64(opt.Height-opt.Margin) - row[0]/yMax*plotH
		for j := 1; j < m; j++ {
			nx := float64(opt.Margin) + (axis[j]-axMin)/(axMax-axMin)*plotW
			ny := float64(opt.Height-opt.Margin) - row[j]/yMax*plotH
			drawLine(img, px, py, nx, ny, c)
			px, py = nx, ny
		}
		// Legend swatch and label, one line per series.
		ly := opt.Margin/2 + i*14
		fillRect(img, opt.Margin, ly-8, opt.Margin+10, ly+2, c)
		drawLabel(img, opt.Margin+16, ly, "component "+strconv.Itoa(i+1))
	}

	drawLabel(img, opt.Margin, opt.Height-opt.Margin+16, formatTick(axMin))
	drawLabel(img, opt.Width-opt.Margin-40, opt.Height-opt.Margin+16, formatTick(axMax))
	drawLabel(img, 4, opt.Margin, formatTick(yMax))
	return img, nil
}

// Weights plots w (samples × series) as grouped bars, one group per sample.
func Weights(w *mat.Dense, opt Options) (*image.RGBA, error) {
	if w == nil {
		return nil, fmt.Errorf("empty contributions")
	}
	n, k := w.Dims()
	if n == 0 || k == 0 {
		return nil, fmt.Errorf("empty contributions")
	}
	opt = normalizeOptions(opt)

	yMax := mat.Max(w)
	if yMax <= 0 {
		yMax = 1
	}

	img := newCanvas(opt)
	plotW := opt.Width - 2*opt.Margin
	plotH := float64(opt.Height - 2*opt.Margin)
	groupW := float64(plotW) / float64(n)
	barW := max(1, int(groupW/float64(k+1)))

	palette := Palette(k)
	labelEvery := max(1, n/10)
	for i := range n {
		row := w.RawRowView(i)
		x0 := opt.Margin + int(float64(i)*groupW)
		for j := range k {
			bh := int(row[j] / yMax * plotH)
			bx := x0 + j*barW
			fillRect(img, bx, opt.Height-opt.Margin-bh, bx+barW-1, opt.Height-opt.Margin, toRGBA(palette[j]))
		}
		if i%labelEvery == 0 {
			drawLabel(img, x0, opt.Height-opt.Margin+16, strconv.Itoa(i))
		}
	}
	drawLabel(img, 4, opt.Margin, formatTick(yMax))
	return img, nil
}

// SavePNG writes img to filename, creating or truncating it.
func SavePNG(img image.Image, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func normalizeOptions(opt Options) Options {
	if opt.Width <= 0 || opt.Height <= 0 {
		def := DefaultOptions()
		opt.Width = def.Width
		opt.Height = def.Height
	}
	if opt.Margin <= 0 || 2*opt.Margin >= min(opt.Width, opt.Height) {
		opt.Margin = min(opt.Width, opt.Height) / 8
	}
	return opt
}

func newCanvas(opt Options) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, opt.Width, opt.Height))
	fillRect(img, 0, 0, opt.Width, opt.Height, bgColor)
	// Plot frame: baseline and left edge.
	fillRect(img, opt.Margin, opt.Height-opt.Margin, opt.Width-opt.Margin, opt.Height-opt.Margin+1, frameColor)
	fillRect(img, opt.Margin-1, opt.Margin, opt.Margin, opt.Height-opt.Margin, frameColor)
	return img
}

func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 float64, c color.RGBA) {
	steps := int(max(math.Abs(x1-x0), math.Abs(y1-y0))) + 1
	for s := 0; s <= steps; s++ {
		t := float64(s) / float64(steps)
		img.SetRGBA(int(x0+t*(x1-x0)+0.5), int(y0+t*(y1-y0)+0.5), c)
	}
}

func drawLabel(img *image.RGBA, x, y int, s string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func toRGBA(c colorful.Color) color.RGBA {
	return color.RGBA{
		uint8(max(0, min(255, c.R*255))),
		uint8(max(0, min(255, c.G*255))),
		uint8(max(0, min(255, c.B*255))),
		255,
	}
}
