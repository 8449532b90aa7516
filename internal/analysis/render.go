package analysis

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"

	"git.sr.ht/~sbinet/gg"
	"github.com/ajstarks/svgo"
	"golang.org/x/image/font/basicfont"
)

// Image formats of rendered heat maps.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

// Image sizes in pixels.
const (
	overviewWidth  = 1000
	overviewHeight = 600
	channelWidth   = 800
	channelHeight  = 500
)

var unitLabels = map[string]string{
	"logratio": "Power (dB)",
	"ratio":    "Power (ratio)",
	"zscore":   "Power (z-score)",
	"percent":  "Power (%)",
}

// UnitLabel names the colour-bar unit of a baseline mode.
func UnitLabel(baselineMode string) string {
	if l, ok := unitLabels[baselineMode]; ok {
		return l
	}
	return "Power"
}

// Heatmap is one time-frequency image.
type Heatmap struct {
	Title    string
	Times    []float64   // ms
	Freqs    []float64   // Hz
	Power    [][]float64 // [freq][time]
	VMin     float64
	VMax     float64
	Colormap string
	Unit     string
	Width    int
	Height   int
}

type frame struct {
	width, height int
	left, top     int
	plotW, plotH  int
	barX          int
}

func newFrame(width, height int) frame {
	const left, right, top, bottom = 64, 110, 34, 48
	return frame{
		width:  width,
		height: height,
		left:   left,
		top:    top,
		plotW:  width - left - right,
		plotH:  height - top - bottom,
		barX:   width - right + 24,
	}
}

// timeX returns the horizontal pixel for t, and false when t is outside the
// time axis.
func (f frame) timeX(times []float64, t float64) (float64, bool) {
	if len(times) < 2 {
		return 0, false
	}
	t0, t1 := times[0], times[len(times)-1]
	if t < t0 || t > t1 || t1 <= t0 {
		return 0, false
	}
	return float64(f.left) + (t-t0)/(t1-t0)*float64(f.plotW), true
}

func (h Heatmap) validate() error {
	if len(h.Freqs) == 0 || len(h.Times) == 0 {
		return fmt.Errorf("empty time-frequency grid")
	}
	if len(h.Power) != len(h.Freqs) {
		return fmt.Errorf("power has %d rows for %d frequencies", len(h.Power), len(h.Freqs))
	}
	for i, row := range h.Power {
		if len(row) != len(h.Times) {
			return fmt.Errorf("power row %d has %d columns for %d times", i, len(row), len(h.Times))
		}
	}
	return nil
}

func (h Heatmap) size() (int, int) {
	w, ht := h.Width, h.Height
	if w <= 0 {
		w = overviewWidth
	}
	if ht <= 0 {
		ht = overviewHeight
	}
	return w, ht
}

// cell returns the power value under plot pixel (px, py); low frequencies
// are at the bottom.
func (h Heatmap) cell(f frame, px, py int) float64 {
	ti := px * len(h.Times) / f.plotW
	fi := (f.plotH - 1 - py) * len(h.Freqs) / f.plotH
	return h.Power[fi][ti]
}

// Render encodes h in format and returns it base64 encoded.
func Render(format string, h Heatmap) (string, error) {
	var (
		raw []byte
		err error
	)
	switch format {
	case FormatPNG, "":
		raw, err = RenderPNG(h)
	case FormatSVG:
		raw, err = RenderSVG(h)
	default:
		return "", fmt.Errorf("unsupported image format %q", format)
	}
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ============================================================================
// PNG
// ============================================================================

// RenderPNG draws h as a raster heat map with axes and a colour bar.
func RenderPNG(h Heatmap) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	f := newFrame(h.size())

	dc := gg.NewContext(f.width, f.height)
	dc.SetColor(color.White)
	dc.Clear()

	plot := image.NewRGBA(image.Rect(0, 0, f.plotW, f.plotH))
	for py := 0; py < f.plotH; py++ {
		for px := 0; px < f.plotW; px++ {
			plot.SetRGBA(px, py, colorAt(h.Colormap, h.cell(f, px, py), h.VMin, h.VMax))
		}
	}
	dc.DrawImage(plot, f.left, f.top)

	if x, ok := f.timeX(h.Times, 0); ok {
		dc.SetRGBA(0, 0, 0, 0.7)
		dc.SetLineWidth(1.5)
		dc.SetDash(6, 4)
		dc.DrawLine(x, float64(f.top), x, float64(f.top+f.plotH))
		dc.Stroke()
		dc.SetDash()
	}

	dc.SetColor(color.Black)
	dc.SetLineWidth(1)
	dc.DrawRectangle(float64(f.left), float64(f.top), float64(f.plotW), float64(f.plotH))
	dc.Stroke()

	dc.SetFontFace(basicfont.Face7x13)
	dc.DrawStringAnchored(h.Title, float64(f.width)/2, 16, 0.5, 0.5)
	for _, tk := range ticks(h.Times, 5) {
		x := float64(f.left) + tk.pos*float64(f.plotW)
		y := float64(f.top + f.plotH)
		dc.DrawLine(x, y, x, y+4)
		dc.Stroke()
		dc.DrawStringAnchored(tk.label, x, y+14, 0.5, 0.5)
	}
	for _, tk := range ticks(h.Freqs, 5) {
		x := float64(f.left)
		y := float64(f.top+f.plotH) - tk.pos*float64(f.plotH)
		dc.DrawLine(x-4, y, x, y)
		dc.Stroke()
		dc.DrawStringAnchored(tk.label, x-6, y, 1, 0.5)
	}
	dc.DrawStringAnchored("Time (ms)", float64(f.left+f.plotW/2), float64(f.height-10), 0.5, 0.5)
	dc.DrawStringAnchored("Frequency (Hz)", 8, float64(f.top-12), 0, 0.5)

	// colour bar, maximum at the top
	const barW = 16
	for py := 0; py < f.plotH; py++ {
		v := h.VMax - (h.VMax-h.VMin)*float64(py)/float64(max(1, f.plotH-1))
		dc.SetColor(colorAt(h.Colormap, v, h.VMin, h.VMax))
		dc.DrawRectangle(float64(f.barX), float64(f.top+py), barW, 1)
		dc.Fill()
	}
	dc.SetColor(color.Black)
	dc.DrawRectangle(float64(f.barX), float64(f.top), barW, float64(f.plotH))
	dc.Stroke()
	dc.DrawStringAnchored(formatValue(h.VMax), float64(f.barX+barW+4), float64(f.top), 0, 0.5)
	dc.DrawStringAnchored(formatValue(h.VMin), float64(f.barX+barW+4), float64(f.top+f.plotH), 0, 0.5)
	dc.DrawStringAnchored(h.Unit, float64(f.barX), float64(f.top-12), 0, 0.5)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ============================================================================
// SVG
// ============================================================================

// RenderSVG draws h as a vector heat map, one rectangle per cell.
func RenderSVG(h Heatmap) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	f := newFrame(h.size())
	var buf bytes.Buffer

	canvas := svg.New(&buf)
	canvas.Start(f.width, f.height)
	canvas.Rect(0, 0, f.width, f.height, "fill:#ffffff")

	nT, nF := len(h.Times), len(h.Freqs)
	for fi := 0; fi < nF; fi++ {
		y0 := f.top + f.plotH - (fi+1)*f.plotH/nF
		y1 := f.top + f.plotH - fi*f.plotH/nF
		for ti := 0; ti < nT; ti++ {
			x0 := f.left + ti*f.plotW/nT
			x1 := f.left + (ti+1)*f.plotW/nT
			c := colorAt(h.Colormap, h.Power[fi][ti], h.VMin, h.VMax)
			canvas.Rect(x0, y0, x1-x0, y1-y0, "fill:"+css(c))
		}
	}

	if x, ok := f.timeX(h.Times, 0); ok {
		canvas.Line(int(x), f.top, int(x), f.top+f.plotH, "stroke:#000000;stroke-opacity:0.7;stroke-width:1.5;stroke-dasharray:6,4")
	}
	canvas.Rect(f.left, f.top, f.plotW, f.plotH, "fill:none;stroke:#000000;stroke-width:1")

	text := "fill:#000000;font-size:12px;font-family:monospace"
	canvas.Text(f.width/2, 18, h.Title, text+";font-weight:bold;text-anchor:middle")
	for _, tk := range ticks(h.Times, 5) {
		x := f.left + int(tk.pos*float64(f.plotW))
		canvas.Text(x, f.top+f.plotH+16, tk.label, text+";text-anchor:middle")
	}
	for _, tk := range ticks(h.Freqs, 5) {
		y := f.top + f.plotH - int(tk.pos*float64(f.plotH))
		canvas.Text(f.left-6, y+4, tk.label, text+";text-anchor:end")
	}
	canvas.Text(f.left+f.plotW/2, f.height-10, "Time (ms)", text+";text-anchor:middle")
	canvas.Text(8, f.top-12, "Frequency (Hz)", text)

	const barW, slices = 16, 64
	for i := 0; i < slices; i++ {
		v := h.VMax - (h.VMax-h.VMin)*float64(i)/float64(slices-1)
		y0 := f.top + i*f.plotH/slices
		y1 := f.top + (i+1)*f.plotH/slices
		canvas.Rect(f.barX, y0, barW, y1-y0, "fill:"+css(colorAt(h.Colormap, v, h.VMin, h.VMax)))
	}
	canvas.Rect(f.barX, f.top, barW, f.plotH, "fill:none;stroke:#000000;stroke-width:1")
	canvas.Text(f.barX+barW+4, f.top+4, formatValue(h.VMax), text)
	canvas.Text(f.barX+barW+4, f.top+f.plotH+4, formatValue(h.VMin), text)
	canvas.Text(f.barX, f.top-12, h.Unit, text)
	canvas.End()
	return buf.Bytes(), nil
}

// ============================================================================
// Helpers
// ============================================================================

type tick struct {
	pos   float64 // 0..1 along the axis
	label string
}

func ticks(axis []float64, n int) []tick {
	if len(axis) == 0 {
		return nil
	}
	lo, hi := axis[0], axis[len(axis)-1]
	if len(axis) == 1 || hi <= lo {
		return []tick{{pos: 0.5, label: formatValue(lo)}}
	}
	out := make([]tick, n)
	for i := range out {
		p := float64(i) / float64(n-1)
		out[i] = tick{pos: p, label: fmt.Sprintf("%.0f", lo+p*(hi-lo))}
	}
	return out
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.3g", v)
}

func css(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
