package analysis

import (
	"image/color"
	"math"
)

type stop struct {
	at      float64
	r, g, b uint8
}

// Colormaps are piecewise-linear approximations of the usual scientific
// palettes. Unknown names fall back to RdBu_r.
var colormaps = map[string][]stop{
	"RdBu_r": {
		{0, 5, 48, 97}, {0.25, 67, 147, 195}, {0.5, 247, 247, 247},
		{0.75, 214, 96, 77}, {1, 103, 0, 31},
	},
	"seismic": {
		{0, 0, 0, 76}, {0.25, 0, 0, 255}, {0.5, 255, 255, 255},
		{0.75, 255, 0, 0}, {1, 128, 0, 0},
	},
	"coolwarm": {
		{0, 59, 76, 192}, {0.5, 221, 221, 221}, {1, 180, 4, 38},
	},
	"viridis": {
		{0, 68, 1, 84}, {0.25, 59, 82, 139}, {0.5, 33, 145, 140},
		{0.75, 94, 201, 98}, {1, 253, 231, 37},
	},
	"jet": {
		{0, 0, 0, 128}, {0.125, 0, 0, 255}, {0.375, 0, 255, 255},
		{0.625, 255, 255, 0}, {0.875, 255, 0, 0}, {1, 128, 0, 0},
	},
	"gray": {
		{0, 0, 0, 0}, {1, 255, 255, 255},
	},
}

func init() {
	rev := colormaps["RdBu_r"]
	rdbu := make([]stop, len(rev))
	for i, s := range rev {
		rdbu[len(rev)-1-i] = stop{at: 1 - s.at, r: s.r, g: s.g, b: s.b}
	}
	colormaps["RdBu"] = rdbu
}

// colorAt maps v within [lo, hi] onto the named colormap.
func colorAt(name string, v, lo, hi float64) color.RGBA {
	stops, ok := colormaps[name]
	if !ok {
		stops = colormaps["RdBu_r"]
	}

	t := 0.5
	if hi > lo && !math.IsNaN(v) {
		t = (v - lo) / (hi - lo)
	}
	t = math.Max(0, math.Min(1, t))

	for i := 1; i < len(stops); i++ {
		a, b := stops[i-1], stops[i]
		if t <= b.at {
			f := (t - a.at) / (b.at - a.at)
			return color.RGBA{
				R: lerp(a.r, b.r, f),
				G: lerp(a.g, b.g, f),
				B: lerp(a.b, b.b, f),
				A: 255,
			}
		}
	}
	last := stops[len(stops)-1]
	return color.RGBA{R: last.r, G: last.g, B: last.b, A: 255}
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*f))
}
