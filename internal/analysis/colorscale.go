package analysis

import (
	"math"
	"sort"
)

// Percentiles used for the automatic colour range.
const (
	lowPercentile  = 0.02
	highPercentile = 0.98
)

// divergingMaps are centred on zero, so their range is made symmetric.
var divergingMaps = map[string]bool{
	"RdBu_r":   true,
	"RdBu":     true,
	"seismic":  true,
	"coolwarm": true,
}

// ColorRange returns the colour limits for values. Missing limits are taken
// from the 2nd and 98th percentile of all finite values; for diverging
// colormaps the range is then symmetrised around zero.
func ColorRange(values [][][]float64, colormap string, vmin, vmax *float64) (float64, float64) {
	var lo, hi float64
	if vmin == nil || vmax == nil {
		var flat []float64
		for _, plane := range values {
			for _, row := range plane {
				for _, v := range row {
					if !math.IsNaN(v) && !math.IsInf(v, 0) {
						flat = append(flat, v)
					}
				}
			}
		}
		if len(flat) > 0 {
			sort.Float64s(flat)
			lo = percentile(flat, lowPercentile)
			hi = percentile(flat, highPercentile)
		}
	}
	if vmin != nil {
		lo = *vmin
	}
	if vmax != nil {
		hi = *vmax
	}

	if divergingMaps[colormap] {
		m := math.Max(math.Abs(lo), math.Abs(hi))
		lo, hi = -m, m
	}
	return lo, hi
}

// percentile interpolates linearly between the order statistics around
// rank (n-1)*p of sorted.
func percentile(sorted []float64, p float64) float64 {
	rank := float64(len(sorted)-1) * p
	i := int(math.Floor(rank))
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(i)
	return sorted[i] + frac*(sorted[i+1]-sorted[i])
}
