package analysis

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeatmap() Heatmap {
	times := []float64{-200, -100, 0, 100, 200, 300}
	freqs := []float64{4, 5, 6, 7}
	power := make([][]float64, len(freqs))
	for fi := range power {
		power[fi] = make([]float64, len(times))
		for ti := range power[fi] {
			power[fi][ti] = math.Sin(float64(fi+ti)) * 2
		}
	}
	return Heatmap{
		Title: "C3", Times: times, Freqs: freqs, Power: power,
		VMin: -2, VMax: 2, Colormap: "RdBu_r", Unit: UnitLabel("logratio"),
		Width: channelWidth, Height: channelHeight,
	}
}

func TestRenderPNG(t *testing.T) {
	raw, err := RenderPNG(testHeatmap())
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, channelWidth, img.Bounds().Dx())
	assert.Equal(t, channelHeight, img.Bounds().Dy())
}

func TestRenderSVG(t *testing.T) {
	raw, err := RenderSVG(testHeatmap())
	require.NoError(t, err)
	doc := string(raw)
	assert.Contains(t, doc, "<svg")
	assert.Contains(t, doc, "C3")
	assert.Contains(t, doc, "Power (dB)")
	assert.Contains(t, doc, "stroke-dasharray", "zero line is drawn")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(doc), "</svg>"))
}

func TestRenderDispatch(t *testing.T) {
	tests := []struct {
		format  string
		prefix  string
		wantErr bool
	}{
		{format: "", prefix: "\x89PNG"},
		{format: FormatPNG, prefix: "\x89PNG"},
		{format: FormatSVG, prefix: "<?xml"},
		{format: "gif", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			out, err := Render(tt.format, testHeatmap())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			raw, err := base64.StdEncoding.DecodeString(out)
			require.NoError(t, err)
			assert.True(t, bytes.HasPrefix(raw, []byte(tt.prefix)))
		})
	}
}

func TestRenderRejectsMismatchedGrid(t *testing.T) {
	h := testHeatmap()
	h.Power = h.Power[:2]
	_, err := RenderPNG(h)
	assert.Error(t, err)

	h = testHeatmap()
	h.Power[1] = h.Power[1][:3]
	_, err = RenderSVG(h)
	assert.Error(t, err)
}

func TestUnitLabel(t *testing.T) {
	assert.Equal(t, "Power (dB)", UnitLabel("logratio"))
	assert.Equal(t, "Power (z-score)", UnitLabel("zscore"))
	assert.Equal(t, "Power", UnitLabel("mean"))
}

func TestColorAtEndpoints(t *testing.T) {
	lo := colorAt("viridis", -1, 0, 1)
	assert.Equal(t, uint8(68), lo.R)
	hi := colorAt("viridis", 5, 0, 1)
	assert.Equal(t, uint8(253), hi.R)

	// RdBu mirrors RdBu_r
	assert.Equal(t, colorAt("RdBu_r", 0, 0, 1), colorAt("RdBu", 1, 0, 1))
	// unknown names fall back to RdBu_r
	assert.Equal(t, colorAt("RdBu_r", 0.3, 0, 1), colorAt("nope", 0.3, 0, 1))
}
