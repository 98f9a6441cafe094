package haadf

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderNormalizesThroughPalette(t *testing.T) {
	var img = &Image{Width: 3, Height: 1, Data: []float64{-10, 0, 10}}

	var buf bytes.Buffer
	require.NoError(t, RenderPNG(img, &buf))

	var decoded, err = png.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, 3, decoded.Bounds().Dx())
	require.Equal(t, 1, decoded.Bounds().Dy())

	// The minimum maps to the first palette entry, the maximum to the
	// last, and the midpoint to the middle of the table.
	requirePixel(t, decoded.At(0, 0), palette[0].R, palette[0].G, palette[0].B)
	requirePixel(t, decoded.At(1, 0), palette[128].R, palette[128].G, palette[128].B)
	requirePixel(t, decoded.At(2, 0), palette[255].R, palette[255].G, palette[255].B)
}

func TestRenderIsDeterministic(t *testing.T) {
	var img = &Image{Width: 8, Height: 6, Data: make([]float64, 48)}
	for i := range img.Data {
		img.Data[i] = float64(i % 7)
	}

	var a, b bytes.Buffer
	require.NoError(t, RenderPNG(img, &a))
	require.NoError(t, RenderPNG(img, &b))
	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestRenderFlatImage(t *testing.T) {
	var img = &Image{Width: 2, Height: 2, Data: []float64{5, 5, 5, 5}}

	var buf bytes.Buffer
	require.NoError(t, RenderPNG(img, &buf))

	var decoded, err = png.Decode(&buf)
	require.NoError(t, err)
	for y := 0; y != 2; y++ {
		for x := 0; x != 2; x++ {
			requirePixel(t, decoded.At(x, y), palette[0].R, palette[0].G, palette[0].B)
		}
	}
}

func TestPaletteEndpoints(t *testing.T) {
	require.Equal(t, paletteStops[0], [3]uint8{palette[0].R, palette[0].G, palette[0].B})
	require.Equal(t, paletteStops[len(paletteStops)-1],
		[3]uint8{palette[255].R, palette[255].G, palette[255].B})
}

func requirePixel(t *testing.T, c color.Color, r, g, b uint8) {
	t.Helper()

	var cr, cg, cb, _ = c.RGBA()
	require.Equal(t, [3]uint8{r, g, b}, [3]uint8{uint8(cr >> 8), uint8(cg >> 8), uint8(cb >> 8)})
}
