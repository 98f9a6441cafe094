package haadf

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
)

// paletteStops anchor the false-color palette. The 256-entry table is
// their linear interpolation, dark-to-bright.
var paletteStops = [...][3]uint8{
	{68, 1, 84},
	{59, 82, 139},
	{33, 145, 140},
	{94, 201, 98},
	{253, 231, 37},
}

var palette = buildPalette()

func buildPalette() (p [256]color.NRGBA) {
	for i := range p {
		var t = float64(i) / 255 * float64(len(paletteStops)-1)
		var k = int(t)
		if k == len(paletteStops)-1 {
			k--
		}
		var f = t - float64(k)
		var a, b = paletteStops[k], paletteStops[k+1]
		p[i] = color.NRGBA{
			R: lerp(a[0], b[0], f),
			G: lerp(a[1], b[1], f),
			B: lerp(a[2], b[2], f),
			A: 255,
		}
	}
	return p
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(float64(a) + f*(float64(b)-float64(a)) + 0.5)
}

// RenderPNG writes |img| to |w| as a PNG, mapping intensities through
// min-max normalization and the fixed false-color palette. Equal inputs
// produce byte-identical output.
func RenderPNG(img *Image, w io.Writer) error {
	var lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range img.Data {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	var scale float64
	if hi > lo {
		scale = 255 / (hi - lo)
	}

	var out = image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y != img.Height; y++ {
		for x := 0; x != img.Width; x++ {
			var idx int
			if v := img.At(x, y); !math.IsNaN(v) {
				idx = int((v-lo)*scale + 0.5)
			}
			if idx < 0 {
				idx = 0
			} else if idx > 255 {
				idx = 255
			}
			out.SetNRGBA(x, y, palette[idx])
		}
	}
	return png.Encode(w, out)
}
