//go:build purego || js

package main

import (
	"image"
	"image/color"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/tiff"

	"rampcal/pkg/rampcal"
)

// loadSaturationImage reads saturation levels in DN from a single-channel
// image (16-bit PNG or TIFF).
func loadSaturationImage(path string) (*rampcal.SaturationMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, "decoding image")
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	sat := &rampcal.SaturationMap{NY: h, NX: w, Threshold: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			sat.Threshold[y*w+x] = float32(g.Y)
		}
	}
	return sat, nil
}
