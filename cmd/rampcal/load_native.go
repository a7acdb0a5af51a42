//go:build !purego && !js

package main

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"rampcal/pkg/rampcal"
)

// loadSaturationImage reads saturation levels in DN from a single-channel
// image (16-bit PNG or TIFF).
func loadSaturationImage(path string) (*rampcal.SaturationMap, error) {
	src := gocv.IMRead(path, gocv.IMReadAnyDepth)
	if src.Empty() {
		return nil, errors.Errorf("could not load image: %s", path)
	}
	defer src.Close()

	levels := gocv.NewMat()
	defer levels.Close()
	src.ConvertTo(&levels, gocv.MatTypeCV32F)

	data, err := levels.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "reading saturation levels")
	}
	sat := &rampcal.SaturationMap{NY: levels.Rows(), NX: levels.Cols()}
	sat.Threshold = append([]float32(nil), data[:sat.NY*sat.NX]...)
	return sat, nil
}
