package rampcal

import (
	"context"

	"github.com/pkg/errors"
)

// MatchSaturationMap aligns a reference saturation map with the cube. A map
// of the cube's shape is used as is; a larger (full-frame) map is cropped at
// the subarray origin.
func MatchSaturationMap(ref *SaturationMap, cube *RampCube) (*SaturationMap, error) {
	if ref == nil {
		return nil, errors.Wrap(ErrGeometryMismatch, "missing saturation reference")
	}
	if len(ref.Threshold) != ref.NY*ref.NX {
		return nil, errors.Wrapf(ErrGeometryMismatch, "saturation map length %d, want %dx%d", len(ref.Threshold), ref.NY, ref.NX)
	}
	if ref.NY == cube.NY && ref.NX == cube.NX {
		return ref, nil
	}

	x0 := cube.Subarray.XStart - 1
	y0 := cube.Subarray.YStart - 1
	if x0 < 0 || y0 < 0 || x0+cube.NX > ref.NX || y0+cube.NY > ref.NY {
		return nil, errors.Wrapf(ErrGeometryMismatch,
			"subarray %s at (%d,%d) size %dx%d does not fit saturation map %dx%d",
			cube.Subarray.Name, cube.Subarray.XStart, cube.Subarray.YStart, cube.NX, cube.NY, ref.NX, ref.NY)
	}

	out := &SaturationMap{NY: cube.NY, NX: cube.NX, Threshold: make([]float32, cube.NY*cube.NX)}
	for y := 0; y < cube.NY; y++ {
		src := ref.Threshold[(y0+y)*ref.NX+x0 : (y0+y)*ref.NX+x0+cube.NX]
		copy(out.Threshold[y*cube.NX:(y+1)*cube.NX], src)
	}
	return out, nil
}

// StaticSaturationLookup serves one reference map, cropped per cube.
type StaticSaturationLookup struct {
	Reference *SaturationMap
}

func (l StaticSaturationLookup) SaturationMap(_ context.Context, cube *RampCube) (*SaturationMap, error) {
	return MatchSaturationMap(l.Reference, cube)
}

func checkSaturationMap(sat *SaturationMap, cube *RampCube) error {
	if sat == nil {
		return nil
	}
	if sat.NY != cube.NY || sat.NX != cube.NX || len(sat.Threshold) != cube.NY*cube.NX {
		return errors.Wrapf(ErrGeometryMismatch, "saturation map %dx%d does not match cube %dx%d", sat.NX, sat.NY, cube.NX, cube.NY)
	}
	return nil
}

// checkChannels enforces the readout channel convention: four amplifiers
// on full frame, one on subarrays.
func checkChannels(cube *RampCube) error {
	want := 1
	if cube.Subarray.IsFullFrame() {
		want = 4
	}
	if cube.NOutputs != want {
		return errors.Wrapf(ErrGeometryMismatch, "subarray %s has %d outputs, want %d", cube.Subarray.Name, cube.NOutputs, want)
	}
	if cube.NX%cube.NOutputs != 0 {
		return errors.Wrapf(ErrGeometryMismatch, "nx %d not divisible by %d outputs", cube.NX, cube.NOutputs)
	}
	return nil
}
