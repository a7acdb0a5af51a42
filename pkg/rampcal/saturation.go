package rampcal

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

const stepSaturation = "saturation"

// CorrectSaturation flags saturated samples through the external flagger.
// When growth is requested without diagonals the flagger runs with zero
// growth and the SATURATED bits are grown along rows and columns only.
func CorrectSaturation(ctx context.Context, cube *RampCube, flagger SaturationFlagger, p *SaturationParams) (*RampCube, error) {
	if p == nil {
		p = NewSaturationParams()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := cube.Validate(); err != nil {
		return nil, err
	}
	if flagger == nil {
		return nil, externalFailure(stepSaturation, errors.New("no saturation flagger configured"))
	}

	var rcMask []bool
	if p.FlagRCSat {
		rcMask = MaskOf(cube.PixelDQ, RC)
		for i := 0; i < cube.NInt; i++ {
			for g := 0; g < cube.NGroup; g++ {
				FlagMask(cube.GroupDQFrame(i, g), rcMask, Saturated)
			}
		}
	}

	if p.GrowDiagonal || p.NPixGrowSat == 0 {
		res, err := flagger.FlagSaturation(ctx, cube, p.NPixGrowSat)
		if err != nil {
			return nil, externalFailure(stepSaturation, err)
		}
		return res, nil
	}

	res, err := flagger.FlagSaturation(ctx, cube, 0)
	if err != nil {
		return nil, externalFailure(stepSaturation, err)
	}
	if err := res.Validate(); err != nil {
		return nil, errors.Wrap(err, "saturation flagger result")
	}

	slog.InfoContext(ctx, "growing saturation flags, ignoring diagonal growth",
		slog.Int("n_pix_grow_sat", p.NPixGrowSat))

	err = forEachIntegration(ctx, res.NInt, func(_ context.Context, i int) error {
		for g := 0; g < res.NGroup; g++ {
			dq := res.GroupDQFrame(i, g)
			grown := GrowMask(MaskOf(dq, Saturated), res.NY, res.NX, p.NPixGrowSat, false)
			FlagMask(dq, grown, Saturated)
		}

		zf := res.ZeroFrameOf(i)
		if zf == nil {
			return nil
		}
		zmask := make([]bool, len(zf))
		for k, v := range zf {
			zmask[k] = v == 0 || (rcMask != nil && rcMask[k])
		}
		for k, m := range GrowMask(zmask, res.NY, res.NX, p.NPixGrowSat, false) {
			if m {
				zf[k] = 0
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ThresholdFlagger is a minimal saturation step: a sample at or above the
// pixel threshold is flagged together with every later group of that
// integration. Growth uses the 8-connected neighborhood. Saturated
// zero-frame pixels are set to 0.
type ThresholdFlagger struct {
	Lookup SaturationLookup
}

func (f ThresholdFlagger) FlagSaturation(ctx context.Context, cube *RampCube, nPixGrow int) (*RampCube, error) {
	if f.Lookup == nil {
		return nil, errors.New("no saturation lookup configured")
	}
	sat, err := f.Lookup.SaturationMap(ctx, cube)
	if err != nil {
		return nil, err
	}
	if err := checkSaturationMap(sat, cube); err != nil {
		return nil, err
	}

	err = forEachIntegration(ctx, cube.NInt, func(_ context.Context, i int) error {
		hit := make([]bool, cube.npix())
		for g := 0; g < cube.NGroup; g++ {
			frame := cube.Frame(i, g)
			for k, v := range frame {
				if lim, ok := sat.limit(k); ok && v >= lim {
					hit[k] = true
				}
			}
			mask := GrowMask(hit, cube.NY, cube.NX, nPixGrow, true)
			FlagMask(cube.GroupDQFrame(i, g), mask, Saturated)
		}

		if zf := cube.ZeroFrameOf(i); zf != nil {
			zhit := make([]bool, len(zf))
			for k, v := range zf {
				if lim, ok := sat.limit(k); ok && v >= lim {
					zhit[k] = true
				}
			}
			for k, m := range GrowMask(zhit, cube.NY, cube.NX, nPixGrow, true) {
				if m {
					zf[k] = 0
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cube, nil
}
