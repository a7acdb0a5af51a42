package rampcal

import (
	"context"
	"log/slog"
)

// RemoveKTC subtracts each integration's fitted bias from all of its groups.
// Pixels with an undefined fit are left untouched. The fit is returned so
// that the 1/f remover can reuse its slopes.
func RemoveKTC(ctx context.Context, cube *RampCube, sat *SaturationMap, satFrac float64) (*RampCube, *SlopeFitResult, error) {
	fit, err := FitSlopes(ctx, cube, sat, satFrac)
	if err != nil {
		return nil, nil, err
	}

	err = forEachIntegration(ctx, cube.NInt, func(_ context.Context, i int) error {
		bias := fit.Bias[i]
		for g := 0; g < cube.NGroup; g++ {
			frame := cube.Frame(i, g)
			for k, b := range bias {
				if !isNaN32(b) {
					frame[k] -= b
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	slog.DebugContext(ctx, "removed kTC bias", slog.Int("nint", cube.NInt))
	return cube, fit, nil
}
