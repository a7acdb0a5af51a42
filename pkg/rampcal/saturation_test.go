package rampcal

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingFlagger saturates fixed pixels in every group and records the
// requested growth.
type recordingFlagger struct {
	pixels []int
	calls  []int
	err    error
}

func (f *recordingFlagger) FlagSaturation(_ context.Context, cube *RampCube, nPixGrow int) (*RampCube, error) {
	f.calls = append(f.calls, nPixGrow)
	if f.err != nil {
		return nil, f.err
	}
	mask := make([]bool, cube.NY*cube.NX)
	for _, k := range f.pixels {
		mask[k] = true
	}
	mask = GrowMask(mask, cube.NY, cube.NX, nPixGrow, true)
	for i := 0; i < cube.NInt; i++ {
		for g := 0; g < cube.NGroup; g++ {
			FlagMask(cube.GroupDQFrame(i, g), mask, Saturated)
		}
	}
	return cube, nil
}

func saturatedPixels(cube *RampCube, integ, group int) map[int]bool {
	out := map[int]bool{}
	for k, v := range cube.GroupDQFrame(integ, group) {
		if v.Has(Saturated) {
			out[k] = true
		}
	}
	return out
}

func TestCorrectSaturationFlagsRCPixels(t *testing.T) {
	for _, flagRC := range []bool{true, false} {
		cube := NewRampCube("NIRCAM", subarray("SUB", 5, 5), 2, 3, 5, 5, 1, 1)
		cube.PixelDQ[7] = RC
		flagger := &recordingFlagger{}
		p := &SaturationParams{NPixGrowSat: 0, FlagRCSat: flagRC}

		out, err := CorrectSaturation(context.Background(), cube, flagger, p)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			for g := 0; g < 3; g++ {
				assert.Equal(t, flagRC, out.GroupDQFrame(i, g)[7].Has(Saturated))
				want := 0
				if flagRC {
					want = 1
				}
				assert.Len(t, saturatedPixels(out, i, g), want)
			}
		}
		assert.Equal(t, []int{0}, flagger.calls)
	}
}

func TestCorrectSaturationDiagonalUsesExternalGrowth(t *testing.T) {
	const ny, nx = 7, 7
	cube := NewRampCube("NIRCAM", subarray("SUB", ny, nx), 1, 2, ny, nx, 1, 1)
	flagger := &recordingFlagger{pixels: []int{3*nx + 3}}
	p := &SaturationParams{NPixGrowSat: 1, GrowDiagonal: true}

	out, err := CorrectSaturation(context.Background(), cube, flagger, p)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, flagger.calls)
	assert.Len(t, saturatedPixels(out, 0, 0), 9)
	assert.True(t, out.GroupDQFrame(0, 1)[2*nx+2].Has(Saturated))
}

func TestCorrectSaturationGrowsWithoutDiagonals(t *testing.T) {
	const ny, nx = 9, 9
	cube := NewRampCube("NIRCAM", subarray("SUB", ny, nx), 2, 2, ny, nx, 1, 1)
	cube.ZeroFrame = make([]float32, 2*ny*nx)
	for k := range cube.ZeroFrame {
		cube.ZeroFrame[k] = 100
	}
	// Saturated in the zero frame of integration 0 only.
	cube.ZeroFrame[4*nx+4] = 0
	cube.PixelDQ[1*nx+1] = RC
	flagger := &recordingFlagger{pixels: []int{6*nx + 6}}
	p := &SaturationParams{NPixGrowSat: 2, GrowDiagonal: false, FlagRCSat: true}

	out, err := CorrectSaturation(context.Background(), cube, flagger, p)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, flagger.calls)

	for i := 0; i < 2; i++ {
		for g := 0; g < 2; g++ {
			sat := saturatedPixels(out, i, g)
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					nearSeed := absInt(y-6)+absInt(x-6) <= 2
					nearRC := absInt(y-1)+absInt(x-1) <= 2
					assert.Equal(t, nearSeed || nearRC, sat[y*nx+x], "int %d group %d (%d,%d)", i, g, y, x)
				}
			}
		}
	}

	zf0 := out.ZeroFrameOf(0)
	zf1 := out.ZeroFrameOf(1)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			k := y*nx + x
			nearZero := absInt(y-4)+absInt(x-4) <= 2
			nearRC := absInt(y-1)+absInt(x-1) <= 2
			assert.Equal(t, nearZero || nearRC, zf0[k] == 0, "zero frame 0 (%d,%d)", y, x)
			assert.Equal(t, nearRC, zf1[k] == 0, "zero frame 1 (%d,%d)", y, x)
		}
	}
}

func TestCorrectSaturationExternalFailure(t *testing.T) {
	cube := NewRampCube("NIRCAM", subarray("SUB", 3, 3), 1, 2, 3, 3, 1, 1)
	cause := errors.New("reference file unavailable")
	_, err := CorrectSaturation(context.Background(), cube, &recordingFlagger{err: cause}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalStep)
	assert.ErrorIs(t, err, cause)
	var se *ExternalStepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "saturation", se.Step)

	_, err = CorrectSaturation(context.Background(), cube, &recordingFlagger{}, &SaturationParams{NPixGrowSat: -1})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestThresholdFlagger(t *testing.T) {
	const ny, nx = 6, 6
	cube := linearCube(1, 5, ny, nx, 0, 10)
	// Pixel (2,2) jumps above the threshold at group 2.
	k := 2*nx + 2
	for g := 2; g < 5; g++ {
		cube.Frame(0, g)[k] = 200
	}
	cube.ZeroFrame = make([]float32, ny*nx)
	for i := range cube.ZeroFrame {
		cube.ZeroFrame[i] = 10
	}
	cube.ZeroFrame[5*nx+5] = 500

	lookup := StaticSaturationLookup{Reference: NewSaturationMap(ny, nx, 150)}
	out, err := ThresholdFlagger{Lookup: lookup}.FlagSaturation(context.Background(), cube, 1)
	require.NoError(t, err)

	assert.Empty(t, saturatedPixels(out, 0, 1))
	for g := 2; g < 5; g++ {
		sat := saturatedPixels(out, 0, g)
		assert.Len(t, sat, 9, "8-connected growth at group %d", g)
		assert.True(t, sat[1*nx+1])
	}
	assert.Zero(t, out.ZeroFrame[5*nx+5])
	assert.Zero(t, out.ZeroFrame[4*nx+4])
	assert.Equal(t, float32(10), out.ZeroFrame[3*nx+3])
}
