package rampcal

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rateStack returns nint deterministic rate images with a small spread
// around 10 at every pixel.
func rateStack(nint, npix int) [][]float32 {
	pattern := []float32{0, 0.2, -0.2, 0.1, -0.1, 0.15, -0.15, 0.05}
	rates := make([][]float32, nint)
	for i := range rates {
		rates[i] = make([]float32, npix)
		for k := range rates[i] {
			rates[i][k] = 10 + pattern[(i+k)%len(pattern)]
		}
	}
	return rates
}

func TestSigmaClip(t *testing.T) {
	values := []float64{10, 10.2, 9.8, 10.1, 9.9, 17.07, math.NaN()}
	res := SigmaClip(values, 5, 5)
	assert.Equal(t, []bool{true, true, true, true, true, false, false}, res.Kept)
	assert.True(t, res.Rejected(values, 5))
	assert.False(t, res.Rejected(values, 6), "NaN is never rejected")
	assert.InDelta(t, 10, res.Center, 1e-9)
	assert.InDelta(t, math.Sqrt(0.02), res.Sigma, 1e-9)
	assert.LessOrEqual(t, res.NumIterations, 5)
}

func TestDetectCubeOutliersSingleOutlier(t *testing.T) {
	const ny, nx = 4, 5
	const nint = 6
	rates := rateStack(nint, ny*nx)
	// 50 sigma of the five remaining integrations at that pixel.
	const pix, bad = 7, 3
	others := make([]float64, 0, nint-1)
	for i := 0; i < nint; i++ {
		if i != bad {
			others = append(others, float64(rates[i][pix]))
		}
	}
	var mean, sd float64
	for _, v := range others {
		mean += v / float64(len(others))
	}
	for _, v := range others {
		sd += (v - mean) * (v - mean) / float64(len(others))
	}
	sd = math.Sqrt(sd)
	rates[bad][pix] = float32(mean + 50*sd)

	mask := DetectCubeOutliers(rates, ny, nx, NewOutlierParams())
	for i := 0; i < nint; i++ {
		for k := 0; k < ny*nx; k++ {
			assert.Equal(t, i == bad && k == pix, mask[i][k], "integration %d pixel %d", i, k)
		}
	}
}

func TestDetectCubeOutliersGaussianNoise(t *testing.T) {
	const ny, nx, nint = 64, 64, 6
	const pix, bad = 64*20 + 33, 4
	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		rates := make([][]float32, nint)
		for i := range rates {
			rates[i] = make([]float32, ny*nx)
			for k := range rates[i] {
				rates[i][k] = float32(10 + rng.NormFloat64())
			}
		}
		rates[bad][pix] += 50

		mask := DetectCubeOutliers(rates, ny, nx, NewOutlierParams())
		assert.True(t, mask[bad][pix], "seed %d: injected outlier", seed)
		falseFlags := 0
		for i := range mask {
			for k, m := range mask[i] {
				if m && !(i == bad && k == pix) {
					falseFlags++
				}
			}
		}
		assert.LessOrEqual(t, falseFlags, 2, "seed %d: clean samples flagged", seed)
	}
}

func TestStackNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	rates := make([][]float32, 6)
	for i := range rates {
		rates[i] = make([]float32, 4096)
		for k := range rates[i] {
			rates[i][k] = float32(5 + 2*rng.NormFloat64())
		}
	}
	// Residuals against the median of five others scatter by about 1.13 sigma.
	assert.InDelta(t, 2*1.13, stackNoise(rates, 0, 4096), 0.15)
	assert.Zero(t, stackNoise(rateStack(6, 10)[:2], 0, 10), "too few integrations")
}

func TestApplyRateIntOutliers(t *testing.T) {
	const ny, nx, ngroup = 3, 4, 5
	const pix, bad = 6, 2

	t.Run("six integrations", func(t *testing.T) {
		cube := NewRampCube("NIRCAM", subarray("SUB", ny, nx), 6, ngroup, ny, nx, 1, 1)
		cube.GroupDQFrame(0, 0)[1] = Saturated
		rates := rateStack(6, ny*nx)
		rates[bad][pix] += 40

		out, applied, err := ApplyRateIntOutliers(context.Background(), rates, cube, nil)
		require.NoError(t, err)
		assert.True(t, applied)
		for i := 0; i < 6; i++ {
			for g := 0; g < ngroup; g++ {
				dq := out.GroupDQFrame(i, g)
				for k, v := range dq {
					switch {
					case i == bad && k == pix:
						assert.Equal(t, DoNotUse|JumpDet, v)
					case i == 0 && g == 0 && k == 1:
						assert.Equal(t, Saturated, v)
					default:
						assert.Equal(t, DQ(0), v, "integration %d group %d pixel %d", i, g, k)
					}
				}
			}
		}
	})

	t.Run("four integrations", func(t *testing.T) {
		cube := NewRampCube("NIRCAM", subarray("SUB", ny, nx), 4, ngroup, ny, nx, 1, 1)
		rates := rateStack(4, ny*nx)
		rates[bad][pix] += 1000

		out, applied, err := ApplyRateIntOutliers(context.Background(), rates, cube, nil)
		require.NoError(t, err)
		assert.False(t, applied)
		for _, v := range out.GroupDQ {
			assert.Equal(t, DQ(0), v)
		}
	})

	t.Run("first integration skipped", func(t *testing.T) {
		cube := NewRampCube("MIRI", subarray("SUB", ny, nx), 6, ngroup, ny, nx, 1, 1)
		rates := rateStack(6, ny*nx)
		rates[0][pix] += 1000
		p := NewOutlierParams()
		p.SkipFirstIntegration = true

		out, applied, err := ApplyRateIntOutliers(context.Background(), rates, cube, p)
		require.NoError(t, err)
		assert.True(t, applied, "five usable integrations")
		for _, v := range out.GroupDQ {
			assert.Equal(t, DQ(0), v)
		}

		cube5 := NewRampCube("MIRI", subarray("SUB", ny, nx), 5, ngroup, ny, nx, 1, 1)
		_, applied, err = ApplyRateIntOutliers(context.Background(), rateStack(5, ny*nx), cube5, p)
		require.NoError(t, err)
		assert.False(t, applied, "four usable integrations")
	})

	t.Run("shape mismatch", func(t *testing.T) {
		cube := NewRampCube("NIRCAM", subarray("SUB", ny, nx), 6, ngroup, ny, nx, 1, 1)
		_, _, err := ApplyRateIntOutliers(context.Background(), rateStack(5, ny*nx), cube, nil)
		assert.ErrorIs(t, err, ErrGeometryMismatch)
		_, _, err = ApplyRateIntOutliers(context.Background(), rateStack(6, ny*nx-1), cube, nil)
		assert.ErrorIs(t, err, ErrGeometryMismatch)
	})
}
