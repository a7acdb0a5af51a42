package rampcal

import (
	"math/rand"
)

// Source is a point-like source added to a synthetic ramp.
type Source struct {
	X, Y   int
	Radius int
	Rate   float64
}

// SyntheticParams describes a synthetic exposure.
type SyntheticParams struct {
	Instrument string
	Subarray   Subarray
	NInt       int
	NGroup     int
	NY         int
	NX         int
	TGroup     float64
	NOutputs   int

	Bias      float64
	Rate      float64
	ReadNoise float64
	// KTCNoise is the per-integration, per-pixel reset offset.
	KTCNoise float64
	// RowNoise is the amplitude of per-row, per-channel stripes in every group.
	RowNoise float64
	// SaturationLevel clips the signal when positive.
	SaturationLevel float64
	Sources         []Source
	ZeroFrame       bool
	// RefBorder is the width of the reference pixel frame on every edge.
	// Reference pixels collect no signal and are flagged REFERENCE_PIXEL.
	RefBorder int
}

// NewSyntheticParams returns a small NIRCam subarray exposure.
func NewSyntheticParams() *SyntheticParams {
	return &SyntheticParams{
		Instrument: "NIRCAM",
		Subarray:   Subarray{Name: "SUB64P", XStart: 1, YStart: 1, XSize: 64, YSize: 64},
		NInt:       6,
		NGroup:     8,
		NY:         64,
		NX:         64,
		TGroup:     10.7,
		NOutputs:   1,
		Bias:       12000,
		Rate:       5,
		ReadNoise:  10,
		KTCNoise:   30,
		RowNoise:   20,
	}
}

// NewSyntheticRamp builds an exposure from p. The result is deterministic
// for a given rng seed.
func NewSyntheticRamp(p *SyntheticParams, rng *rand.Rand) *RampCube {
	cube := NewRampCube(p.Instrument, p.Subarray, p.NInt, p.NGroup, p.NY, p.NX, p.TGroup, p.NOutputs)
	if p.ZeroFrame {
		cube.ZeroFrame = make([]float32, p.NInt*p.NY*p.NX)
	}

	rate := make([]float64, p.NY*p.NX)
	for k := range rate {
		rate[k] = p.Rate
	}
	for _, s := range p.Sources {
		for y := s.Y - s.Radius; y <= s.Y+s.Radius; y++ {
			for x := s.X - s.Radius; x <= s.X+s.Radius; x++ {
				if y >= 0 && y < p.NY && x >= 0 && x < p.NX {
					rate[y*p.NX+x] += s.Rate
				}
			}
		}
	}

	if b := p.RefBorder; b > 0 {
		mask := make([]bool, p.NY*p.NX)
		for y := 0; y < p.NY; y++ {
			for x := 0; x < p.NX; x++ {
				if y < b || y >= p.NY-b || x < b || x >= p.NX-b {
					mask[y*p.NX+x] = true
					rate[y*p.NX+x] = 0
				}
			}
		}
		FlagMask(cube.PixelDQ, mask, ReferencePixel)
	}

	clip := func(v float64) float32 {
		if p.SaturationLevel > 0 && v > p.SaturationLevel {
			v = p.SaturationLevel
		}
		return float32(v)
	}

	width := p.NX
	if p.NOutputs > 0 {
		width = p.NX / p.NOutputs
	}
	times := cube.GroupTimes()
	bias := make([]float64, p.NY*p.NX)
	stripes := make([]float64, p.NY*max(p.NOutputs, 1))
	for i := 0; i < p.NInt; i++ {
		for k := range bias {
			bias[k] = p.Bias + p.KTCNoise*rng.NormFloat64()
		}
		if zf := cube.ZeroFrameOf(i); zf != nil {
			for k := range zf {
				zf[k] = clip(bias[k] + p.ReadNoise*rng.NormFloat64())
			}
		}
		for g := 0; g < p.NGroup; g++ {
			for j := range stripes {
				stripes[j] = p.RowNoise * rng.NormFloat64()
			}
			frame := cube.Frame(i, g)
			for y := 0; y < p.NY; y++ {
				for x := 0; x < p.NX; x++ {
					k := y*p.NX + x
					stripe := stripes[y*max(p.NOutputs, 1)+x/width]
					frame[k] = clip(bias[k] + rate[k]*times[g] + stripe + p.ReadNoise*rng.NormFloat64())
				}
			}
		}
	}
	return cube
}
