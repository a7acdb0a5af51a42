package rampcal

import (
	"context"
)

// SaturationLookup returns the saturation thresholds matching a cube's
// subarray geometry.
type SaturationLookup interface {
	SaturationMap(ctx context.Context, cube *RampCube) (*SaturationMap, error)
}

// SaturationFlagger is the framework's saturation step. It marks newly
// saturated samples in the group DQ and grows them by nPixGrow pixels using
// its own (8-connected) neighborhood.
type SaturationFlagger interface {
	FlagSaturation(ctx context.Context, cube *RampCube, nPixGrow int) (*RampCube, error)
}

// RefPixCorrector is the framework's reference pixel correction. It reads
// the REFERENCE_PIXEL flags of the pixel DQ to find reference pixels.
type RefPixCorrector interface {
	CorrectRefPix(ctx context.Context, cube *RampCube, useSideRefPixels bool) (*RampCube, error)
}

// RampFitResult holds the products of a full ramp fit. RateInts is nil when
// the fitter only produced the combined rate.
type RampFitResult struct {
	Rate     []float32
	RateInts [][]float32
}

// RampFitter is the framework's full ramp fit. A nil result with a nil error
// means fitting was skipped.
type RampFitter interface {
	FitRamp(ctx context.Context, cube *RampCube) (*RampFitResult, error)
}

// Step is any other calibration step the framework sequences around the
// core stages (dq_init, linearity, jump, ...).
type Step interface {
	Name() string
	Run(ctx context.Context, cube *RampCube) (*RampCube, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, cube *RampCube) (*RampCube, error)
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Run(ctx context.Context, cube *RampCube) (*RampCube, error) {
	return s.Fn(ctx, cube)
}

// ProductStep post-processes the fitted rate products (gain_scale).
type ProductStep interface {
	Name() string
	RunProduct(ctx context.Context, cube *RampCube, fit *RampFitResult) (*RampFitResult, error)
}

// ProductStepFunc adapts a function to the ProductStep interface.
type ProductStepFunc struct {
	StepName string
	Fn       func(ctx context.Context, cube *RampCube, fit *RampFitResult) (*RampFitResult, error)
}

func (s ProductStepFunc) Name() string { return s.StepName }

func (s ProductStepFunc) RunProduct(ctx context.Context, cube *RampCube, fit *RampFitResult) (*RampFitResult, error) {
	return s.Fn(ctx, cube, fit)
}
