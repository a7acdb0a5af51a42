package rampcal

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// DQ is a data quality bitmask. Bit positions follow the JWST pixel flag
// definitions so masks can be exchanged with the calibration framework.
type DQ uint32

const (
	DoNotUse       DQ = 1 << 0
	Saturated      DQ = 1 << 1
	JumpDet        DQ = 1 << 2
	Dropout        DQ = 1 << 3
	Outlier        DQ = 1 << 4
	NonScience     DQ = 1 << 9
	RC             DQ = 1 << 14
	ReferencePixel DQ = 1 << 31
)

var dqNames = []struct {
	flag DQ
	name string
}{
	{DoNotUse, "DO_NOT_USE"},
	{Saturated, "SATURATED"},
	{JumpDet, "JUMP_DET"},
	{Dropout, "DROPOUT"},
	{Outlier, "OUTLIER"},
	{NonScience, "NON_SCIENCE"},
	{RC, "RC"},
	{ReferencePixel, "REFERENCE_PIXEL"},
}

// Has reports whether any bit of flag is set.
func (d DQ) Has(flag DQ) bool { return d&flag != 0 }

func (d DQ) String() string {
	if d == 0 {
		return "GOOD"
	}
	var names []string
	rest := d
	for _, n := range dqNames {
		if d&n.flag != 0 {
			names = append(names, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// Subarray describes the detector readout window. XStart and YStart are
// 1-based, as in the exposure metadata.
type Subarray struct {
	Name   string
	XStart int
	YStart int
	XSize  int
	YSize  int
}

// IsFullFrame reports whether the readout covers the full detector.
func (s Subarray) IsFullFrame() bool {
	return strings.Contains(strings.ToUpper(s.Name), "FULL")
}

// RampCube is an up-the-ramp exposure: data[nint, ngroup, ny, nx] with a
// per-sample group DQ of the same shape and a per-pixel DQ of [ny, nx].
// ZeroFrame, when present, is [nint, ny, nx].
type RampCube struct {
	Instrument string
	Subarray   Subarray
	NInt       int
	NGroup     int
	NY         int
	NX         int
	TGroup     float64
	NOutputs   int

	Data      []float32
	GroupDQ   []DQ
	PixelDQ   []DQ
	ZeroFrame []float32
}

// NewRampCube allocates a zeroed cube.
func NewRampCube(instrument string, sub Subarray, nint, ngroup, ny, nx int, tgroup float64, noutputs int) *RampCube {
	n := nint * ngroup * ny * nx
	return &RampCube{
		Instrument: instrument,
		Subarray:   sub,
		NInt:       nint,
		NGroup:     ngroup,
		NY:         ny,
		NX:         nx,
		TGroup:     tgroup,
		NOutputs:   noutputs,
		Data:       make([]float32, n),
		GroupDQ:    make([]DQ, n),
		PixelDQ:    make([]DQ, ny*nx),
	}
}

// Validate checks that the array lengths agree with the declared shape.
func (c *RampCube) Validate() error {
	if c.NInt <= 0 || c.NGroup <= 0 || c.NY <= 0 || c.NX <= 0 {
		return errors.Wrapf(ErrGeometryMismatch, "invalid shape [%d %d %d %d]", c.NInt, c.NGroup, c.NY, c.NX)
	}
	n := c.NInt * c.NGroup * c.NY * c.NX
	if len(c.Data) != n || len(c.GroupDQ) != n {
		return errors.Wrapf(ErrGeometryMismatch, "data/groupdq length %d/%d, want %d", len(c.Data), len(c.GroupDQ), n)
	}
	if len(c.PixelDQ) != c.NY*c.NX {
		return errors.Wrapf(ErrGeometryMismatch, "pixeldq length %d, want %d", len(c.PixelDQ), c.NY*c.NX)
	}
	if c.ZeroFrame != nil && len(c.ZeroFrame) != c.NInt*c.NY*c.NX {
		return errors.Wrapf(ErrGeometryMismatch, "zeroframe length %d, want %d", len(c.ZeroFrame), c.NInt*c.NY*c.NX)
	}
	return nil
}

// Clone returns a deep copy.
func (c *RampCube) Clone() *RampCube {
	out := *c
	out.Data = append([]float32(nil), c.Data...)
	out.GroupDQ = append([]DQ(nil), c.GroupDQ...)
	out.PixelDQ = append([]DQ(nil), c.PixelDQ...)
	if c.ZeroFrame != nil {
		out.ZeroFrame = append([]float32(nil), c.ZeroFrame...)
	}
	return &out
}

func (c *RampCube) String() string {
	return fmt.Sprintf("{Instrument=%s, Subarray=%s, Shape=[%d %d %d %d], TGroup=%g, NOutputs=%d, ZeroFrame=%t}",
		c.Instrument, c.Subarray.Name, c.NInt, c.NGroup, c.NY, c.NX, c.TGroup, c.NOutputs, c.ZeroFrame != nil)
}

func (c *RampCube) npix() int { return c.NY * c.NX }

func (c *RampCube) frameOffset(integ, group int) int {
	return (integ*c.NGroup + group) * c.npix()
}

// Frame returns the [ny*nx] view of one group of one integration.
func (c *RampCube) Frame(integ, group int) []float32 {
	off := c.frameOffset(integ, group)
	return c.Data[off : off+c.npix()]
}

// GroupDQFrame returns the [ny*nx] group DQ view of one group of one integration.
func (c *RampCube) GroupDQFrame(integ, group int) []DQ {
	off := c.frameOffset(integ, group)
	return c.GroupDQ[off : off+c.npix()]
}

// ZeroFrameOf returns the zero-frame view of one integration, or nil.
func (c *RampCube) ZeroFrameOf(integ int) []float32 {
	if c.ZeroFrame == nil {
		return nil
	}
	off := integ * c.npix()
	return c.ZeroFrame[off : off+c.npix()]
}

// GroupTimes returns the sample time of each group, (g+1)*TGroup.
func (c *RampCube) GroupTimes() []float64 {
	t := make([]float64, c.NGroup)
	for g := range t {
		t[g] = float64(g+1) * c.TGroup
	}
	return t
}

// SaturationMap holds per-pixel saturation thresholds. NaN or non-positive
// thresholds mean the pixel has no saturation check.
type SaturationMap struct {
	NY        int
	NX        int
	Threshold []float32
}

// NewSaturationMap creates a map with a constant threshold.
func NewSaturationMap(ny, nx int, threshold float32) *SaturationMap {
	t := make([]float32, ny*nx)
	for i := range t {
		t[i] = threshold
	}
	return &SaturationMap{NY: ny, NX: nx, Threshold: t}
}

func (s *SaturationMap) limit(idx int) (float32, bool) {
	v := s.Threshold[idx]
	if math.IsNaN(float64(v)) || v <= 0 {
		return 0, false
	}
	return v, true
}

// SlopeFitResult holds per-integration intercept and slope maps.
// NaN marks pixels with fewer than two usable samples.
type SlopeFitResult struct {
	NInt  int
	NY    int
	NX    int
	Bias  [][]float32
	Slope [][]float32
}

// SaturationParams controls the saturation corrector.
type SaturationParams struct {
	NPixGrowSat  int
	GrowDiagonal bool
	FlagRCSat    bool
}

// NewSaturationParams returns the coronagraphic defaults.
func NewSaturationParams() *SaturationParams {
	return &SaturationParams{
		NPixGrowSat:  1,
		GrowDiagonal: false,
		FlagRCSat:    true,
	}
}

func (p *SaturationParams) Validate() error {
	if p.NPixGrowSat < 0 {
		return errors.Wrapf(ErrInvalidParams, "n_pix_grow_sat must be >= 0, got %d", p.NPixGrowSat)
	}
	return nil
}

// RefPixParams controls the pseudo reference pixel correction.
type RefPixParams struct {
	NLower           int
	NUpper           int
	NLeft            int
	NRight           int
	NRowOff          int
	NColOff          int
	UseSideRefPixels bool
}

// NewRefPixParams returns four pseudo reference rows and columns on every edge.
func NewRefPixParams() *RefPixParams {
	return &RefPixParams{
		NLower:           4,
		NUpper:           4,
		NLeft:            4,
		NRight:           4,
		UseSideRefPixels: true,
	}
}

func (p *RefPixParams) Validate() error {
	for name, v := range map[string]int{
		"nlower": p.NLower, "nupper": p.NUpper, "nleft": p.NLeft, "nright": p.NRight,
		"nrow_off": p.NRowOff, "ncol_off": p.NColOff,
	} {
		if v < 0 {
			return errors.Wrapf(ErrInvalidParams, "%s must be >= 0, got %d", name, v)
		}
	}
	return nil
}

// OutlierParams controls cross-integration outlier detection.
type OutlierParams struct {
	SigmaCut       float64
	NIntMin        int
	ClipIterations int
	// SkipFirstIntegration excludes integration 0 from the statistics and
	// from flagging (MIRI first integrations carry reset transients).
	SkipFirstIntegration bool
}

func NewOutlierParams() *OutlierParams {
	return &OutlierParams{
		SigmaCut:       5,
		NIntMin:        5,
		ClipIterations: 5,
	}
}

func (p *OutlierParams) Validate() error {
	if p.SigmaCut <= 0 {
		return errors.Wrapf(ErrInvalidParams, "sigma_cut must be > 0, got %g", p.SigmaCut)
	}
	if p.ClipIterations < 1 {
		return errors.Wrapf(ErrInvalidParams, "clip iterations must be >= 1, got %d", p.ClipIterations)
	}
	return nil
}

// NoiseModel selects how the per-row 1/f profile is modeled.
type NoiseModel int

const (
	NoiseModelSavGol NoiseModel = iota
	NoiseModelMean
	NoiseModelMedian
)

func (m NoiseModel) String() string {
	switch m {
	case NoiseModelSavGol:
		return "savgol"
	case NoiseModelMean:
		return "mean"
	case NoiseModelMedian:
		return "median"
	default:
		return "unknown"
	}
}

// ParseNoiseModel converts a configuration string into a NoiseModel.
func ParseNoiseModel(s string) (NoiseModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "savgol", "":
		return NoiseModelSavGol, nil
	case "mean":
		return NoiseModelMean, nil
	case "median":
		return NoiseModelMedian, nil
	}
	return 0, errors.Wrapf(ErrInvalidParams, "unknown noise model %q", s)
}

// OneOverFParams controls the 1/f noise remover.
type OneOverFParams struct {
	Model     NoiseModel
	Window    int
	PolyOrder int
	NSigma    float64
	// MaxIter caps the outlier-rejecting refit loop.
	MaxIter int
	SatFrac float64
}

func NewOneOverFParams() *OneOverFParams {
	return &OneOverFParams{
		Model:     NoiseModelSavGol,
		Window:    31,
		PolyOrder: 2,
		NSigma:    3,
		MaxIter:   5,
		SatFrac:   DefaultSatFrac,
	}
}

func (p *OneOverFParams) Validate() error {
	if p.Model < NoiseModelSavGol || p.Model > NoiseModelMedian {
		return errors.Wrapf(ErrInvalidParams, "unknown noise model %d", p.Model)
	}
	if p.Model == NoiseModelSavGol {
		if p.Window < 3 || p.Window%2 == 0 {
			return errors.Wrapf(ErrInvalidParams, "savgol window must be odd and >= 3, got %d", p.Window)
		}
		if p.PolyOrder < 0 || p.PolyOrder >= p.Window {
			return errors.Wrapf(ErrInvalidParams, "savgol order %d invalid for window %d", p.PolyOrder, p.Window)
		}
	}
	if p.NSigma <= 0 || p.MaxIter < 1 {
		return errors.Wrapf(ErrInvalidParams, "nsigma %g / max_iter %d must be positive", p.NSigma, p.MaxIter)
	}
	return validateSatFrac(p.SatFrac)
}

// DefaultSatFrac is the fraction of the saturation threshold above which
// samples are excluded from the slope fit.
const DefaultSatFrac = 0.5

func validateSatFrac(f float64) error {
	if !(f > 0 && f <= 1) {
		return errors.Wrapf(ErrInvalidParams, "sat_frac must be in (0, 1], got %g", f)
	}
	return nil
}
