package rampcal

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentFamily selects the stage ordering.
type InstrumentFamily int

const (
	FamilyNearIR InstrumentFamily = iota
	FamilyMIRI
)

func (f InstrumentFamily) String() string {
	if f == FamilyMIRI {
		return "MIRI"
	}
	return "NIR"
}

// FamilyOf maps an instrument name to its family.
func FamilyOf(instrument string) InstrumentFamily {
	if strings.Contains(strings.ToUpper(instrument), "MIRI") {
		return FamilyMIRI
	}
	return FamilyNearIR
}

// StageName identifies one stage of the detector sequence.
type StageName string

const (
	StageGroupScale      StageName = "group_scale"
	StageDQInit          StageName = "dq_init"
	StageSaturation      StageName = "saturation"
	StageIPC             StageName = "ipc"
	StageFirstFrame      StageName = "firstframe"
	StageLastFrame       StageName = "lastframe"
	StageReset           StageName = "reset"
	StageLinearity       StageName = "linearity"
	StageRSCD            StageName = "rscd"
	StageDarkCurrent     StageName = "dark_current"
	StageSuperbias       StageName = "superbias"
	StagePersistence     StageName = "persistence"
	StageRefPix          StageName = "refpix"
	StageChargeMigration StageName = "charge_migration"
	StageJump            StageName = "jump"
	StageKTC             StageName = "ktc"
	StageOneOverF        StageName = "one_over_f"
	StageRampFit         StageName = "ramp_fit"
	StageRateIntOutliers StageName = "rateint_outliers"
	StageGainScale       StageName = "gain_scale"
)

var (
	miriSequence = []StageName{
		StageGroupScale, StageDQInit, StageSaturation, StageIPC, StageFirstFrame, StageLastFrame,
		StageReset, StageLinearity, StageRSCD, StageDarkCurrent, StageRefPix, StageChargeMigration, StageJump,
	}
	nearIRSequence = []StageName{
		StageGroupScale, StageDQInit, StageSaturation, StageIPC, StageSuperbias, StageRefPix,
		StageLinearity, StagePersistence, StageDarkCurrent, StageChargeMigration, StageJump,
		StageKTC, StageOneOverF,
	}
)

// Sequence returns the ordered ramp stages of a family. The final ramp fit
// and the outlier refit follow every sequence.
func Sequence(family InstrumentFamily) []StageName {
	src := nearIRSequence
	if family == FamilyMIRI {
		src = miriSequence
	}
	return append([]StageName(nil), src...)
}

// Result is the outcome of a pipeline run.
type Result struct {
	RunID  string
	Family InstrumentFamily
	// Cube is the corrected ramp after the last stage.
	Cube     *RampCube
	Rate     []float32
	RateInts [][]float32
	// Suffix is "rate", "rateints" or "ramp" when no fit product exists.
	Suffix          string
	OutliersApplied bool
	RefPixState     RefPixState
	Stages          []StageName
}

// Pipeline runs the detector stages of one exposure. External steps that
// are missing from Steps are skipped.
type Pipeline struct {
	Logger *slog.Logger

	Saturation *SaturationParams
	RefPix     *RefPixParams
	Outliers   *OutlierParams
	OneOverF   *OneOverFParams
	SatFrac    float64

	RemoveKTC       bool
	RemoveOneOverF  bool
	RateIntOutliers bool
	ReturnRateInts  bool
	// Workers bounds concurrent integrations within a run; 0 uses GOMAXPROCS.
	Workers int

	Steps           map[StageName]Step
	Lookup          SaturationLookup
	Flagger         SaturationFlagger
	RefPixCorrector RefPixCorrector
	Fitter          RampFitter
	// GainScale runs on the final rate and rateints products when set.
	GainScale ProductStep

	// TracerProvider and MeterProvider default to the otel globals.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// NewPipeline returns a pipeline with default parameters and no
// collaborators.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Logger:          logger,
		Saturation:      NewSaturationParams(),
		RefPix:          NewRefPixParams(),
		Outliers:        NewOutlierParams(),
		OneOverF:        NewOneOverFParams(),
		SatFrac:         DefaultSatFrac,
		RemoveKTC:       true,
		RemoveOneOverF:  true,
		RateIntOutliers: true,
		Steps:           map[StageName]Step{},
	}
}

// runState carries what stages share within one run.
type runState struct {
	family   InstrumentFamily
	logger   *slog.Logger
	sat      *SaturationMap
	satReady bool
	fit      *SlopeFitResult
	refpix   RefPixState
}

// Run processes cube through the family's sequence, fits the ramp and
// optionally refits after flagging outlying integrations. The cube is owned
// by the pipeline for the duration of the call.
func (p *Pipeline) Run(ctx context.Context, cube *RampCube) (*Result, error) {
	if err := cube.Validate(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx = WithWorkers(ctx, p.Workers)
	runID := uuid.New().String()
	st := &runState{
		family: FamilyOf(cube.Instrument),
		logger: logger.With(slog.String("run_id", runID), slog.String("instrument", cube.Instrument)),
	}
	tel := newStageTelemetry(p.TracerProvider, p.MeterProvider)
	res := &Result{RunID: runID, Family: st.family}

	st.logger.InfoContext(ctx, "processing exposure",
		slog.String("family", st.family.String()), slog.String("cube", cube.String()))

	for _, stage := range Sequence(st.family) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sctx, span := tel.start(ctx, stage, cube)
		before := countFlagged(cube)
		next, ran, err := p.runStage(sctx, st, stage, cube)
		after := before
		if next != nil {
			after = countFlagged(next)
		}
		tel.finish(sctx, span, stage, after-before, err)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %s", stage)
		}
		cube = next
		if ran {
			res.Stages = append(res.Stages, stage)
		}
	}
	res.RefPixState = st.refpix

	rate, rateints, err := p.fitRamp(ctx, tel, cube)
	if err != nil {
		return nil, err
	}

	if p.RateIntOutliers && rateints != nil {
		sctx, span := tel.start(ctx, StageRateIntOutliers, cube)
		before := countFlagged(cube)
		flagged, applied, err := ApplyRateIntOutliers(sctx, rateints, cube, p.outlierParams(st.family))
		after := before
		if flagged != nil {
			after = countFlagged(flagged)
		}
		tel.finish(sctx, span, StageRateIntOutliers, after-before, err)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %s", StageRateIntOutliers)
		}
		if applied {
			cube = flagged
			res.OutliersApplied = true
			rate2, rateints2, err := p.fitRamp(ctx, tel, cube)
			if err != nil {
				return nil, err
			}
			rate, rateints = refitFallback(ctx, st.logger, rate, rateints, rate2, rateints2)
		}
	}

	if rate != nil {
		rate, rateints, err = p.gainScale(ctx, st, tel, cube, rate, rateints)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %s", StageGainScale)
		}
	}

	res.Cube, res.Rate, res.RateInts = cube, rate, rateints
	switch {
	case rate == nil:
		st.logger.InfoContext(ctx, "ramp fit returned no product, gain scale skipped")
		res.Suffix = "ramp"
	case p.ReturnRateInts:
		res.Suffix = "rateints"
	default:
		res.Suffix = "rate"
	}
	st.logger.InfoContext(ctx, "exposure processed",
		slog.String("suffix", res.Suffix), slog.Bool("outliers_applied", res.OutliersApplied),
		slog.String("refpix_state", res.RefPixState.String()))
	return res, nil
}

func (p *Pipeline) runStage(ctx context.Context, st *runState, stage StageName, cube *RampCube) (*RampCube, bool, error) {
	switch stage {
	case StageSaturation:
		if st.family == FamilyMIRI {
			return p.runExternal(ctx, st, stage, cube)
		}
		out, err := CorrectSaturation(ctx, cube, p.Flagger, p.Saturation)
		return out, err == nil, err

	case StageRefPix:
		out, state, err := CorrectReferencePixels(ctx, cube, p.RefPixCorrector, p.RefPix)
		st.refpix = state
		return out, err == nil, err

	case StageKTC:
		if !p.RemoveKTC {
			st.logger.DebugContext(ctx, "stage disabled", slog.String("stage", string(stage)))
			return cube, false, nil
		}
		sat, err := p.saturationMap(ctx, st, cube)
		if err != nil {
			return nil, false, err
		}
		out, fit, err := RemoveKTC(ctx, cube, sat, p.SatFrac)
		if err != nil {
			return nil, false, err
		}
		st.fit = fit
		return out, true, nil

	case StageOneOverF:
		if !p.RemoveOneOverF {
			st.logger.DebugContext(ctx, "stage disabled", slog.String("stage", string(stage)))
			return cube, false, nil
		}
		sat, err := p.saturationMap(ctx, st, cube)
		if err != nil {
			return nil, false, err
		}
		out, err := RemoveOneOverF(ctx, cube, sat, p.OneOverF, st.fit)
		st.fit = nil
		return out, err == nil, err
	}

	st.fit = nil
	return p.runExternal(ctx, st, stage, cube)
}

// runExternal runs a registered framework step. MIRI saturation falls back
// to the configured flagger with its default growth.
func (p *Pipeline) runExternal(ctx context.Context, st *runState, stage StageName, cube *RampCube) (*RampCube, bool, error) {
	step, ok := p.Steps[stage]
	if !ok && stage == StageSaturation && p.Flagger != nil {
		step = StepFunc{StepName: string(stage), Fn: func(ctx context.Context, c *RampCube) (*RampCube, error) {
			return p.Flagger.FlagSaturation(ctx, c, p.Saturation.NPixGrowSat)
		}}
		ok = true
	}
	if !ok {
		st.logger.DebugContext(ctx, "no step registered, skipping", slog.String("stage", string(stage)))
		return cube, false, nil
	}
	out, err := step.Run(ctx, cube)
	if err != nil {
		return nil, false, externalFailure(string(stage), err)
	}
	if out == nil {
		return nil, false, externalFailure(string(stage), errors.New("step returned no ramp"))
	}
	return out, true, nil
}

func (p *Pipeline) saturationMap(ctx context.Context, st *runState, cube *RampCube) (*SaturationMap, error) {
	if st.satReady {
		return st.sat, nil
	}
	st.satReady = true
	if p.Lookup == nil {
		return nil, nil
	}
	sat, err := p.Lookup.SaturationMap(ctx, cube)
	if err != nil {
		return nil, externalFailure("saturation_lookup", err)
	}
	st.sat = sat
	return sat, nil
}

func (p *Pipeline) fitRamp(ctx context.Context, tel *stageTelemetry, cube *RampCube) ([]float32, [][]float32, error) {
	if p.Fitter == nil {
		return nil, nil, nil
	}
	sctx, span := tel.start(ctx, StageRampFit, cube)
	res, err := p.Fitter.FitRamp(sctx, cube)
	tel.finish(sctx, span, StageRampFit, 0, err)
	if err != nil {
		return nil, nil, externalFailure(string(StageRampFit), err)
	}
	if res == nil {
		return nil, nil, nil
	}
	return res.Rate, res.RateInts, nil
}

// gainScale applies the registered gain_scale step to both products.
func (p *Pipeline) gainScale(ctx context.Context, st *runState, tel *stageTelemetry, cube *RampCube, rate []float32, rateints [][]float32) ([]float32, [][]float32, error) {
	if p.GainScale == nil {
		st.logger.DebugContext(ctx, "no step registered, skipping", slog.String("stage", string(StageGainScale)))
		return rate, rateints, nil
	}
	sctx, span := tel.start(ctx, StageGainScale, cube)
	out, err := p.GainScale.RunProduct(sctx, cube, &RampFitResult{Rate: rate, RateInts: rateints})
	if err == nil && (out == nil || out.Rate == nil) {
		err = errors.New("step returned no rate product")
	}
	if err != nil {
		err = externalFailure(string(StageGainScale), err)
	}
	tel.finish(sctx, span, StageGainScale, 0, err)
	if err != nil {
		return nil, nil, err
	}
	return out.Rate, out.RateInts, nil
}

func (p *Pipeline) outlierParams(family InstrumentFamily) *OutlierParams {
	op := NewOutlierParams()
	if p.Outliers != nil {
		c := *p.Outliers
		op = &c
	}
	if family == FamilyMIRI {
		op.SkipFirstIntegration = true
	}
	return op
}

// refitFallback keeps the original products when the refit produced none,
// and per pixel wherever the refit is undefined.
func refitFallback(ctx context.Context, logger *slog.Logger, rate []float32, rateints [][]float32, rate2 []float32, rateints2 [][]float32) ([]float32, [][]float32) {
	if rate2 == nil {
		logger.InfoContext(ctx, "refit returned no product, keeping original fit")
		return rate, rateints
	}
	restored := fillNaN(rate2, rate)
	if rateints2 != nil && len(rateints2) == len(rateints) {
		for i := range rateints2 {
			restored += fillNaN(rateints2[i], rateints[i])
		}
	}
	if restored > 0 {
		logger.DebugContext(ctx, "refit undefined for some pixels, kept original values", slog.Int("pixels", restored))
	}
	return rate2, rateints2
}

func fillNaN(dst, fallback []float32) int {
	if len(dst) != len(fallback) {
		return 0
	}
	n := 0
	for k, v := range dst {
		if isNaN32(v) && !isNaN32(fallback[k]) {
			dst[k] = fallback[k]
			n++
		}
	}
	return n
}
