package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"rampcal/internal/config"
	"rampcal/internal/fitsimg"
	"rampcal/internal/logging"
	rc "rampcal/pkg/rampcal"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	instrument string
	subarray   string
	nint       int
	ngroup     int
	ny         int
	nx         int
	seed       int64
	satLevel   float64
	satRef     string
	out        string
	trace      bool
}

func parseOptions(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("rampcal", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&o.instrument, "instrument", "NIRCAM", "instrument name (NIRCAM, NIRISS, MIRI, ...)")
	fs.StringVar(&o.subarray, "subarray", "SUB64P", "subarray name; names containing FULL use four outputs")
	fs.IntVar(&o.nint, "nint", 6, "integrations")
	fs.IntVar(&o.ngroup, "ngroup", 8, "groups per integration")
	fs.IntVar(&o.ny, "ny", 64, "rows")
	fs.IntVar(&o.nx, "nx", 64, "columns")
	fs.Int64Var(&o.seed, "seed", 1, "random seed of the synthetic exposure")
	fs.Float64Var(&o.satLevel, "sat-level", 60000, "saturation level in DN when no reference is given")
	fs.StringVar(&o.satRef, "satref", "", "saturation reference (FITS, 16-bit PNG or TIFF)")
	fs.StringVar(&o.out, "out", "", "write the rate product to this FITS file")
	fs.BoolVar(&o.trace, "trace", false, "print stage spans to stderr")
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "usage: rampcal [flags]")
	}
	if o.nint < 1 || o.ngroup < 2 || o.ny < 1 || o.nx < 1 {
		return nil, errors.Errorf("invalid shape nint=%d ngroup=%d ny=%d nx=%d", o.nint, o.ngroup, o.ny, o.nx)
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if opts.trace {
		shutdown, err := installTracing()
		if err != nil {
			return err
		}
		defer shutdown(ctx)
	}

	cube := synthesize(opts)
	satRef, err := loadSaturationReference(opts, cube)
	if err != nil {
		return err
	}

	p := rc.NewPipeline(logger)
	if err := cfg.Apply(p); err != nil {
		return err
	}
	lookup := rc.StaticSaturationLookup{Reference: satRef}
	p.Lookup = lookup
	p.Flagger = rc.ThresholdFlagger{Lookup: lookup}
	p.RefPixCorrector = rc.BorderRefPixCorrector{}
	sat, err := lookup.SaturationMap(ctx, cube)
	if err != nil {
		return err
	}
	p.Fitter = rc.OLSRampFitter{Saturation: sat, SatFrac: cfg.Ramp.SatFrac}
	reader := sdkmetric.NewManualReader()
	p.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	fmt.Fprintf(stdout, "Processing: %s\n", cube)
	start := time.Now()
	res, err := p.Run(ctx, cube)
	if err != nil {
		return err
	}
	printSummary(stdout, res, time.Since(start))
	if err := printFlaggedByStage(ctx, stdout, reader); err != nil {
		return err
	}

	if opts.out != "" && res.Rate != nil {
		img := fitsimg.FromRate(res.Cube, res.Rate, res.Suffix)
		if res.Suffix == "rateints" {
			img = fitsimg.FromRateInts(res.Cube, res.RateInts)
		}
		img.Header["RUNID"] = res.RunID
		if err := fitsimg.WriteFile(opts.out, img); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Wrote %s\n", opts.out)
	}
	return nil
}

// synthesize builds the demo exposure: flat background, one saturating
// source, reference pixels on full-frame borders.
func synthesize(o *options) *rc.RampCube {
	sp := rc.NewSyntheticParams()
	sp.Instrument = strings.ToUpper(o.instrument)
	sp.Subarray = rc.Subarray{Name: strings.ToUpper(o.subarray), XStart: 1, YStart: 1, XSize: o.nx, YSize: o.ny}
	sp.NInt, sp.NGroup, sp.NY, sp.NX = o.nint, o.ngroup, o.ny, o.nx
	sp.SaturationLevel = o.satLevel
	sp.Sources = []rc.Source{{X: o.nx / 2, Y: o.ny / 2, Radius: 1, Rate: o.satLevel / (float64(o.ngroup) * sp.TGroup) * 2}}
	if sp.Subarray.IsFullFrame() {
		sp.NOutputs = 4
		sp.RefBorder = 4
	}
	return rc.NewSyntheticRamp(sp, rand.New(rand.NewSource(o.seed)))
}

func loadSaturationReference(o *options, cube *rc.RampCube) (*rc.SaturationMap, error) {
	if o.satRef == "" {
		return rc.NewSaturationMap(cube.NY, cube.NX, float32(o.satLevel)), nil
	}
	lower := strings.ToLower(o.satRef)
	if strings.HasSuffix(lower, ".fits") || strings.HasSuffix(lower, ".fit") {
		img, err := fitsimg.ReadFile(o.satRef, 0)
		if err != nil {
			return nil, err
		}
		return img.SaturationMap()
	}
	return loadSaturationImage(o.satRef)
}

func installTracing() (func(context.Context), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, errors.Wrap(err, "create trace exporter")
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			slog.WarnContext(ctx, "trace provider shutdown", slog.Any("error", err))
		}
	}, nil
}

func printSummary(w io.Writer, res *rc.Result, elapsed time.Duration) {
	cube := res.Cube
	var saturated, jumps, doNotUse int
	for _, v := range cube.GroupDQ {
		if v.Has(rc.Saturated) {
			saturated++
		}
		if v.Has(rc.JumpDet) {
			jumps++
		}
		if v.Has(rc.DoNotUse) {
			doNotUse++
		}
	}
	stages := make([]string, len(res.Stages))
	for i, s := range res.Stages {
		stages[i] = string(s)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "=== Ramp Calibration Results (%.1fs) ===\n", elapsed.Seconds())
	fmt.Fprintf(w, "  Run ID:          %s\n", res.RunID)
	fmt.Fprintf(w, "  Family:          %s\n", res.Family)
	fmt.Fprintf(w, "  Shape:           %d x %d x %d x %d\n", cube.NInt, cube.NGroup, cube.NY, cube.NX)
	fmt.Fprintf(w, "  Stages:          %s\n", strings.Join(stages, ", "))
	fmt.Fprintf(w, "  Refpix:          %s\n", res.RefPixState)
	fmt.Fprintf(w, "  Saturated:       %d samples\n", saturated)
	fmt.Fprintf(w, "  Jump/DO_NOT_USE: %d / %d samples\n", jumps, doNotUse)
	fmt.Fprintf(w, "  Outliers:        applied=%t\n", res.OutliersApplied)
	fmt.Fprintf(w, "  Product:         %s\n", res.Suffix)
	if res.Rate != nil {
		rates := make([]float64, 0, len(res.Rate))
		for k, v := range res.Rate {
			if !math.IsNaN(float64(v)) && !cube.PixelDQ[k].Has(rc.ReferencePixel) {
				rates = append(rates, float64(v))
			}
		}
		median, mad := medianMAD(rates)
		fmt.Fprintf(w, "  Rate (median):   %.3f +/- %.3f DN/s\n", median, mad)
	}
	fmt.Fprintln(w, "==============================")
}

// printFlaggedByStage reports the flagged-sample counter per stage.
func printFlaggedByStage(ctx context.Context, w io.Writer, reader *sdkmetric.ManualReader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return errors.Wrap(err, "collect metrics")
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || m.Name != "rampcal_flagged_samples_total" {
				continue
			}
			for _, dp := range sum.DataPoints {
				if stage, ok := dp.Attributes.Value("stage"); ok {
					counts[stage.AsString()] += dp.Value
				}
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}
	stages := make([]string, 0, len(counts))
	for s := range counts {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	fmt.Fprintln(w, "Newly flagged samples:")
	for _, s := range stages {
		fmt.Fprintf(w, "  %-18s %d\n", s, counts[s])
	}
	return nil
}

func medianMAD(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	median := middle(sorted)

	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	sort.Float64s(deviations)
	return median, 1.4826 * middle(deviations)
}

func middle(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
