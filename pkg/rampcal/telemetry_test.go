package rampcal

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func flaggedByStage(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "rampcal_flagged_samples_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				stage, _ := dp.Attributes.Value(attribute.Key("stage"))
				out[stage.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestPipelineTelemetry(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	const ny, nx = 6, 6
	cube := linearCube(6, 3, ny, nx, 0, 1)
	rates := rateStack(6, ny*nx)
	rates[1][4] += 40

	p := testPipeline()
	p.TracerProvider, p.MeterProvider = tp, mp
	p.RemoveKTC, p.RemoveOneOverF = false, false
	p.Flagger = &recordingFlagger{pixels: []int{14}}
	p.Saturation.NPixGrowSat = 0
	p.Fitter = &scriptedFitter{results: []*RampFitResult{{Rate: make([]float32, ny*nx), RateInts: rates}}}

	_, err := p.Run(context.Background(), cube)
	require.NoError(t, err)

	spans := exporter.GetSpans()
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name)
		assert.Equal(t, codes.Ok, s.Status.Code, s.Name)
	}
	for _, stage := range Sequence(FamilyNearIR) {
		assert.Contains(t, names, "rampcal.stage."+string(stage))
	}
	assert.Contains(t, names, "rampcal.stage.ramp_fit")
	assert.Contains(t, names, "rampcal.stage.rateint_outliers")

	flagged := flaggedByStage(t, reader)
	assert.Equal(t, int64(6*3), flagged["saturation"], "one pixel in every group")
	assert.Equal(t, int64(3), flagged["rateint_outliers"], "one pixel-integration across three groups")
}

func TestStageTelemetryRecordsErrors(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	p := testPipeline()
	p.TracerProvider = tp
	p.Steps[StageIPC] = StepFunc{StepName: "ipc", Fn: func(context.Context, *RampCube) (*RampCube, error) {
		return nil, errors.New("kernel missing")
	}}
	_, err := p.Run(context.Background(), linearCube(1, 3, 4, 4, 0, 1))
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.NotEmpty(t, spans)
	last := spans[len(spans)-1]
	assert.Equal(t, "rampcal.stage.ipc", last.Name)
	assert.Equal(t, codes.Error, last.Status.Code)
	assert.Contains(t, last.Status.Description, "kernel missing")
	require.NotEmpty(t, last.Events, "error recorded as span event")
}

func TestCountFlagged(t *testing.T) {
	cube := NewRampCube("NIRCAM", subarray("SUB", 2, 2), 1, 2, 2, 2, 1, 1)
	assert.Zero(t, countFlagged(cube))
	cube.GroupDQ[1] = Saturated
	cube.GroupDQ[5] = JumpDet | DoNotUse
	assert.Equal(t, 2, countFlagged(cube))
	assert.Zero(t, countFlagged(nil))
}
