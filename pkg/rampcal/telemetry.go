package rampcal

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "rampcal"
	MeterName  = "rampcal"
)

// stageTelemetry emits one span per pipeline stage and counts the samples
// each stage newly flagged. Both are no-ops until a provider is installed.
type stageTelemetry struct {
	tracer  trace.Tracer
	flagged metric.Int64Counter
}

// newStageTelemetry uses the global providers where tp or mp is nil.
func newStageTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *stageTelemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	t := &stageTelemetry{tracer: tp.Tracer(TracerName)}
	counter, err := mp.Meter(MeterName).Int64Counter(
		"rampcal_flagged_samples_total",
		metric.WithDescription("Group DQ samples newly flagged by a pipeline stage"),
	)
	if err == nil {
		t.flagged = counter
	}
	return t
}

func (t *stageTelemetry) start(ctx context.Context, stage StageName, cube *RampCube) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("rampcal.stage.%s", stage),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("rampcal.stage", string(stage)),
			attribute.String("rampcal.instrument", cube.Instrument),
			attribute.String("rampcal.subarray", cube.Subarray.Name),
			attribute.Int("rampcal.nint", cube.NInt),
			attribute.Int("rampcal.ngroup", cube.NGroup),
			attribute.Int("rampcal.ny", cube.NY),
			attribute.Int("rampcal.nx", cube.NX),
		),
	)
}

func (t *stageTelemetry) finish(ctx context.Context, span trace.Span, stage StageName, newlyFlagged int, err error) {
	defer span.End()
	span.SetAttributes(attribute.Int("rampcal.flagged_samples", newlyFlagged))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if t.flagged != nil && newlyFlagged > 0 {
		t.flagged.Add(ctx, int64(newlyFlagged), metric.WithAttributes(attribute.String("stage", string(stage))))
	}
	span.SetStatus(codes.Ok, "")
}

// countFlagged returns the number of samples with any group DQ bit set.
func countFlagged(cube *RampCube) int {
	if cube == nil {
		return 0
	}
	n := 0
	for _, v := range cube.GroupDQ {
		if v != 0 {
			n++
		}
	}
	return n
}
