package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/telemetry-uploader/pkg/telemetry"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdentifier(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid outbox name %q", name)
	}
	return nil
}

func addDBStatsToSpan(span trace.Span, system, operation string, rows int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rows", rows),
		attribute.String("db.system", system),
		attribute.String("db.operation", operation),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// withSpan runs fn inside a span named after the backend operation. fn returns
// the number of rows it touched.
func withSpan(ctx context.Context, system, operation string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "outbox."+operation)
	defer span.End()

	start := time.Now()
	rows, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	addDBStatsToSpan(span, system, operation, rows, time.Since(start))
	return nil
}
