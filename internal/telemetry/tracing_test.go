package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: the tracer provider and propagator are process globals.
func TestInitTracerProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), "relist-test", recorder)
	require.NoError(t, err)
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()

	ctx, span := otel.Tracer("test").Start(context.Background(), "job publish")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "job publish", ended[0].Name())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
}
