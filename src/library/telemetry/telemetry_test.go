package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	assert.Error(t, err)
}

func TestSpansReachExporter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := newTracerProvider(exporter, Config{ServiceName: "visualsphere-test", ServiceVersion: "test"})
	require.NoError(t, err)

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := Tracer().Start(context.Background(), "compile.program")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "compile.program", spans[0].Name)
	require.NoError(t, tp.Shutdown(context.Background()))
}
