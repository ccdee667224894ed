package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/carenote/carenote/config"
)

func TestSetupOTelSDK(t *testing.T) {
	config.MockConfig(&config.Configuration{Telemetry: config.TelemetryConfig{OtelURL: "http://127.0.0.1:4318"}})

	shutdown, err := SetupOTelSDK(context.Background(), "carenote-test")
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "span")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	// Nothing listens on the collector port; the flush error is expected to be
	// joined into the result rather than hang.
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_ = shutdown(ctx)
}

func TestExporterOptions(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	assert.Empty(t, exporterOptions())

	config.MockConfig(&config.Configuration{Telemetry: config.TelemetryConfig{OtelURL: "https://otel.example.com"}})
	assert.Len(t, exporterOptions(), 1)

	config.MockConfig(&config.Configuration{Telemetry: config.TelemetryConfig{OtelURL: "collector:4318"}})
	assert.Len(t, exporterOptions(), 2)
}
