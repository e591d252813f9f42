package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInstrumentsUsableBeforeInit(t *testing.T) {
	require.NotNil(t, InitiationCounter)
	require.NotNil(t, CallbackCounter)
	require.NotNil(t, PollAttemptCounter)
	require.NotNil(t, OutcomeCounter)
	require.NotNil(t, BackendCallDuration)
	require.NotNil(t, HTTPServerDuration)

	require.NotPanics(t, func() {
		OutcomeCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "succeeded")))
		HTTPServerDuration.Record(context.Background(), 12)
	})
}

func TestRegisterInstruments_RecordsThroughProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	require.NoError(t, registerInstruments(provider.Meter("test")))
	t.Cleanup(func() {
		require.NoError(t, registerInstruments(noop.NewMeterProvider().Meter("noop")))
	})

	CallbackCounter.Add(context.Background(), 2, metric.WithAttributes(attribute.String("result", "sent")))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var found bool
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if m.Name == "payment_callbacks_total" {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			require.Equal(t, int64(2), sum.DataPoints[0].Value)
			found = true
		}
	}
	require.True(t, found)
}
