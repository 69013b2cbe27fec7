package telemetry_test

import (
	"testing"

	"github.com/CZERTAINLY/taskd/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := telemetry.InitTracer(t.Context(), "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()

	_, span := telemetry.Tracer().Start(t.Context(), "noop")
	defer span.End()
	require.False(t, span.SpanContext().IsValid())
}

func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(telemetry.TasksRejected.WithLabelValues("busy"))
	telemetry.TasksRejected.WithLabelValues("busy").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(telemetry.TasksRejected.WithLabelValues("busy")))
}
