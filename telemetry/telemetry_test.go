package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestInstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	inst, err := NewInstruments(mp)
	require.NoError(t, err)

	ctx := context.Background()
	inst.Entry(ctx, "PING", "DITS_REA_OBEY")
	inst.Entry(ctx, "PING", "DITS_REA_RESCHED")
	inst.Invoked(ctx, "PING")
	inst.Finished(ctx, "PING", "OK", 25*time.Millisecond)
	inst.TransactionStarted(ctx, "PING", "obey")
	inst.Canceled(ctx, "PING", 3)
	inst.Canceled(ctx, "PING", 0)
	inst.Orphan(ctx, "DITS_REA_TRIGGER")
	inst.FatalEntry(ctx, "DRAMA_MALFORMED_ENTRY")

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["drama.dispatch.entries"]))
	assert.Equal(t, int64(1), sumOf(t, got["drama.action.invocations"]))
	assert.Equal(t, int64(1), sumOf(t, got["drama.action.completions"]))
	assert.Equal(t, int64(3), sumOf(t, got["drama.transactions.canceled"]))
	assert.Equal(t, int64(1), sumOf(t, got["drama.dispatch.orphans"]))
	assert.Equal(t, int64(1), sumOf(t, got["drama.dispatch.fatal"]))

	hist, ok := got["drama.action.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestNilInstrumentsAreNoops(t *testing.T) {
	var inst *Instruments
	ctx := context.Background()
	assert.NotPanics(t, func() {
		inst.Entry(ctx, "A", "B")
		inst.Invoked(ctx, "A")
		inst.Finished(ctx, "A", "OK", time.Second)
		inst.TransactionStarted(ctx, "A", "get")
		inst.Canceled(ctx, "A", 1)
		inst.Orphan(ctx, "B")
		inst.FatalEntry(ctx, "C")
	})
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	ctx := context.Background()

	_, err := InitTracer(ctx, "test-task", "carrier-pigeon", "")
	require.Error(t, err)

	_, err = InitMeter(ctx, "test-task", "carrier-pigeon", "")
	require.Error(t, err)

	_, err = InitTracer(ctx, "test-task", ExporterOTLP, "")
	require.Error(t, err)
}

func TestInitStdout(t *testing.T) {
	ctx := context.Background()

	tp, err := InitTracer(ctx, "test-task", ExporterStdout, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	mp, err := InitMeter(ctx, "test-task", ExporterStdout, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	_, err = NewInstruments(mp)
	require.NoError(t, err)
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "collector:4318", hostPort("http://collector:4318"))
	assert.Equal(t, "collector:4318", hostPort("collector:4318"))
	assert.True(t, isHTTPS("https://collector:4318"))
	assert.False(t, isHTTPS("http://collector:4318"))
}
