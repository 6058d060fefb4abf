package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestCountersSnapshot(t *testing.T) {
	c := NewCounters()
	c.ReloadSuccess()
	c.ReloadSuccess()
	c.ReloadFailure()
	c.ReloadDrain(120)
	c.ReloadDrain(80)
	c.DuplicateSignal("k")
	c.DropSignal("ob-1", "boom")

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap["reload_success_total"])
	assert.Equal(t, int64(1), snap["reload_failure_total"])
	assert.Equal(t, int64(200), snap["reload_drain_duration_ms_total"])
	assert.Equal(t, int64(2), snap["reload_drain_samples_total"])
	assert.Equal(t, int64(1), snap["duplicate_signal_total"])
	assert.Equal(t, int64(1), snap["drop_signal_total"])
}

func TestCountersMirrorToMeter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	c := NewCounters()
	require.NoError(t, c.InstrumentWith(mp.Meter("test")))

	c.ReloadSuccess()
	c.ReloadSuccess()
	c.ReloadFailure()
	c.ReloadDrain(75)
	c.DuplicateSignal("k")
	c.DropSignal("ob-1", "boom")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := map[string]int64{}
	var drainCount uint64
	for _, m := range rm.ScopeMetrics[0].Metrics {
		switch data := m.Data.(type) {
		case metricdata.Sum[int64]:
			var total int64
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
			sums[m.Name] = total
		case metricdata.Histogram[int64]:
			for _, dp := range data.DataPoints {
				drainCount += dp.Count
			}
		}
	}
	assert.Equal(t, int64(2), sums["mu.reload.success.total"])
	assert.Equal(t, int64(1), sums["mu.reload.failure.total"])
	assert.Equal(t, int64(1), sums["mu.outbox.duplicate.total"])
	assert.Equal(t, int64(1), sums["mu.outbox.drop.total"])
	assert.Equal(t, uint64(1), drainCount)

	// The local snapshot keeps working alongside the export.
	assert.Equal(t, int64(2), c.Snapshot()["reload_success_total"])
}

func TestInstrumentDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	c := NewCounters()
	require.NoError(t, p.Instrument(c))
	c.ReloadSuccess()
	assert.Equal(t, int64(1), c.Snapshot()["reload_success_total"])
}
