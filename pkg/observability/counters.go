package observability

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// counterInstruments mirrors the counter set onto OTel instruments. The
// pointer is nil until InstrumentWith binds a meter.
type counterInstruments struct {
	reloadSuccess   metric.Int64Counter
	reloadFailure   metric.Int64Counter
	drainDuration   metric.Int64Histogram
	duplicateSignal metric.Int64Counter
	dropSignal      metric.Int64Counter
}

// Counters is the control-plane counter set exposed on /api/status. All
// fields are lock-free; the generation supervisor and outbox feed them.
// When InstrumentWith has bound a meter, every increment is also recorded
// on the matching OTel instrument.
type Counters struct {
	reloadSuccessTotal         atomic.Int64
	reloadFailureTotal         atomic.Int64
	reloadDrainDurationMsTotal atomic.Int64
	reloadDrainSamplesTotal    atomic.Int64
	duplicateSignalTotal       atomic.Int64
	dropSignalTotal            atomic.Int64

	instruments atomic.Pointer[counterInstruments]
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters { return &Counters{} }

// InstrumentWith creates OTel instruments on meter and mirrors every later
// increment onto them.
func (c *Counters) InstrumentWith(meter metric.Meter) error {
	ins := &counterInstruments{}
	var err error
	ins.reloadSuccess, err = meter.Int64Counter("mu.reload.success.total",
		metric.WithDescription("Completed generation reloads"),
		metric.WithUnit("{reload}"))
	if err != nil {
		return err
	}
	ins.reloadFailure, err = meter.Int64Counter("mu.reload.failure.total",
		metric.WithDescription("Failed generation reload attempts"),
		metric.WithUnit("{reload}"))
	if err != nil {
		return err
	}
	ins.drainDuration, err = meter.Int64Histogram("mu.reload.drain.duration",
		metric.WithDescription("Previous-generation drain time in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	ins.duplicateSignal, err = meter.Int64Counter("mu.outbox.duplicate.total",
		metric.WithDescription("Outbox enqueues collapsed by dedupe key"),
		metric.WithUnit("{envelope}"))
	if err != nil {
		return err
	}
	ins.dropSignal, err = meter.Int64Counter("mu.outbox.drop.total",
		metric.WithDescription("Outbox envelopes dropped before delivery"),
		metric.WithUnit("{envelope}"))
	if err != nil {
		return err
	}
	c.instruments.Store(ins)
	return nil
}

// ReloadSuccess records one successful reload.
func (c *Counters) ReloadSuccess() {
	c.reloadSuccessTotal.Add(1)
	if ins := c.instruments.Load(); ins != nil {
		ins.reloadSuccess.Add(context.Background(), 1)
	}
}

// ReloadFailure records one failed reload attempt.
func (c *Counters) ReloadFailure() {
	c.reloadFailureTotal.Add(1)
	if ins := c.instruments.Load(); ins != nil {
		ins.reloadFailure.Add(context.Background(), 1)
	}
}

// ReloadDrain records one drain duration sample.
func (c *Counters) ReloadDrain(elapsedMs int64) {
	c.reloadDrainDurationMsTotal.Add(elapsedMs)
	c.reloadDrainSamplesTotal.Add(1)
	if ins := c.instruments.Load(); ins != nil {
		ins.drainDuration.Record(context.Background(), elapsedMs)
	}
}

// DuplicateSignal implements the outbox observer seam.
func (c *Counters) DuplicateSignal(dedupeKey string) {
	c.duplicateSignalTotal.Add(1)
	if ins := c.instruments.Load(); ins != nil {
		ins.duplicateSignal.Add(context.Background(), 1)
	}
}

// DropSignal implements the outbox observer seam.
func (c *Counters) DropSignal(outboxID, reason string) {
	c.dropSignalTotal.Add(1)
	if ins := c.instruments.Load(); ins != nil {
		ins.dropSignal.Add(context.Background(), 1)
	}
}

// Snapshot returns the counter values keyed by their exported names.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"reload_success_total":           c.reloadSuccessTotal.Load(),
		"reload_failure_total":           c.reloadFailureTotal.Load(),
		"reload_drain_duration_ms_total": c.reloadDrainDurationMsTotal.Load(),
		"reload_drain_samples_total":     c.reloadDrainSamplesTotal.Load(),
		"duplicate_signal_total":         c.duplicateSignalTotal.Load(),
		"drop_signal_total":              c.dropSignalTotal.Load(),
	}
}
