package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// DeliveryResult is the closed outcome of one delivery attempt.
type DeliveryResult struct {
	Delivered    bool
	Error        string
	RetryDelayMs int64 // optional override of the backoff schedule
}

// Deliverer ships one envelope to its channel adapter.
type Deliverer interface {
	Deliver(ctx context.Context, rec *Record) DeliveryResult
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, rec *Record) DeliveryResult

func (f DelivererFunc) Deliver(ctx context.Context, rec *Record) DeliveryResult {
	return f(ctx, rec)
}

// Dispatcher drains due outbox records on a fixed tick.
type Dispatcher struct {
	store         *Store
	deliverer     Deliverer
	limiter       *rate.Limiter
	log           *slog.Logger
	LimitPerDrain int
	clock         func() time.Time
}

// NewDispatcher builds a dispatcher over store. perSecond bounds delivery
// rate; zero disables pacing.
func NewDispatcher(store *Store, deliverer Deliverer, perSecond float64, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Dispatcher{
		store:         store,
		deliverer:     deliverer,
		limiter:       limiter,
		log:           log,
		LimitPerDrain: 32,
		clock:         time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// DrainOnce takes one batch of due records and attempts delivery. Handler
// panics are converted into retries carrying the panic message. Returns the
// number of records attempted.
func (d *Dispatcher) DrainOnce(ctx context.Context) int {
	now := d.clock().UnixMilli()
	due := d.store.PendingDue(now, d.LimitPerDrain)
	for _, rec := range due {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return len(due)
			}
		}
		res := d.deliverSafely(ctx, rec)
		if res.Delivered {
			if err := d.store.MarkDelivered(rec.OutboxID); err != nil {
				d.log.Error("outbox mark delivered failed", "outbox_id", rec.OutboxID, "error", err)
			}
			continue
		}
		if err := d.store.MarkFailure(rec.OutboxID, res.Error, res.RetryDelayMs); err != nil {
			d.log.Error("outbox mark failure failed", "outbox_id", rec.OutboxID, "error", err)
		}
	}
	return len(due)
}

func (d *Dispatcher) deliverSafely(ctx context.Context, rec *Record) (res DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			res = DeliveryResult{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return d.deliverer.Deliver(ctx, rec)
}

// Run drains the outbox on each tick until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}
