// Package confirm implements the human approval loop for mutating commands:
// awaiting_confirmation with a TTL, explicit confirm/cancel by the original
// actor, and a sweeper that expires overdue confirmations.
package confirm

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/mu-ops/mu/pkg/contracts"
	"github.com/mu-ops/mu/pkg/journal"
)

// Outcome discriminates the result of a confirm or cancel call.
type Outcome string

const (
	OutcomeQueued       Outcome = "queued"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeInvalidState Outcome = "invalid_state"
	OutcomeInvalidActor Outcome = "invalid_actor"
	OutcomeExpired      Outcome = "expired"
)

// Manager drives confirmation transitions on the command journal.
type Manager struct {
	journal *journal.CommandJournal
	clock   func() time.Time
	log     *slog.Logger
}

// NewManager creates a confirmation manager over the command journal.
func NewManager(j *journal.CommandJournal, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{journal: j, clock: time.Now, log: log}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// RequestAwaitingConfirmation transitions a queued record to
// awaiting_confirmation with a TTL.
func (m *Manager) RequestAwaitingConfirmation(rec *contracts.CommandRecord, ttlMs int64) error {
	now := m.clock().UnixMilli()
	rec.State = contracts.StateAwaitingConfirmation
	rec.ConfirmationExpiresAtMs = now + ttlMs
	rec.UpdatedAtMs = now
	return m.journal.AppendLifecycle(rec)
}

// Confirm moves an awaiting command back to queued if the confirming actor
// matches the original binding and the TTL has not passed. A late confirm
// writes the expired transition synchronously and reports expired.
func (m *Manager) Confirm(commandID, actorBindingID string) (Outcome, *contracts.CommandRecord, error) {
	rec, ok := m.journal.Get(commandID)
	if !ok {
		return OutcomeNotFound, nil, nil
	}
	if rec.State != contracts.StateAwaitingConfirmation {
		return OutcomeInvalidState, rec, nil
	}
	if rec.ActorBindingID != actorBindingID {
		return OutcomeInvalidActor, rec, nil
	}

	now := m.clock().UnixMilli()
	if now >= rec.ConfirmationExpiresAtMs {
		rec.State = contracts.StateExpired
		rec.ErrorCode = contracts.ErrConfirmationExpired
		rec.UpdatedAtMs = now
		if err := m.journal.AppendLifecycle(rec); err != nil {
			return "", nil, err
		}
		return OutcomeExpired, rec, nil
	}

	rec.State = contracts.StateQueued
	rec.ConfirmationExpiresAtMs = 0
	rec.UpdatedAtMs = now
	if err := m.journal.AppendLifecycle(rec); err != nil {
		return "", nil, err
	}
	return OutcomeQueued, rec, nil
}

// Cancel cancels an awaiting command if the actor matches.
func (m *Manager) Cancel(commandID, actorBindingID string) (Outcome, *contracts.CommandRecord, error) {
	rec, ok := m.journal.Get(commandID)
	if !ok {
		return OutcomeNotFound, nil, nil
	}
	if rec.State != contracts.StateAwaitingConfirmation {
		return OutcomeInvalidState, rec, nil
	}
	if rec.ActorBindingID != actorBindingID {
		return OutcomeInvalidActor, rec, nil
	}

	rec.State = contracts.StateCancelled
	rec.ErrorCode = contracts.ErrConfirmationCanceled
	rec.UpdatedAtMs = m.clock().UnixMilli()
	if err := m.journal.AppendLifecycle(rec); err != nil {
		return "", nil, err
	}
	return OutcomeCancelled, rec, nil
}

// ExpireDue sweeps every awaiting record whose TTL passed and expires it.
// The expired records are returned sorted by updated_at_ms then command_id.
func (m *Manager) ExpireDue(nowMs int64) ([]*contracts.CommandRecord, error) {
	var expired []*contracts.CommandRecord
	for _, rec := range m.journal.All() {
		if rec.State != contracts.StateAwaitingConfirmation {
			continue
		}
		if nowMs < rec.ConfirmationExpiresAtMs {
			continue
		}
		rec.State = contracts.StateExpired
		rec.ErrorCode = contracts.ErrConfirmationExpired
		rec.UpdatedAtMs = nowMs
		if err := m.journal.AppendLifecycle(rec); err != nil {
			return expired, err
		}
		expired = append(expired, rec)
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].UpdatedAtMs != expired[j].UpdatedAtMs {
			return expired[i].UpdatedAtMs < expired[j].UpdatedAtMs
		}
		return expired[i].CommandID < expired[j].CommandID
	})
	return expired, nil
}

// RunSweeper expires due confirmations on a fixed tick until ctx ends.
// onExpired, when non-nil, receives each batch (used to enqueue lifecycle
// notifications through the outbox).
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration, onExpired func([]*contracts.CommandRecord)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := m.ExpireDue(m.clock().UnixMilli())
			if err != nil {
				m.log.Error("confirmation sweep failed", "error", err)
			}
			if len(expired) > 0 {
				m.log.Info("expired confirmations", "count", len(expired))
				if onExpired != nil {
					onExpired(expired)
				}
			}
		}
	}
}
