// Package outbox implements the durable outbound queue: deduplicated
// enqueue, exponential retry, dead-lettering after the retry budget, and
// manual replay of dead letters. State snapshots are journalled to
// outbox.jsonl; replay keeps the last snapshot per outbox_id.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/contracts"
	"github.com/mu-ops/mu/pkg/journal"
)

var (
	ErrNotFound      = errors.New("outbox record not found")
	ErrNotDeadLetter = errors.New("record is not a dead letter")
	ErrNotPending    = errors.New("record is not pending")
)

// State is the outbox record state.
type State string

const (
	StatePending    State = "pending"
	StateDelivered  State = "delivered"
	StateDeadLetter State = "dead_letter"
)

// Backoff constants for the retry schedule min(cap, base * 2^(attempt-1)).
const (
	backoffBaseMs = 250
	backoffCapMs  = 60_000
	// DefaultMaxAttempts is the retry budget when the caller does not set one.
	DefaultMaxAttempts = 3
)

// BackoffMs returns the deterministic retry delay for the given attempt
// count (1-based).
func BackoffMs(attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	delay := int64(backoffBaseMs)
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCapMs {
			return backoffCapMs
		}
	}
	if delay > backoffCapMs {
		return backoffCapMs
	}
	return delay
}

// Record is one outbound envelope with its delivery state.
type Record struct {
	OutboxID         string                      `json:"outbox_id"`
	DedupeKey        string                      `json:"dedupe_key"`
	State            State                       `json:"state"`
	Envelope         *contracts.OutboundEnvelope `json:"envelope"`
	CreatedAtMs      int64                       `json:"created_at_ms"`
	UpdatedAtMs      int64                       `json:"updated_at_ms"`
	NextAttemptAtMs  int64                       `json:"next_attempt_at_ms"`
	AttemptCount     int                         `json:"attempt_count"`
	MaxAttempts      int                         `json:"max_attempts"`
	LastError        string                      `json:"last_error,omitempty"`
	DeadLetterReason string                      `json:"dead_letter_reason,omitempty"`

	ReplayOfOutboxID          string `json:"replay_of_outbox_id,omitempty"`
	ReplayRequestedByCommandID string `json:"replay_requested_by_command_id,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.Envelope != nil {
		env := *r.Envelope
		if r.Envelope.Metadata != nil {
			env.Metadata = make(map[string]string, len(r.Envelope.Metadata))
			for k, v := range r.Envelope.Metadata {
				env.Metadata[k] = v
			}
		}
		cp.Envelope = &env
	}
	return &cp
}

// Observer receives dedupe and drop signals for metrics.
type Observer interface {
	DuplicateSignal(dedupeKey string)
	DropSignal(outboxID, reason string)
}

// EnqueueRequest describes one outbound intent.
type EnqueueRequest struct {
	DedupeKey                  string
	Envelope                   *contracts.OutboundEnvelope
	MaxAttempts                int
	NextAttemptAtMs            int64 // zero means now
	ReplayOfOutboxID           string
	ReplayRequestedByCommandID string
}

// Store is the durable outbox. Single writer per repo.
type Store struct {
	mu       sync.Mutex
	store    *journal.Store
	byID     map[string]*Record
	byDedupe map[string]string
	order    []string
	clock    func() time.Time
	newID    func() string
	observer Observer
}

// Open replays outbox.jsonl and opens it for appending.
func Open(path string) (*Store, error) {
	s := &Store{
		byID:     make(map[string]*Record),
		byDedupe: make(map[string]string),
		clock:    time.Now,
		newID:    uuid.NewString,
	}
	if err := journal.Replay(path, s.applyRow); err != nil {
		return nil, err
	}
	st, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	s.store = st
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithIDFactory overrides ID generation for deterministic testing.
func (s *Store) WithIDFactory(f func() string) *Store {
	s.newID = f
	return s
}

// WithObserver attaches the metrics observer seam.
func (s *Store) WithObserver(o Observer) *Store {
	s.observer = o
	return s
}

func (s *Store) applyRow(raw json.RawMessage) error {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("outbox: corrupt row: %w", err)
	}
	if _, seen := s.byID[rec.OutboxID]; !seen {
		s.order = append(s.order, rec.OutboxID)
	}
	s.byID[rec.OutboxID] = &rec
	s.byDedupe[rec.DedupeKey] = rec.OutboxID
	return nil
}

func (s *Store) persist(rec *Record) error {
	return s.store.Append(rec)
}

// Enqueue adds a new pending record, or returns the existing record without
// mutation when the dedupe key was seen before. The bool reports whether a
// new record was created.
func (s *Store) Enqueue(req EnqueueRequest) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, dup := s.byDedupe[req.DedupeKey]; dup {
		if s.observer != nil {
			s.observer.DuplicateSignal(req.DedupeKey)
		}
		return s.byID[id].clone(), false, nil
	}

	now := s.clock().UnixMilli()
	next := req.NextAttemptAtMs
	if next == 0 {
		next = now
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	rec := &Record{
		OutboxID:                   s.newID(),
		DedupeKey:                  req.DedupeKey,
		State:                      StatePending,
		Envelope:                   req.Envelope,
		CreatedAtMs:                now,
		UpdatedAtMs:                now,
		NextAttemptAtMs:            next,
		MaxAttempts:                maxAttempts,
		ReplayOfOutboxID:           req.ReplayOfOutboxID,
		ReplayRequestedByCommandID: req.ReplayRequestedByCommandID,
	}
	if err := s.persist(rec); err != nil {
		return nil, false, err
	}
	s.byID[rec.OutboxID] = rec
	s.byDedupe[rec.DedupeKey] = rec.OutboxID
	s.order = append(s.order, rec.OutboxID)
	return rec.clone(), true, nil
}

// MarkDelivered finalizes a pending record.
func (s *Store) MarkDelivered(outboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[outboxID]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StatePending {
		return ErrNotPending
	}
	next := rec.clone()
	next.State = StateDelivered
	next.AttemptCount++
	next.UpdatedAtMs = s.clock().UnixMilli()
	if err := s.persist(next); err != nil {
		return err
	}
	s.byID[outboxID] = next
	return nil
}

// MarkFailure records a delivery failure. The record is rescheduled with
// exponential backoff (or the caller's retry_delay_ms) until the retry
// budget is exhausted, then dead-lettered with the last error as reason.
func (s *Store) MarkFailure(outboxID, deliveryErr string, retryDelayMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[outboxID]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StatePending {
		return ErrNotPending
	}
	now := s.clock().UnixMilli()
	next := rec.clone()
	next.AttemptCount++
	next.LastError = deliveryErr
	next.UpdatedAtMs = now

	if next.AttemptCount >= next.MaxAttempts {
		next.State = StateDeadLetter
		next.DeadLetterReason = deliveryErr
		if err := s.persist(next); err != nil {
			return err
		}
		s.byID[outboxID] = next
		if s.observer != nil {
			s.observer.DropSignal(outboxID, deliveryErr)
		}
		return nil
	}

	delay := retryDelayMs
	if delay <= 0 {
		delay = BackoffMs(next.AttemptCount)
	}
	next.NextAttemptAtMs = now + delay
	if err := s.persist(next); err != nil {
		return err
	}
	s.byID[outboxID] = next
	return nil
}

// PendingDue returns up to limit due pending records ordered by
// next_attempt_at_ms, then created_at_ms, then outbox_id.
func (s *Store) PendingDue(nowMs int64, limit int) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Record
	for _, id := range s.order {
		rec := s.byID[id]
		if rec.State == StatePending && rec.NextAttemptAtMs <= nowMs {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAtMs != due[j].NextAttemptAtMs {
			return due[i].NextAttemptAtMs < due[j].NextAttemptAtMs
		}
		if due[i].CreatedAtMs != due[j].CreatedAtMs {
			return due[i].CreatedAtMs < due[j].CreatedAtMs
		}
		return due[i].OutboxID < due[j].OutboxID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Record, len(due))
	for i, rec := range due {
		out[i] = rec.clone()
	}
	return out
}

// ReplayDeadLetter creates a fresh pending record from a dead letter. The
// envelope content is preserved but gets a new response_id; the metadata
// records the origin and the requesting command.
func (s *Store) ReplayDeadLetter(outboxID, replayRequestedByCommandID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.byID[outboxID]
	if !ok {
		return nil, ErrNotFound
	}
	if orig.State != StateDeadLetter {
		return nil, ErrNotDeadLetter
	}

	now := s.clock().UnixMilli()
	env := *orig.Envelope
	env.ResponseID = s.newID()
	env.Metadata = make(map[string]string, len(orig.Envelope.Metadata)+2)
	for k, v := range orig.Envelope.Metadata {
		env.Metadata[k] = v
	}
	env.Metadata["replayed_from_outbox_id"] = outboxID
	if replayRequestedByCommandID != "" {
		env.Metadata["replay_requested_by_command_id"] = replayRequestedByCommandID
	}

	rec := &Record{
		OutboxID:                   s.newID(),
		DedupeKey:                  orig.DedupeKey + ":replay:" + env.ResponseID,
		State:                      StatePending,
		Envelope:                   &env,
		CreatedAtMs:                now,
		UpdatedAtMs:                now,
		NextAttemptAtMs:            now,
		MaxAttempts:                orig.MaxAttempts,
		ReplayOfOutboxID:           outboxID,
		ReplayRequestedByCommandID: replayRequestedByCommandID,
	}
	if err := s.persist(rec); err != nil {
		return nil, err
	}
	s.byID[rec.OutboxID] = rec
	s.byDedupe[rec.DedupeKey] = rec.OutboxID
	s.order = append(s.order, rec.OutboxID)
	return rec.clone(), nil
}

// Get returns a record by ID.
func (s *Store) Get(outboxID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[outboxID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// DeadLetters returns every dead-letter record in first-seen order.
func (s *Store) DeadLetters() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, id := range s.order {
		if rec := s.byID[id]; rec.State == StateDeadLetter {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Close releases the journal file.
func (s *Store) Close() error { return s.store.Close() }
