// Package idempotency implements the TTL-scoped claim ledger that gives the
// pipeline at-most-one CommandRecord per inbound intent. Every decision is
// journalled (idempotency.jsonl) as a claim, duplicate or conflict row.
package idempotency

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mu-ops/mu/pkg/journal"
)

// Outcome discriminates the result of a Claim call.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
)

// Claim is one live idempotency claim. Readers treat entries past
// expires_at_ms as absent.
type Claim struct {
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
	CommandID   string `json:"command_id"`
	TTLMs       int64  `json:"ttl_ms"`
	FirstSeenMs int64  `json:"first_seen_ms"`
	LastSeenMs  int64  `json:"last_seen_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// Result is the outcome of a claim attempt. For duplicates and conflicts,
// Claim points at the prior live claim.
type Result struct {
	Outcome Outcome
	Claim   *Claim
}

// Journal row kinds. A fresh claim is recorded as a claim row; the Claim
// call still reports it as the created outcome.
type rowKind string

const (
	rowClaim     rowKind = "claim"
	rowDuplicate rowKind = "duplicate"
	rowConflict  rowKind = "conflict"
)

type ledgerRow struct {
	Kind  rowKind `json:"kind"`
	Claim *Claim  `json:"claim"`
}

// Ledger is the idempotency ledger. Single writer per repo.
type Ledger struct {
	mu    sync.Mutex
	store *journal.Store
	live  map[string]*Claim
	clock func() time.Time
}

// Open replays idempotency.jsonl and opens it for appending.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		live:  make(map[string]*Claim),
		clock: time.Now,
	}
	if err := journal.Replay(path, l.applyRow); err != nil {
		return nil, err
	}
	st, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	l.store = st
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func (l *Ledger) applyRow(raw json.RawMessage) error {
	var row ledgerRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return fmt.Errorf("idempotency: corrupt row: %w", err)
	}
	if row.Claim == nil {
		return nil
	}
	switch row.Kind {
	case rowClaim:
		l.live[row.Claim.Key] = row.Claim
	case rowDuplicate:
		if c, ok := l.live[row.Claim.Key]; ok {
			c.LastSeenMs = row.Claim.LastSeenMs
		}
	}
	return nil
}

// Claim attempts to claim key for commandID. Outcomes:
//   - created: no live claim existed, the caller owns the key now
//   - duplicate: a live claim with the same fingerprint exists
//   - conflict: a live claim with a different fingerprint exists
func (l *Ledger) Claim(key, fingerprint, commandID string, ttlMs int64) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UnixMilli()
	existing, ok := l.live[key]
	if ok && now >= existing.ExpiresAtMs {
		delete(l.live, key)
		ok = false
	}

	if ok {
		if existing.Fingerprint == fingerprint {
			dup := *existing
			dup.LastSeenMs = now
			if err := l.store.Append(ledgerRow{Kind: rowDuplicate, Claim: &dup}); err != nil {
				return nil, err
			}
			existing.LastSeenMs = now
			cp := *existing
			return &Result{Outcome: OutcomeDuplicate, Claim: &cp}, nil
		}
		conflict := *existing
		conflict.LastSeenMs = now
		if err := l.store.Append(ledgerRow{Kind: rowConflict, Claim: &conflict}); err != nil {
			return nil, err
		}
		cp := *existing
		return &Result{Outcome: OutcomeConflict, Claim: &cp}, nil
	}

	claim := &Claim{
		Key:         key,
		Fingerprint: fingerprint,
		CommandID:   commandID,
		TTLMs:       ttlMs,
		FirstSeenMs: now,
		LastSeenMs:  now,
		ExpiresAtMs: now + ttlMs,
	}
	if err := l.store.Append(ledgerRow{Kind: rowClaim, Claim: claim}); err != nil {
		return nil, err
	}
	l.live[key] = claim
	cp := *claim
	return &Result{Outcome: OutcomeCreated, Claim: &cp}, nil
}

// Lookup returns the live, unexpired claim for key.
func (l *Ledger) Lookup(key string) (*Claim, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.live[key]
	if !ok || l.clock().UnixMilli() >= c.ExpiresAtMs {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// Close releases the journal file.
func (l *Ledger) Close() error { return l.store.Close() }
