// Package flash implements durable one-shot out-of-band messages addressed
// to a session (session_flash.jsonl). A flash is created once, delivered
// once; acknowledging an already-acked flash is idempotent.
package flash

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/journal"
)

var ErrNotFound = errors.New("flash not found")

// Record is one flash message.
type Record struct {
	FlashID     string `json:"flash_id"`
	SessionID   string `json:"session_id"`
	Kind        string `json:"kind"`
	Text        string `json:"text"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Delivery marks a flash as delivered.
type Delivery struct {
	DeliveryID    string `json:"delivery_id"`
	FlashID       string `json:"flash_id"`
	DeliveredAtMs int64  `json:"delivered_at_ms"`
}

type flashRow struct {
	Row      string    `json:"row"` // "create" | "delivery"
	Record   *Record   `json:"record,omitempty"`
	Delivery *Delivery `json:"delivery,omitempty"`
}

// Filter narrows reads. Zero values match everything.
type Filter struct {
	SessionID string
	Kind      string
	Contains  string
}

func (f Filter) matches(rec *Record) bool {
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.Contains != "" && !strings.Contains(rec.Text, f.Contains) {
		return false
	}
	return true
}

// Store is the session flash store.
type Store struct {
	mu         sync.Mutex
	store      *journal.Store
	records    []*Record
	byID       map[string]*Record
	deliveries map[string]*Delivery
	clock      func() time.Time
	newID      func() string
}

// Open replays session_flash.jsonl and opens it for appending.
func Open(path string) (*Store, error) {
	s := &Store{
		byID:       make(map[string]*Record),
		deliveries: make(map[string]*Delivery),
		clock:      time.Now,
		newID:      uuid.NewString,
	}
	err := journal.Replay(path, func(raw json.RawMessage) error {
		var row flashRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("flash: corrupt row: %w", err)
		}
		switch {
		case row.Record != nil:
			s.records = append(s.records, row.Record)
			s.byID[row.Record.FlashID] = row.Record
		case row.Delivery != nil:
			s.deliveries[row.Delivery.FlashID] = row.Delivery
		}
		return nil
	})
	if err != nil {
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

// Create appends a new flash addressed to sessionID.
func (s *Store) Create(sessionID, kind, text string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &Record{
		FlashID:     s.newID(),
		SessionID:   sessionID,
		Kind:        kind,
		Text:        text,
		CreatedAtMs: s.clock().UnixMilli(),
	}
	if err := s.store.Append(flashRow{Row: "create", Record: rec}); err != nil {
		return nil, err
	}
	s.records = append(s.records, rec)
	s.byID[rec.FlashID] = rec
	cp := *rec
	return &cp, nil
}

// Ack writes a delivery row for the flash. A second ack returns the
// original delivery unchanged.
func (s *Store) Ack(flashID string) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[flashID]; !ok {
		return nil, ErrNotFound
	}
	if d, done := s.deliveries[flashID]; done {
		cp := *d
		return &cp, nil
	}
	d := &Delivery{
		DeliveryID:    s.newID(),
		FlashID:       flashID,
		DeliveredAtMs: s.clock().UnixMilli(),
	}
	if err := s.store.Append(flashRow{Row: "delivery", Delivery: d}); err != nil {
		return nil, err
	}
	s.deliveries[flashID] = d
	cp := *d
	return &cp, nil
}

// Pending returns undelivered flashes matching the filter, oldest first.
func (s *Store) Pending(f Filter) []*Record {
	return s.list(f, func(rec *Record) bool {
		_, delivered := s.deliveries[rec.FlashID]
		return !delivered
	})
}

// Delivered returns delivered flashes matching the filter.
func (s *Store) Delivered(f Filter) []*Record {
	return s.list(f, func(rec *Record) bool {
		_, delivered := s.deliveries[rec.FlashID]
		return delivered
	})
}

// All returns every flash matching the filter.
func (s *Store) All(f Filter) []*Record {
	return s.list(f, func(*Record) bool { return true })
}

func (s *Store) list(f Filter, keep func(*Record) bool) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if f.matches(rec) && keep(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// Close releases the journal file.
func (s *Store) Close() error { return s.store.Close() }
