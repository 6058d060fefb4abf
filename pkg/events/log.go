// Package events keeps the wake/notification event log that backs the
// /api/events endpoints. Events are append-only JSONL; reads apply
// field filters and tail windows over the in-memory replayed slice.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/journal"
)

// Event is one wake/notification entry.
type Event struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	IssueID string          `json:"issue_id,omitempty"`
	RunID   string          `json:"run_id,omitempty"`
	Text    string          `json:"text,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AtMs    int64           `json:"at_ms"`
}

// Filter narrows queries. Zero values match everything.
type Filter struct {
	SinceMs  int64
	Type     string
	Source   string
	IssueID  string
	RunID    string
	Contains string
}

func (f Filter) matches(e *Event) bool {
	if f.SinceMs > 0 && e.AtMs < f.SinceMs {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.IssueID != "" && e.IssueID != f.IssueID {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.Contains != "" && !strings.Contains(e.Text, f.Contains) {
		return false
	}
	return true
}

// Log is the append-only event log.
type Log struct {
	mu     sync.RWMutex
	store  *journal.Store
	events []*Event
	clock  func() time.Time
	newID  func() string
}

// Open replays and opens the event log at path.
func Open(path string) (*Log, error) {
	l := &Log{clock: time.Now, newID: uuid.NewString}
	err := journal.Replay(path, func(raw json.RawMessage) error {
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("events: corrupt row: %w", err)
		}
		l.events = append(l.events, &e)
		return nil
	})
	if err != nil {
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
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// WithIDFactory overrides event ID generation for deterministic testing.
func (l *Log) WithIDFactory(f func() string) *Log {
	l.newID = f
	return l
}

// Append records one event and returns it with its assigned ID/timestamp.
func (l *Log) Append(e Event) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.EventID = l.newID()
	e.AtMs = l.clock().UnixMilli()
	if err := l.store.Append(&e); err != nil {
		return nil, err
	}
	l.events = append(l.events, &e)
	cp := e
	return &cp, nil
}

// Query returns events matching the filter in append order.
func (l *Log) Query(f Filter) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Event
	for _, e := range l.events {
		if f.matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// Tail returns the last n events (all of them when n <= 0 or exceeds the
// log length).
func (l *Log) Tail(n int) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if n > 0 && n < len(l.events) {
		start = len(l.events) - n
	}
	var out []*Event
	for _, e := range l.events[start:] {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Len reports how many events the log holds.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Close releases the journal file.
func (l *Log) Close() error { return l.store.Close() }
