package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/contracts"
)

var (
	ErrInvalidTransition  = errors.New("invalid_transition")
	ErrUnknownCommand     = errors.New("unknown command_id")
	ErrCreatedAtMutated   = errors.New("created_at_ms is immutable")
	ErrUpdatedAtRegressed = errors.New("updated_at_ms regressed")
	ErrFirstStateInvalid  = errors.New("first lifecycle state must be received")
)

// Domain event types recorded alongside lifecycle rows.
const (
	EventCLIStarted   = "cli.invocation.started"
	EventCLICompleted = "cli.invocation.completed"
	EventCLIFailed    = "cli.invocation.failed"
)

// DomainEvent is a mutating domain event. It never changes command state but
// must reference a command the journal already knows.
type DomainEvent struct {
	EventID     string                       `json:"event_id"`
	EventType   string                       `json:"event_type"`
	AtMs        int64                        `json:"at_ms"`
	Correlation contracts.CorrelationMetadata `json:"correlation"`
	Payload     map[string]interface{}       `json:"payload,omitempty"`
}

// commandRow is the on-disk shape; exactly one of Record/Event is set.
type commandRow struct {
	Entry  string                   `json:"entry"` // "lifecycle" | "event"
	Record *contracts.CommandRecord `json:"record,omitempty"`
	Event  *DomainEvent             `json:"event,omitempty"`
}

// CommandJournal owns commands.jsonl: the lifecycle rows of every command
// plus its mutating domain events. The last lifecycle row per command_id is
// authoritative for snapshots; events are indexed separately for audit.
type CommandJournal struct {
	mu      sync.RWMutex
	store   *Store
	current map[string]*contracts.CommandRecord
	events  map[string][]*DomainEvent
	order   []string // command_ids in first-seen order
}

// OpenCommandJournal opens the journal file and rebuilds indexes by replay.
func OpenCommandJournal(path string) (*CommandJournal, error) {
	j := &CommandJournal{
		current: make(map[string]*contracts.CommandRecord),
		events:  make(map[string][]*DomainEvent),
	}
	if err := Replay(path, j.applyRow); err != nil {
		return nil, err
	}
	store, err := Open(path)
	if err != nil {
		return nil, err
	}
	j.store = store
	return j, nil
}

func (j *CommandJournal) applyRow(raw json.RawMessage) error {
	var row commandRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return fmt.Errorf("command journal: corrupt row: %w", err)
	}
	switch {
	case row.Record != nil:
		if _, seen := j.current[row.Record.CommandID]; !seen {
			j.order = append(j.order, row.Record.CommandID)
		}
		j.current[row.Record.CommandID] = row.Record
	case row.Event != nil:
		id := row.Event.Correlation.CommandID
		j.events[id] = append(j.events[id], row.Event)
	}
	return nil
}

// AppendLifecycle validates and persists a lifecycle row for record. The
// first row for a command must be in state received; later rows must follow
// the legal transition graph, keep created_at_ms fixed and never regress
// updated_at_ms.
func (j *CommandJournal) AppendLifecycle(record *contracts.CommandRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev, seen := j.current[record.CommandID]
	if !seen {
		if record.State != contracts.StateReceived {
			return fmt.Errorf("%w: got %s", ErrFirstStateInvalid, record.State)
		}
	} else {
		if record.CreatedAtMs != prev.CreatedAtMs {
			return ErrCreatedAtMutated
		}
		if record.UpdatedAtMs < prev.UpdatedAtMs {
			return ErrUpdatedAtRegressed
		}
		if !contracts.TransitionAllowed(prev.State, record.State) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.State, record.State)
		}
	}

	clone := record.Clone()
	if err := j.store.Append(commandRow{Entry: "lifecycle", Record: clone}); err != nil {
		return err
	}
	if !seen {
		j.order = append(j.order, record.CommandID)
	}
	j.current[record.CommandID] = clone
	return nil
}

// AppendEvent persists a mutating domain event referencing a known command.
func (j *CommandJournal) AppendEvent(eventType string, atMs int64, corr contracts.CorrelationMetadata, payload map[string]interface{}) (*DomainEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.current[corr.CommandID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, corr.CommandID)
	}
	ev := &DomainEvent{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		AtMs:        atMs,
		Correlation: corr,
		Payload:     payload,
	}
	if err := j.store.Append(commandRow{Entry: "event", Event: ev}); err != nil {
		return nil, err
	}
	j.events[corr.CommandID] = append(j.events[corr.CommandID], ev)
	return ev, nil
}

// Get returns the authoritative snapshot of a command, if known.
func (j *CommandJournal) Get(commandID string) (*contracts.CommandRecord, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.current[commandID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Events returns the audit-indexed domain events of a command in order.
func (j *CommandJournal) Events(commandID string) []*DomainEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*DomainEvent, len(j.events[commandID]))
	copy(out, j.events[commandID])
	return out
}

// All returns snapshots of every known command in first-seen order.
func (j *CommandJournal) All() []*contracts.CommandRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*contracts.CommandRecord, 0, len(j.order))
	for _, id := range j.order {
		out = append(out, j.current[id].Clone())
	}
	return out
}

// Close releases the underlying file.
func (j *CommandJournal) Close() error { return j.store.Close() }
