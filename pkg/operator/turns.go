package operator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mu-ops/mu/pkg/contracts"
	"github.com/mu-ops/mu/pkg/journal"
)

// TurnRecord is one audited operator turn (operator_turns.jsonl).
type TurnRecord struct {
	SessionID  string                   `json:"session_id"`
	TurnID     string                   `json:"turn_id"`
	CommandID  string                   `json:"command_id"`
	Channel    contracts.Channel        `json:"channel"`
	InputText  string                   `json:"input_text"`
	ResultKind contracts.TurnResultKind `json:"result_kind"`
	Kind       string                   `json:"command_kind,omitempty"`
	AtMs       int64                    `json:"at_ms"`
}

// TurnLog is the append-only operator turn audit.
type TurnLog struct {
	mu    sync.RWMutex
	store *journal.Store
	turns []*TurnRecord
}

// OpenTurnLog replays and opens operator_turns.jsonl.
func OpenTurnLog(path string) (*TurnLog, error) {
	l := &TurnLog{}
	err := journal.Replay(path, func(raw json.RawMessage) error {
		var rec TurnRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("operator: corrupt turn row: %w", err)
		}
		l.turns = append(l.turns, &rec)
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

// Record appends one turn.
func (l *TurnLog) Record(rec *TurnRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Append(rec); err != nil {
		return err
	}
	cp := *rec
	l.turns = append(l.turns, &cp)
	return nil
}

// BySession returns turns of one session in append order.
func (l *TurnLog) BySession(sessionID string) []*TurnRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*TurnRecord
	for _, t := range l.turns {
		if t.SessionID == sessionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Close releases the journal file.
func (l *TurnLog) Close() error { return l.store.Close() }
