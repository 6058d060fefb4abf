// Package journal implements the append-only JSONL persistence primitive
// used by every durable structure in the control plane, and the command
// journal built on top of it.
//
// A journal file has a single writer per repo. In-memory indexes are rebuilt
// on Load by linear replay of the file and mutated only through the append
// methods.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrClosed = errors.New("journal is closed")
)

// Store is a generic append-only JSONL file. Each Append writes one
// marshalled row followed by a newline and fsyncs before returning.
type Store struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	closed bool
}

// Open opens (creating if needed) a JSONL journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Store{path: path, f: f}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Append marshals v, writes it as one line and fsyncs.
func (s *Store) Append(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("journal: fsync: %w", err)
	}
	return nil
}

// Close releases the file handle. Further appends return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// Replay streams every row of a JSONL file through fn in append order.
// A missing file replays as empty.
func Replay(path string, fn func(raw json.RawMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()
	return ReplayReader(f, fn)
}

// ReplayReader streams JSONL rows from r through fn in order.
func ReplayReader(r io.Reader, fn func(raw json.RawMessage) error) error {
	dec := json.NewDecoder(r)
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("journal: decode row: %w", err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return nil
}
