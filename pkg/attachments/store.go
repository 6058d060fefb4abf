// Package attachments stores inbound file attachments as content-addressed
// blobs with a JSONL index. Blobs live under
// attachments/blobs/sha256/<xx>/<yy>/<sha>; records carry a TTL and a
// background loop garbage-collects expired entries.
package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/mu-ops/mu/pkg/contracts"
	"github.com/mu-ops/mu/pkg/journal"
)

var ErrNotFound = errors.New("attachment not found")

// GCBatchSize caps how many expired records one sweep removes.
const GCBatchSize = 256

// Record is one indexed attachment (attachments/index.jsonl).
type Record struct {
	AttachmentID  string            `json:"attachment_id"`
	Channel       contracts.Channel `json:"channel"`
	SourceFileID  string            `json:"source_file_id,omitempty"`
	ContentSHA256 string            `json:"content_sha256"`
	SafeFilename  string            `json:"safe_filename"`
	MimeType      string            `json:"mime_type"`
	SizeBytes     int64             `json:"size_bytes"`
	BlobRelpath   string            `json:"blob_relpath"`
	TTLMs         int64             `json:"ttl_ms"`
	ExpiresAtMs   int64             `json:"expires_at_ms"`
	CreatedAtMs   int64             `json:"created_at_ms"`
}

type indexRow struct {
	Row    string  `json:"row"` // "put" | "gc"
	Record *Record `json:"record,omitempty"`
	GCID   string  `json:"gc_attachment_id,omitempty"`
	AtMs   int64   `json:"at_ms,omitempty"`
}

// Store is the attachment index plus its blob directory.
type Store struct {
	mu        sync.Mutex
	store     *journal.Store
	dir       string
	byID      map[string]*Record
	bySource  map[string]*Record // channel \x00 source_file_id
	byContent map[string]*Record
	clock     func() time.Time
	newID     func() string
	log       *slog.Logger
}

// Open loads the index at dir/index.jsonl and prepares dir/blobs for writes.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:       dir,
		byID:      make(map[string]*Record),
		bySource:  make(map[string]*Record),
		byContent: make(map[string]*Record),
		clock:     time.Now,
		newID:     uuid.NewString,
		log:       slog.Default().With("component", "attachments"),
	}
	path := filepath.Join(dir, "index.jsonl")
	err := journal.Replay(path, func(raw json.RawMessage) error {
		var row indexRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("attachments: corrupt index row: %w", err)
		}
		switch row.Row {
		case "put":
			if row.Record != nil {
				s.index(row.Record)
			}
		case "gc":
			s.unindex(row.GCID)
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

func (s *Store) index(rec *Record) {
	s.byID[rec.AttachmentID] = rec
	if rec.SourceFileID != "" {
		s.bySource[sourceKey(rec.Channel, rec.SourceFileID)] = rec
	}
	s.byContent[rec.ContentSHA256] = rec
}

func (s *Store) unindex(id string) {
	rec, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if rec.SourceFileID != "" {
		if cur := s.bySource[sourceKey(rec.Channel, rec.SourceFileID)]; cur == rec {
			delete(s.bySource, sourceKey(rec.Channel, rec.SourceFileID))
		}
	}
	if cur := s.byContent[rec.ContentSHA256]; cur == rec {
		delete(s.byContent, rec.ContentSHA256)
	}
}

func sourceKey(ch contracts.Channel, fileID string) string {
	return string(ch) + "\x00" + fileID
}

// PutInput describes one attachment to store.
type PutInput struct {
	Channel      contracts.Channel
	SourceFileID string
	Filename     string
	MimeType     string
	Content      []byte
	TTLMs        int64
}

// Put stores an attachment, deduplicating first on (channel, source_file_id)
// and then on content hash. The returned bool is true when an existing
// record was reused.
func (s *Store) Put(in PutInput) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UnixMilli()
	if in.SourceFileID != "" {
		if rec, ok := s.bySource[sourceKey(in.Channel, in.SourceFileID)]; ok && !expired(rec, now) {
			cp := *rec
			return &cp, true, nil
		}
	}
	sum := sha256.Sum256(in.Content)
	sha := hex.EncodeToString(sum[:])
	if rec, ok := s.byContent[sha]; ok && !expired(rec, now) {
		cp := *rec
		return &cp, true, nil
	}

	relpath := filepath.Join("sha256", sha[:2], sha[2:4], sha)
	blobPath := filepath.Join(s.dir, "blobs", relpath)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return nil, false, fmt.Errorf("attachments: mkdir blob dir: %w", err)
	}
	if _, err := os.Stat(blobPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(blobPath, in.Content, 0o644); err != nil {
			return nil, false, fmt.Errorf("attachments: write blob: %w", err)
		}
	}

	rec := &Record{
		AttachmentID:  s.newID(),
		Channel:       in.Channel,
		SourceFileID:  in.SourceFileID,
		ContentSHA256: sha,
		SafeFilename:  SafeFilename(in.Filename),
		MimeType:      in.MimeType,
		SizeBytes:     int64(len(in.Content)),
		BlobRelpath:   relpath,
		TTLMs:         in.TTLMs,
		ExpiresAtMs:   now + in.TTLMs,
		CreatedAtMs:   now,
	}
	if err := s.store.Append(indexRow{Row: "put", Record: rec}); err != nil {
		return nil, false, err
	}
	s.index(rec)
	cp := *rec
	return &cp, false, nil
}

// Get returns the record and blob contents for an attachment ID.
func (s *Store) Get(attachmentID string) (*Record, []byte, error) {
	s.mu.Lock()
	rec, ok := s.byID[attachmentID]
	if ok && expired(rec, s.clock().UnixMilli()) {
		ok = false
	}
	if !ok {
		s.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	cp := *rec
	s.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(s.dir, "blobs", cp.BlobRelpath))
	if err != nil {
		return nil, nil, fmt.Errorf("attachments: read blob: %w", err)
	}
	return &cp, content, nil
}

// SweepExpired removes up to GCBatchSize expired records and their blobs.
func (s *Store) SweepExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UnixMilli()
	removed := 0
	for id, rec := range s.byID {
		if removed >= GCBatchSize {
			break
		}
		if !expired(rec, now) {
			continue
		}
		if err := s.store.Append(indexRow{Row: "gc", GCID: id, AtMs: now}); err != nil {
			return removed, err
		}
		s.unindex(id)
		// Drop the blob only when no live record shares the content.
		if _, shared := s.byContent[rec.ContentSHA256]; !shared {
			if err := os.Remove(filepath.Join(s.dir, "blobs", rec.BlobRelpath)); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("blob remove failed", "attachment_id", id, "error", err)
			}
		}
		removed++
	}
	return removed, nil
}

// RunGC sweeps expired attachments on a fixed tick until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepExpired(); err != nil {
				s.log.Error("attachment gc sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("attachment gc", "removed", n)
			}
		}
	}
}

// Len reports how many live records the index holds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Close releases the index file.
func (s *Store) Close() error { return s.store.Close() }

func expired(rec *Record, nowMs int64) bool {
	return rec.TTLMs > 0 && nowMs >= rec.ExpiresAtMs
}

// SafeFilename normalizes a channel-supplied filename to a safe basename:
// NFKC normalization, path separators and control characters replaced,
// length capped at 128 runes. Empty input becomes "attachment".
func SafeFilename(name string) string {
	name = norm.NFKC.String(name)
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteRune('_')
		case unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.TrimLeft(out, ".")
	if out == "" {
		return "attachment"
	}
	runes := []rune(out)
	if len(runes) > 128 {
		out = string(runes[:128])
	}
	return out
}
