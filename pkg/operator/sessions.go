package operator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/contracts"
)

// DefaultSessionTTLMs is the eviction TTL for idle operator sessions.
// One setting governs eviction everywhere
// (control_plane.operator.session_ttl_ms).
const DefaultSessionTTLMs = 60_000

type sessionEntry struct {
	SessionID  string `json:"session_id"`
	LastSeenMs int64  `json:"last_seen_ms"`
}

// SessionRegistry assigns a stable operator session ID per conversation and
// evicts idle sessions after the TTL. The map is persisted to
// operator_conversations.json so session identity survives restarts.
type SessionRegistry struct {
	mu       sync.Mutex
	path     string
	ttlMs    int64
	sessions map[string]*sessionEntry
	clock    func() time.Time
	newID    func() string
}

// NewSessionRegistry loads (or initializes) the registry at path.
func NewSessionRegistry(path string, ttlMs int64) (*SessionRegistry, error) {
	if ttlMs <= 0 {
		ttlMs = DefaultSessionTTLMs
	}
	r := &SessionRegistry{
		path:     path,
		ttlMs:    ttlMs,
		sessions: make(map[string]*sessionEntry),
		clock:    time.Now,
		newID:    uuid.NewString,
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("operator: read sessions: %w", err)
		}
		return r, nil
	}
	if err := json.Unmarshal(raw, &r.sessions); err != nil {
		return nil, fmt.Errorf("operator: corrupt sessions file: %w", err)
	}
	return r, nil
}

// WithClock overrides the clock for deterministic testing.
func (r *SessionRegistry) WithClock(clock func() time.Time) *SessionRegistry {
	r.clock = clock
	return r
}

// WithIDFactory overrides session ID generation for deterministic testing.
func (r *SessionRegistry) WithIDFactory(f func() string) *SessionRegistry {
	r.newID = f
	return r
}

func conversationKey(ch contracts.Channel, tenant, conversation string) string {
	return string(ch) + "\x00" + tenant + "\x00" + conversation
}

// SessionFor returns the stable session ID for a conversation, creating a
// new session when none exists or the previous one idled past the TTL.
func (r *SessionRegistry) SessionFor(ch contracts.Channel, tenant, conversation string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UnixMilli()
	key := conversationKey(ch, tenant, conversation)
	entry, ok := r.sessions[key]
	if ok && now-entry.LastSeenMs < r.ttlMs {
		entry.LastSeenMs = now
		return entry.SessionID, r.save()
	}
	entry = &sessionEntry{SessionID: r.newID(), LastSeenMs: now}
	r.sessions[key] = entry
	return entry.SessionID, r.save()
}

// EvictIdle drops sessions idle past the TTL and returns how many went.
func (r *SessionRegistry) EvictIdle() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UnixMilli()
	evicted := 0
	for key, entry := range r.sessions {
		if now-entry.LastSeenMs >= r.ttlMs {
			delete(r.sessions, key)
			evicted++
		}
	}
	if evicted == 0 {
		return 0, nil
	}
	return evicted, r.save()
}

// save writes the map atomically (temp file + rename). Caller holds the lock.
func (r *SessionRegistry) save() error {
	raw, err := json.MarshalIndent(r.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("operator: marshal sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("operator: mkdir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("operator: write sessions: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("operator: rename sessions: %w", err)
	}
	return nil
}
