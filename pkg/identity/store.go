// Package identity persists the link between channel principals and
// operator identities. The journal (identities.jsonl) records link, unlink
// and revoke operations; the in-memory index is rebuilt on open by replay.
package identity

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
	ErrAlreadyLinked   = errors.New("principal_already_linked")
	ErrBindingNotFound = errors.New("binding not found")
	ErrNotActive       = errors.New("binding is not active")
)

type opKind string

const (
	opLink   opKind = "link"
	opUnlink opKind = "unlink"
	opRevoke opKind = "revoke"
)

type identityRow struct {
	Op      opKind                     `json:"op"`
	Binding *contracts.IdentityBinding `json:"binding"`
}

func principalKey(ch contracts.Channel, tenant, actor string) string {
	return string(ch) + "\x00" + tenant + "\x00" + actor
}

// Store is the identity store. A single writer per repo owns it.
type Store struct {
	mu        sync.RWMutex
	store     *journal.Store
	byID      map[string]*contracts.IdentityBinding
	activeFor map[string]string // principal key -> binding_id
	clock     func() time.Time
	newID     func() string
}

// Open replays identities.jsonl and opens it for appending.
func Open(path string) (*Store, error) {
	s := &Store{
		byID:      make(map[string]*contracts.IdentityBinding),
		activeFor: make(map[string]string),
		clock:     time.Now,
		newID:     uuid.NewString,
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

// WithIDFactory overrides binding ID generation for deterministic testing.
func (s *Store) WithIDFactory(f func() string) *Store {
	s.newID = f
	return s
}

func (s *Store) applyRow(raw json.RawMessage) error {
	var row identityRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return fmt.Errorf("identity: corrupt row: %w", err)
	}
	if row.Binding == nil {
		return nil
	}
	b := row.Binding
	s.byID[b.BindingID] = b
	key := principalKey(b.Channel, b.ChannelTenantID, b.ChannelActorID)
	if b.Status == contracts.BindingActive {
		s.activeFor[key] = b.BindingID
	} else if s.activeFor[key] == b.BindingID {
		delete(s.activeFor, key)
	}
	return nil
}

// Link creates an active binding for a principal. tier may be empty to take
// the channel default. Fails with ErrAlreadyLinked while an active binding
// exists for the same (channel, tenant, actor).
func (s *Store) Link(operatorID string, ch contracts.Channel, tenant, actor string, tier contracts.Tier, scopes []string) (*contracts.IdentityBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := principalKey(ch, tenant, actor)
	if _, exists := s.activeFor[key]; exists {
		return nil, ErrAlreadyLinked
	}
	if tier == "" {
		tier = contracts.DefaultTier(ch)
	}
	now := s.clock().UnixMilli()
	b := &contracts.IdentityBinding{
		BindingID:       s.newID(),
		OperatorID:      operatorID,
		Channel:         ch,
		ChannelTenantID: tenant,
		ChannelActorID:  actor,
		AssuranceTier:   tier,
		Scopes:          append([]string(nil), scopes...),
		Status:          contracts.BindingActive,
		CreatedAtMs:     now,
		UpdatedAtMs:     now,
	}
	if err := s.store.Append(identityRow{Op: opLink, Binding: b}); err != nil {
		return nil, err
	}
	s.byID[b.BindingID] = b
	s.activeFor[key] = b.BindingID
	return cloneBinding(b), nil
}

// Unlink marks a binding unlinked; the principal may link again afterwards.
func (s *Store) Unlink(bindingID string) error {
	return s.retire(bindingID, contracts.BindingUnlinked, "", "")
}

// Revoke permanently revokes a binding, recording who and why.
func (s *Store) Revoke(bindingID, revokedBy, reason string) error {
	return s.retire(bindingID, contracts.BindingRevoked, revokedBy, reason)
}

func (s *Store) retire(bindingID string, status contracts.BindingStatus, by, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[bindingID]
	if !ok {
		return ErrBindingNotFound
	}
	if b.Status != contracts.BindingActive {
		return ErrNotActive
	}
	next := cloneBinding(b)
	next.Status = status
	next.UpdatedAtMs = s.clock().UnixMilli()
	next.RevokedBy = by
	next.RevokeReason = reason

	op := opUnlink
	if status == contracts.BindingRevoked {
		op = opRevoke
	}
	if err := s.store.Append(identityRow{Op: op, Binding: next}); err != nil {
		return err
	}
	s.byID[bindingID] = next
	delete(s.activeFor, principalKey(b.Channel, b.ChannelTenantID, b.ChannelActorID))
	return nil
}

// Resolve returns the active binding for a principal, if any.
func (s *Store) Resolve(ch contracts.Channel, tenant, actor string) (*contracts.IdentityBinding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeFor[principalKey(ch, tenant, actor)]
	if !ok {
		return nil, false
	}
	return cloneBinding(s.byID[id]), true
}

// List returns every binding regardless of status, oldest first.
func (s *Store) List() []*contracts.IdentityBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.IdentityBinding, 0, len(s.byID))
	for _, b := range s.byID {
		out = append(out, cloneBinding(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].BindingID < out[j].BindingID
	})
	return out
}

// Get returns a binding by ID regardless of status.
func (s *Store) Get(bindingID string) (*contracts.IdentityBinding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[bindingID]
	if !ok {
		return nil, false
	}
	return cloneBinding(b), true
}

// Close releases the journal file.
func (s *Store) Close() error { return s.store.Close() }

func cloneBinding(b *contracts.IdentityBinding) *contracts.IdentityBinding {
	cp := *b
	cp.Scopes = append([]string(nil), b.Scopes...)
	return &cp
}
