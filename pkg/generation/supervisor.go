package generation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/observability"
)

// ErrCoalesced is returned when a reload intent arrives while another reload
// is in flight; the intent folds into a single follow-up attempt.
var ErrCoalesced = errors.New("reload in flight, intent coalesced")

// ErrNoActiveGeneration is returned by Rollback before the first reload.
var ErrNoActiveGeneration = errors.New("no active generation")

// DefaultDrainTimeoutMs bounds how long the previous generation may drain.
const DefaultDrainTimeoutMs = 10_000

// Supervisor owns the active generation and serializes reload intents.
type Supervisor struct {
	mu       sync.Mutex
	factory  Factory
	counters *observability.Counters
	log      *slog.Logger
	clock    func() time.Time
	newID    func() string

	DrainTimeoutMs int64
	OnCutover      func(from, to Identity)

	active     Module
	activeID   Identity
	previous   Module
	previousID Identity
	seq        int64

	reloading bool
	followUp  ReloadReason
	attempts  []*ReloadAttempt
}

// NewSupervisor builds a supervisor around the module factory.
func NewSupervisor(factory Factory, counters *observability.Counters, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if counters == nil {
		counters = observability.NewCounters()
	}
	return &Supervisor{
		factory:        factory,
		counters:       counters,
		log:            log.With("component", "generation"),
		clock:          time.Now,
		newID:          uuid.NewString,
		DrainTimeoutMs: DefaultDrainTimeoutMs,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Supervisor) WithClock(clock func() time.Time) *Supervisor {
	s.clock = clock
	return s
}

// WithIDFactory overrides ID generation for deterministic testing.
func (s *Supervisor) WithIDFactory(f func() string) *Supervisor {
	s.newID = f
	return s
}

// Active returns the active generation's identity and module.
func (s *Supervisor) Active() (Identity, Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, s.active
}

// Reloading reports whether a reload attempt is in flight. Adapters with
// deferred delivery gate ingress on this.
func (s *Supervisor) Reloading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloading
}

// Attempts returns the reload attempt history, oldest first.
func (s *Supervisor) Attempts() []*ReloadAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ReloadAttempt, len(s.attempts))
	for i, a := range s.attempts {
		cp := *a
		out[i] = &cp
	}
	return out
}

// Reload requests a reload for the given reason. Only one reload is in
// flight at a time; intents arriving mid-reload coalesce into one follow-up
// attempt and report ErrCoalesced.
func (s *Supervisor) Reload(ctx context.Context, reason ReloadReason) (*ReloadAttempt, error) {
	s.mu.Lock()
	if s.reloading {
		s.followUp = reason
		s.mu.Unlock()
		return nil, ErrCoalesced
	}
	s.reloading = true
	s.mu.Unlock()

	attempt := s.reload(ctx, reason)
	for {
		s.mu.Lock()
		next := s.followUp
		s.followUp = ""
		if next == "" {
			s.reloading = false
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		s.reload(ctx, next)
	}
	return attempt, nil
}

// Rollback re-activates the previous generation after a bad reload.
func (s *Supervisor) Rollback(ctx context.Context) (*ReloadAttempt, error) {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveGeneration
	}
	if s.previous == nil {
		s.mu.Unlock()
		s.recordFailure(&ReloadAttempt{
			AttemptID:     s.newID(),
			Reason:        ReasonRollback,
			RequestedAtMs: s.clock().UnixMilli(),
		}, TriggerRollbackUnavailable, "no previous generation retained")
		return nil, errors.New("rollback unavailable: no previous generation")
	}
	s.mu.Unlock()
	return s.Reload(ctx, ReasonRollback)
}

// reload runs one attempt end to end. The caller holds the reloading flag.
func (s *Supervisor) reload(ctx context.Context, reason ReloadReason) *ReloadAttempt {
	now := s.clock().UnixMilli()
	s.mu.Lock()
	prev := s.active
	prevID := s.activeID
	var next Module
	var nextID Identity
	if reason == ReasonRollback && s.previous != nil {
		next = s.previous
		nextID = s.previousID
	}
	s.seq++
	if next == nil {
		nextID = Identity{GenerationID: s.newID(), GenerationSeq: s.seq}
	} else {
		// A rollback re-activates the retained module under a fresh sequence
		// so generation_seq stays strictly increasing.
		nextID.GenerationSeq = s.seq
	}
	s.mu.Unlock()

	attempt := &ReloadAttempt{
		AttemptID:      s.newID(),
		Reason:         reason,
		State:          AttemptPlanned,
		RequestedAtMs:  now,
		FromGeneration: identityPtr(prevID, prev != nil),
		ToGeneration:   &nextID,
	}
	s.log.Info("reload planned", "reason", reason, "seq", nextID.GenerationSeq)

	if next == nil {
		var err error
		next, err = s.factory(nextID)
		if err != nil {
			s.recordFailure(attempt, "", err.Error())
			return attempt
		}
	}
	// A rollback target was shut down when it was drained out of service;
	// it runs Init and Warmup again like a fresh module before cutover.
	var restore *Checkpoint
	if prev != nil {
		restore = prev.Checkpoint()
	}
	if err := next.Init(ctx, restore); err != nil {
		s.recordFailure(attempt, "", err.Error())
		return attempt
	}
	if err := next.Warmup(ctx); err != nil {
		s.log.Warn("warmup failed", "seq", nextID.GenerationSeq, "error", err)
		_ = next.Shutdown(ctx, ShutdownRequest{Reason: reason, Force: true})
		s.recordFailure(attempt, TriggerWarmupFailed, err.Error())
		return attempt
	}

	// Cutover: swap the active pointer.
	s.mu.Lock()
	s.previous = prev
	s.previousID = prevID
	s.active = next
	s.activeID = nextID
	s.mu.Unlock()
	attempt.State = AttemptSwapped
	attempt.SwappedAtMs = s.clock().UnixMilli()
	if s.OnCutover != nil {
		s.OnCutover(prevID, nextID)
	}

	// Post-cutover health gate.
	if err := next.Health(ctx); err != nil {
		s.log.Error("post-cutover health failed", "seq", nextID.GenerationSeq, "error", err)
		s.rollbackSwap(prev, prevID, next, nextID)
		s.recordFailure(attempt, TriggerPostCutoverHealth, err.Error())
		return attempt
	}

	// Drain and shut down the previous generation.
	if prev != nil {
		drainStart := s.clock().UnixMilli()
		res := prev.Drain(ctx, DrainRequest{TimeoutMs: s.DrainTimeoutMs, Reason: reason})
		if res.ElapsedMs == 0 {
			res.ElapsedMs = s.clock().UnixMilli() - drainStart
		}
		attempt.Drain = &res
		s.counters.ReloadDrain(res.ElapsedMs)
		if err := prev.Shutdown(ctx, ShutdownRequest{Reason: reason, Force: res.TimedOut}); err != nil {
			s.log.Warn("previous generation shutdown failed", "error", err)
		}
	}

	attempt.State = AttemptCompleted
	attempt.FinishedAtMs = s.clock().UnixMilli()
	s.counters.ReloadSuccess()
	s.record(attempt)
	s.log.Info("reload completed", "reason", reason, "seq", nextID.GenerationSeq)
	return attempt
}

// rollbackSwap restores the previous generation after a post-cutover failure.
func (s *Supervisor) rollbackSwap(prev Module, prevID Identity, bad Module, badID Identity) {
	s.mu.Lock()
	s.active = prev
	s.activeID = prevID
	s.previous = nil
	s.previousID = Identity{}
	s.mu.Unlock()
	s.log.Warn("rolled back after cutover", "bad_seq", badID.GenerationSeq, "restored_seq", prevID.GenerationSeq)
	_ = bad.Shutdown(context.Background(), ShutdownRequest{Reason: ReasonRollback, Force: true})
}

func (s *Supervisor) recordFailure(attempt *ReloadAttempt, trigger RollbackTrigger, errMsg string) {
	attempt.State = AttemptFailed
	attempt.Trigger = trigger
	attempt.Error = errMsg
	attempt.FinishedAtMs = s.clock().UnixMilli()
	s.counters.ReloadFailure()
	s.record(attempt)
}

func (s *Supervisor) record(attempt *ReloadAttempt) {
	s.mu.Lock()
	s.attempts = append(s.attempts, attempt)
	s.mu.Unlock()
}

func identityPtr(id Identity, ok bool) *Identity {
	if !ok {
		return nil
	}
	cp := id
	return &cp
}

// DrainByPolling is a drain helper for module implementations: it polls
// inFlight until it reports zero or the timeout passes.
func DrainByPolling(ctx context.Context, req DrainRequest, inFlight func() int, clock func() time.Time) DrainResult {
	start := clock().UnixMilli()
	res := DrainResult{InFlightAtStart: inFlight()}
	deadline := start + req.TimeoutMs
	for {
		n := inFlight()
		now := clock().UnixMilli()
		if n == 0 {
			res.Drained = true
			res.InFlightAtEnd = 0
			res.ElapsedMs = now - start
			return res
		}
		if now >= deadline || ctx.Err() != nil {
			res.TimedOut = true
			res.InFlightAtEnd = n
			res.ElapsedMs = now - start
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
}
