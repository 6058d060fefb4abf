package outbox

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/contracts"
)

type recordingObserver struct {
	duplicates []string
	drops      []string
}

func (o *recordingObserver) DuplicateSignal(key string)      { o.duplicates = append(o.duplicates, key) }
func (o *recordingObserver) DropSignal(id, reason string)    { o.drops = append(o.drops, id+":"+reason) }

func envelope(body string) *contracts.OutboundEnvelope {
	return &contracts.OutboundEnvelope{
		Kind:       contracts.OutboundResult,
		ResponseID: "resp-" + body,
		Channel:    contracts.ChannelSlack,
		Body:       body,
	}
}

func openStore(t *testing.T, now *int64) (*Store, string, *recordingObserver) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	s, err := Open(path)
	require.NoError(t, err)
	obs := &recordingObserver{}
	n := 0
	s.WithClock(func() time.Time { return time.UnixMilli(*now) }).
		WithIDFactory(func() string { n++; return fmt.Sprintf("ob-%d", n) }).
		WithObserver(obs)
	return s, path, obs
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, int64(250), BackoffMs(1))
	assert.Equal(t, int64(500), BackoffMs(2))
	assert.Equal(t, int64(1000), BackoffMs(3))
	assert.Equal(t, int64(32_000), BackoffMs(8))
	assert.Equal(t, int64(60_000), BackoffMs(9))
	assert.Equal(t, int64(60_000), BackoffMs(30))
}

func TestEnqueue_DedupeReturnsExisting(t *testing.T) {
	now := int64(1000)
	s, _, obs := openStore(t, &now)
	defer s.Close()

	first, created, err := s.Enqueue(EnqueueRequest{DedupeKey: "k1", Envelope: envelope("a")})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatePending, first.State)
	assert.Equal(t, DefaultMaxAttempts, first.MaxAttempts)

	now = 2000
	second, created, err := s.Enqueue(EnqueueRequest{DedupeKey: "k1", Envelope: envelope("b")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.OutboxID, second.OutboxID)
	assert.Equal(t, "a", second.Envelope.Body) // unchanged
	assert.Equal(t, []string{"k1"}, obs.duplicates)
}

func TestMarkFailure_BackoffThenDeadLetter(t *testing.T) {
	now := int64(1000)
	s, _, obs := openStore(t, &now)
	defer s.Close()

	rec, _, err := s.Enqueue(EnqueueRequest{DedupeKey: "k1", Envelope: envelope("a"), MaxAttempts: 2})
	require.NoError(t, err)

	require.NoError(t, s.MarkFailure(rec.OutboxID, "conn refused", 0))
	got, _ := s.Get(rec.OutboxID)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, now+250, got.NextAttemptAtMs)

	require.NoError(t, s.MarkFailure(rec.OutboxID, "boom", 0))
	got, _ = s.Get(rec.OutboxID)
	assert.Equal(t, StateDeadLetter, got.State)
	assert.Equal(t, "boom", got.DeadLetterReason)
	assert.Equal(t, []string{rec.OutboxID + ":boom"}, obs.drops)
}

func TestMarkFailure_CallerDelayOverridesBackoff(t *testing.T) {
	now := int64(1000)
	s, _, _ := openStore(t, &now)
	defer s.Close()

	rec, _, err := s.Enqueue(EnqueueRequest{DedupeKey: "k1", Envelope: envelope("a")})
	require.NoError(t, err)
	require.NoError(t, s.MarkFailure(rec.OutboxID, "slow down", 5_000))
	got, _ := s.Get(rec.OutboxID)
	assert.Equal(t, now+5_000, got.NextAttemptAtMs)
}

func TestPendingDue_Ordering(t *testing.T) {
	now := int64(1000)
	s, _, _ := openStore(t, &now)
	defer s.Close()

	_, _, err := s.Enqueue(EnqueueRequest{DedupeKey: "later", Envelope: envelope("a"), NextAttemptAtMs: 3000})
	require.NoError(t, err)
	_, _, err = s.Enqueue(EnqueueRequest{DedupeKey: "sooner", Envelope: envelope("b"), NextAttemptAtMs: 2000})
	require.NoError(t, err)
	_, _, err = s.Enqueue(EnqueueRequest{DedupeKey: "future", Envelope: envelope("c"), NextAttemptAtMs: 9000})
	require.NoError(t, err)

	due := s.PendingDue(3000, 10)
	require.Len(t, due, 2)
	assert.Equal(t, "sooner", due[0].DedupeKey)
	assert.Equal(t, "later", due[1].DedupeKey)

	assert.Len(t, s.PendingDue(9000, 1), 1)
}

func TestReplayDeadLetter(t *testing.T) {
	now := int64(1000)
	s, _, _ := openStore(t, &now)
	defer s.Close()

	rec, _, err := s.Enqueue(EnqueueRequest{DedupeKey: "k1", Envelope: envelope("a"), MaxAttempts: 1})
	require.NoError(t, err)

	_, err = s.ReplayDeadLetter(rec.OutboxID, "cmd-C")
	assert.ErrorIs(t, err, ErrNotDeadLetter)

	require.NoError(t, s.MarkFailure(rec.OutboxID, "boom", 0))

	replayed, err := s.ReplayDeadLetter(rec.OutboxID, "cmd-C")
	require.NoError(t, err)
	assert.Equal(t, StatePending, replayed.State)
	assert.NotEqual(t, rec.Envelope.ResponseID, replayed.Envelope.ResponseID)
	assert.Equal(t, "a", replayed.Envelope.Body)
	assert.Equal(t, rec.OutboxID, replayed.Envelope.Metadata["replayed_from_outbox_id"])
	assert.Equal(t, "cmd-C", replayed.Envelope.Metadata["replay_requested_by_command_id"])
	assert.Equal(t, rec.OutboxID, replayed.ReplayOfOutboxID)

	_, err = s.ReplayDeadLetter("ghost", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplayRebuildsFromSnapshots(t *testing.T) {
	now := int64(1000)
	s, path, _ := openStore(t, &now)

	rec, _, err := s.Enqueue(EnqueueRequest{DedupeKey: "k1", Envelope: envelope("a"), MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, s.MarkFailure(rec.OutboxID, "boom", 0))
	_, _, err = s.Enqueue(EnqueueRequest{DedupeKey: "k2", Envelope: envelope("b")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reloaded, err := Open(path)
	require.NoError(t, err)
	defer reloaded.Close()

	got, ok := reloaded.Get(rec.OutboxID)
	require.True(t, ok)
	assert.Equal(t, StateDeadLetter, got.State)
	assert.Len(t, reloaded.DeadLetters(), 1)

	// Dedupe survives reload without mutation.
	existing, created, err := reloaded.Enqueue(EnqueueRequest{DedupeKey: "k2", Envelope: envelope("zz")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "b", existing.Envelope.Body)
}
