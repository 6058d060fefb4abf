package idempotency

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/journal"
)

func openLedger(t *testing.T, now *int64) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idempotency.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	l.WithClock(func() time.Time { return time.UnixMilli(*now) })
	return l, path
}

func TestClaim_CreatedThenDuplicate(t *testing.T) {
	now := int64(1000)
	l, _ := openLedger(t, &now)
	defer l.Close()

	res, err := l.Claim("k1", "fp-a", "cmd-1", 60_000)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, int64(61_000), res.Claim.ExpiresAtMs)

	now = 1100
	res, err = l.Claim("k1", "fp-a", "cmd-2", 60_000)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "cmd-1", res.Claim.CommandID)
	assert.Equal(t, int64(1100), res.Claim.LastSeenMs)
	assert.Equal(t, int64(1000), res.Claim.FirstSeenMs)
}

func TestJournalRowKinds(t *testing.T) {
	now := int64(1000)
	l, path := openLedger(t, &now)

	_, err := l.Claim("k1", "fp-a", "cmd-1", 60_000)
	require.NoError(t, err)
	now = 1100
	_, err = l.Claim("k1", "fp-a", "cmd-2", 60_000)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	var kinds []string
	require.NoError(t, journal.Replay(path, func(raw json.RawMessage) error {
		var row struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		kinds = append(kinds, row.Kind)
		return nil
	}))
	assert.Equal(t, []string{"claim", "duplicate"}, kinds)
}

func TestClaim_ConflictOnFingerprintMismatch(t *testing.T) {
	now := int64(1000)
	l, _ := openLedger(t, &now)
	defer l.Close()

	_, err := l.Claim("k1", "fp-a", "cmd-1", 60_000)
	require.NoError(t, err)

	res, err := l.Claim("k1", "fp-b", "cmd-2", 60_000)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.Equal(t, "cmd-1", res.Claim.CommandID)
}

func TestClaim_ExpiryFreesKey(t *testing.T) {
	now := int64(1000)
	l, _ := openLedger(t, &now)
	defer l.Close()

	_, err := l.Claim("k1", "fp-a", "cmd-1", 500)
	require.NoError(t, err)

	_, ok := l.Lookup("k1")
	assert.True(t, ok)

	now = 1500 // exactly expires_at_ms reads as absent
	_, ok = l.Lookup("k1")
	assert.False(t, ok)

	res, err := l.Claim("k1", "fp-b", "cmd-2", 500)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, "cmd-2", res.Claim.CommandID)
}

func TestReplayRestoresLiveClaims(t *testing.T) {
	now := int64(1000)
	l, path := openLedger(t, &now)

	_, err := l.Claim("k1", "fp-a", "cmd-1", 60_000)
	require.NoError(t, err)
	now = 1100
	_, err = l.Claim("k1", "fp-a", "cmd-9", 60_000)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reloaded, err := Open(path)
	require.NoError(t, err)
	defer reloaded.Close()
	reloaded.WithClock(func() time.Time { return time.UnixMilli(now) })

	c, ok := reloaded.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, "cmd-1", c.CommandID)
	assert.Equal(t, int64(1100), c.LastSeenMs)
	assert.Equal(t, int64(1000+60_000), c.ExpiresAtMs)
}
