package events

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T, now *int64) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	n := 0
	l.WithClock(func() time.Time { return time.UnixMilli(*now) }).
		WithIDFactory(func() string { n++; return fmt.Sprintf("evt-%d", n) })
	return l, path
}

func TestAppendAndQuery(t *testing.T) {
	now := int64(1000)
	l, _ := newLog(t, &now)
	defer l.Close()

	_, err := l.Append(Event{Type: "run.completed", Source: "runner", IssueID: "mu-7", RunID: "run-1", Text: "run finished green"})
	require.NoError(t, err)
	now = 2000
	_, err = l.Append(Event{Type: "issue.updated", Source: "cli", IssueID: "mu-7", Text: "status moved"})
	require.NoError(t, err)
	now = 3000
	_, err = l.Append(Event{Type: "run.completed", Source: "runner", IssueID: "mu-9", RunID: "run-2", Text: "run finished red"})
	require.NoError(t, err)

	assert.Len(t, l.Query(Filter{Type: "run.completed"}), 2)
	assert.Len(t, l.Query(Filter{IssueID: "mu-7"}), 2)
	assert.Len(t, l.Query(Filter{RunID: "run-2"}), 1)
	assert.Len(t, l.Query(Filter{Source: "cli"}), 1)
	assert.Len(t, l.Query(Filter{Contains: "green"}), 1)
	assert.Len(t, l.Query(Filter{SinceMs: 2000}), 2)
	assert.Empty(t, l.Query(Filter{Type: "run.completed", IssueID: "mu-404"}))
}

func TestTail(t *testing.T) {
	now := int64(1000)
	l, _ := newLog(t, &now)
	defer l.Close()

	for i := 0; i < 5; i++ {
		_, err := l.Append(Event{Type: "tick", Source: "cron"})
		require.NoError(t, err)
	}

	tail := l.Tail(2)
	require.Len(t, tail, 2)
	assert.Equal(t, "evt-4", tail[0].EventID)
	assert.Equal(t, "evt-5", tail[1].EventID)
	assert.Len(t, l.Tail(0), 5)
	assert.Len(t, l.Tail(50), 5)
}

func TestReplay(t *testing.T) {
	now := int64(1000)
	l, path := newLog(t, &now)

	_, err := l.Append(Event{Type: "wake", Source: "heartbeat", Text: "ping"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reloaded, err := Open(path)
	require.NoError(t, err)
	defer reloaded.Close()

	require.Equal(t, 1, reloaded.Len())
	got := reloaded.Query(Filter{Type: "wake"})
	require.Len(t, got, 1)
	assert.Equal(t, "evt-1", got[0].EventID)
	assert.Equal(t, int64(1000), got[0].AtMs)
}
