//go:build property
// +build property

package journal

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mu-ops/mu/pkg/contracts"
)

// legal lifecycle walks from received, indexed by generator choice.
var walks = [][]contracts.CommandState{
	{contracts.StateQueued, contracts.StateRunning, contracts.StateCompleted},
	{contracts.StateQueued, contracts.StateRunning, contracts.StateFailed},
	{contracts.StateQueued, contracts.StateAwaitingConfirmation, contracts.StateQueued, contracts.StateRunning, contracts.StateCompleted},
	{contracts.StateQueued, contracts.StateAwaitingConfirmation, contracts.StateCancelled},
	{contracts.StateQueued, contracts.StateAwaitingConfirmation, contracts.StateExpired},
	{contracts.StateDenied},
	{contracts.StateQueued},
}

// TestReplayDeterminism: load(); snapshot() from the same journal bytes
// yields equal indexes regardless of how the rows were produced.
func TestReplayDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("reopen rebuilds identical snapshots", prop.ForAll(
		func(choices []int) bool {
			path := filepath.Join(t.TempDir(), "commands.jsonl")
			j, err := OpenCommandJournal(path)
			if err != nil {
				return false
			}

			for i, c := range choices {
				id := fmt.Sprintf("cmd-%d", i)
				rec := &contracts.CommandRecord{
					CommandID:   id,
					Channel:     contracts.ChannelTelegram,
					RepoRoot:    "/r",
					State:       contracts.StateReceived,
					CreatedAtMs: int64(1000 + i),
					UpdatedAtMs: int64(1000 + i),
				}
				if err := j.AppendLifecycle(rec); err != nil {
					return false
				}
				for step, next := range walks[c%len(walks)] {
					rec.State = next
					rec.UpdatedAtMs = int64(1000 + i + step + 1)
					if err := j.AppendLifecycle(rec); err != nil {
						return false
					}
				}
			}
			before := j.All()
			if err := j.Close(); err != nil {
				return false
			}

			reloaded, err := OpenCommandJournal(path)
			if err != nil {
				return false
			}
			defer reloaded.Close()
			after := reloaded.All()

			if len(before) != len(after) {
				return false
			}
			for i := range before {
				if before[i].CommandID != after[i].CommandID ||
					before[i].State != after[i].State ||
					before[i].CreatedAtMs != after[i].CreatedAtMs ||
					before[i].UpdatedAtMs != after[i].UpdatedAtMs {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(walks)-1)),
	))

	properties.TestingRun(t)
}
