//go:build property
// +build property

package identity

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mu-ops/mu/pkg/contracts"
)

// TestSingleActiveBinding: for any interleaving of link/unlink/revoke over a
// small pool of principals, each principal has at most one active binding,
// and reopening the journal resolves the same bindings.
func TestSingleActiveBinding(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	type step struct {
		actor int
		op    int // 0 link, 1 unlink, 2 revoke
	}
	genStep := gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.IntRange(0, 2),
	).Map(func(vals []interface{}) step {
		return step{actor: vals[0].(int), op: vals[1].(int)}
	})

	properties.Property("at most one active binding per principal", prop.ForAll(
		func(steps []step) bool {
			path := filepath.Join(t.TempDir(), "identities.jsonl")
			s, err := Open(path)
			if err != nil {
				return false
			}

			active := make(map[int]string) // actor index -> binding ID
			for i, st := range steps {
				actor := fmt.Sprintf("U%d", st.actor)
				switch st.op {
				case 0:
					b, err := s.Link(fmt.Sprintf("op-%d", i), contracts.ChannelSlack, "T1", actor, "", []string{"issue.read"})
					if _, linked := active[st.actor]; linked {
						if err != ErrAlreadyLinked {
							return false
						}
					} else {
						if err != nil {
							return false
						}
						active[st.actor] = b.BindingID
					}
				case 1, 2:
					id, linked := active[st.actor]
					if !linked {
						continue
					}
					if st.op == 1 {
						err = s.Unlink(id)
					} else {
						err = s.Revoke(id, "admin", "cleanup")
					}
					if err != nil {
						return false
					}
					delete(active, st.actor)
				}
			}
			if err := s.Close(); err != nil {
				return false
			}

			reloaded, err := Open(path)
			if err != nil {
				return false
			}
			defer reloaded.Close()
			for actorIdx := 0; actorIdx <= 3; actorIdx++ {
				actor := fmt.Sprintf("U%d", actorIdx)
				b, ok := reloaded.Resolve(contracts.ChannelSlack, "T1", actor)
				wantID, wantActive := active[actorIdx]
				if ok != wantActive {
					return false
				}
				if ok && b.BindingID != wantID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genStep),
	))

	properties.TestingRun(t)
}
