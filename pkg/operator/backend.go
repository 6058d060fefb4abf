// Package operator holds the seam to the LLM-backed operator session: the
// Backend interface the pipeline calls for conversational turns, the
// session registry mapping conversations to stable session IDs, and the
// turn audit journal.
package operator

import (
	"context"

	"github.com/mu-ops/mu/pkg/contracts"
)

// TurnInput is everything a backend receives for one conversational turn.
type TurnInput struct {
	SessionID string
	TurnID    string
	Inbound   *contracts.InboundEnvelope
	Binding   *contracts.IdentityBinding
}

// Backend produces either a conversational reply or a resolved command for
// one turn. Implementations live outside the control plane; the pipeline
// treats errors and panics as a failed command.
type Backend interface {
	RunTurn(ctx context.Context, input TurnInput) (*contracts.TurnResult, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, input TurnInput) (*contracts.TurnResult, error)

func (f BackendFunc) RunTurn(ctx context.Context, input TurnInput) (*contracts.TurnResult, error) {
	return f(ctx, input)
}
