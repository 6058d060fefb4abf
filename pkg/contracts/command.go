// Package contracts defines the shared record types of the mu control
// plane: inbound/outbound envelopes, the command record and its lifecycle
// state machine, identity bindings, and the closed result unions the
// pipeline returns across its public boundary.
package contracts

// CommandState is the lifecycle state of a CommandRecord.
type CommandState string

const (
	StateReceived             CommandState = "received"
	StateQueued               CommandState = "queued"
	StateAwaitingConfirmation CommandState = "awaiting_confirmation"
	StateRunning              CommandState = "running"
	StateCompleted            CommandState = "completed"
	StateFailed               CommandState = "failed"
	StateCancelled            CommandState = "cancelled"
	StateExpired              CommandState = "expired"
	StateDenied               CommandState = "denied"
)

// Terminal reports whether no further lifecycle transition is permitted.
func (s CommandState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired, StateDenied:
		return true
	}
	return false
}

// legalTransitions is the closed transition graph. A transition outside this
// table is rejected by the command journal with ErrInvalidTransition.
var legalTransitions = map[CommandState][]CommandState{
	StateReceived:             {StateQueued, StateDenied},
	StateQueued:               {StateAwaitingConfirmation, StateRunning, StateCompleted, StateFailed, StateDenied},
	StateAwaitingConfirmation: {StateQueued, StateCancelled, StateExpired},
	StateRunning:              {StateCompleted, StateFailed},
}

// TransitionAllowed reports whether from -> to is a legal lifecycle edge.
func TransitionAllowed(from, to CommandState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CommandResult captures the outcome of a CLI invocation or operator reply
// attached to a terminal command record.
type CommandResult struct {
	ExitCode int    `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Message  string `json:"message,omitempty"`
}

// CommandRecord is the central entity of the command pipeline. A record is
// created when an inbound envelope is accepted and transitions through the
// lifecycle graph until a terminal state. Correlation fields are set once by
// the pipeline stage that owns them and never change afterwards.
type CommandRecord struct {
	CommandID             string       `json:"command_id"`
	IdempotencyKey        string       `json:"idempotency_key"`
	RequestID             string       `json:"request_id"`
	Channel               Channel      `json:"channel"`
	ChannelTenantID       string       `json:"channel_tenant_id"`
	ChannelConversationID string       `json:"channel_conversation_id"`
	ActorID               string       `json:"actor_id"`
	ActorBindingID        string       `json:"actor_binding_id,omitempty"`
	AssuranceTier         Tier         `json:"assurance_tier,omitempty"`
	RepoRoot              string       `json:"repo_root"`
	ScopeRequired         string       `json:"scope_required,omitempty"`
	ScopeEffective        []string     `json:"scope_effective,omitempty"`
	TargetType            string       `json:"target_type,omitempty"`
	TargetID              string       `json:"target_id,omitempty"`
	Attempt               int          `json:"attempt"`
	State                 CommandState `json:"state"`
	ErrorCode             ErrorCode    `json:"error_code,omitempty"`

	OperatorSessionID string `json:"operator_session_id,omitempty"`
	OperatorTurnID    string `json:"operator_turn_id,omitempty"`
	CLIInvocationID   string `json:"cli_invocation_id,omitempty"`
	CLICommandKind    string `json:"cli_command_kind,omitempty"`
	RunRootID         string `json:"run_root_id,omitempty"`

	ConfirmationExpiresAtMs int64 `json:"confirmation_expires_at_ms,omitempty"`
	RetryAtMs               int64 `json:"retry_at_ms,omitempty"`

	CommandKind string         `json:"command_kind,omitempty"`
	CommandArgs []string       `json:"command_args,omitempty"`
	Result      *CommandResult `json:"result,omitempty"`

	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
}

// Clone returns a deep copy so journal snapshots stay immutable to callers.
func (r *CommandRecord) Clone() *CommandRecord {
	cp := *r
	if r.ScopeEffective != nil {
		cp.ScopeEffective = append([]string(nil), r.ScopeEffective...)
	}
	if r.CommandArgs != nil {
		cp.CommandArgs = append([]string(nil), r.CommandArgs...)
	}
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	return &cp
}

// CorrelationMetadata is the snapshot attached to mutating domain events so
// an auditor can tie a journal row back to its invocation and operator turn.
type CorrelationMetadata struct {
	CommandID         string `json:"command_id"`
	RequestID         string `json:"request_id,omitempty"`
	CLIInvocationID   string `json:"cli_invocation_id,omitempty"`
	CLICommandKind    string `json:"cli_command_kind,omitempty"`
	OperatorSessionID string `json:"operator_session_id,omitempty"`
	OperatorTurnID    string `json:"operator_turn_id,omitempty"`
	RunRootID         string `json:"run_root_id,omitempty"`
}
