package contracts

// PipelineResultKind discriminates the closed union HandleInbound returns.
type PipelineResultKind string

const (
	ResultAccepted             PipelineResultKind = "accepted"
	ResultDuplicate            PipelineResultKind = "duplicate"
	ResultDenied               PipelineResultKind = "denied"
	ResultAwaitingConfirmation PipelineResultKind = "awaiting_confirmation"
	ResultCompleted            PipelineResultKind = "completed"
	ResultFailed               PipelineResultKind = "failed"
)

// PipelineResult is the terminal decision for one inbound envelope. The
// pipeline never returns an error across its public boundary; failures are
// folded into Kind + Reason.
type PipelineResult struct {
	Kind    PipelineResultKind `json:"kind"`
	Reason  ErrorCode          `json:"reason,omitempty"`
	Command *CommandRecord     `json:"command,omitempty"`
	Result  *CommandResult     `json:"result,omitempty"`
}

// TurnResultKind discriminates the operator backend's turn outcome.
type TurnResultKind string

const (
	TurnRespond TurnResultKind = "respond"
	TurnCommand TurnResultKind = "command"
)

// ResolvedCommand is a command intent produced by an operator turn or parsed
// directly from command-only ingress text.
type ResolvedCommand struct {
	Kind string   `json:"kind"`
	Args []string `json:"args,omitempty"`
}

// TurnResult is the closed union returned by Backend.RunTurn.
type TurnResult struct {
	Kind    TurnResultKind   `json:"kind"`
	Message string           `json:"message,omitempty"`
	Command *ResolvedCommand `json:"command,omitempty"`
}
