// Package pipeline wires the control plane together: identity resolution,
// idempotency, confirmation routing, operator turns, policy, CLI dispatch
// and the outbox. HandleInbound is the single entrypoint turning an inbound
// envelope into a terminal decision, and the pipeline is the only component
// that writes command lifecycle rows.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/canonicalize"
	"github.com/mu-ops/mu/pkg/confirm"
	"github.com/mu-ops/mu/pkg/contracts"
	"github.com/mu-ops/mu/pkg/executor"
	"github.com/mu-ops/mu/pkg/idempotency"
	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/journal"
	"github.com/mu-ops/mu/pkg/operator"
	"github.com/mu-ops/mu/pkg/outbox"
	"github.com/mu-ops/mu/pkg/policy"
)

// Defaults applied when Config leaves a knob zero.
const (
	DefaultIdempotencyTTLMs  = 10 * 60_000
	DefaultConfirmationTTLMs = 2 * 60_000
	DefaultCLITimeout        = 30 * time.Second
)

// inboxDepth bounds the queue between webhook acks and CLI execution.
const inboxDepth = 128

// Inbound text prefixes routed to the confirmation manager before any
// operator turn.
const (
	confirmPrefix = "mu! confirm "
	cancelPrefix  = "mu! cancel "
)

// Config carries the pipeline's tunables.
type Config struct {
	IdempotencyTTLMs  int64
	ConfirmationTTLMs int64
	CLITimeout        time.Duration
}

// Deps is the service-locator value the pipeline constructor receives. All
// fields except Backend are required; without a backend every conversational
// envelope is parsed as command text.
type Deps struct {
	Journal  *journal.CommandJournal
	Identity *identity.Store
	Ledger   *idempotency.Ledger
	Policy   *policy.Engine
	Confirm  *confirm.Manager
	Surface  *executor.Surface
	Runner   executor.Runner
	Outbox   *outbox.Store
	Sessions *operator.SessionRegistry
	Turns    *operator.TurnLog
	Backend  operator.Backend
	Log      *slog.Logger
}

// Pipeline is the command pipeline.
type Pipeline struct {
	deps  Deps
	cfg   Config
	clock func() time.Time
	newID func() string
	log   *slog.Logger
	inbox chan *execItem
}

// execItem is one queued command waiting for the pipeline loop.
type execItem struct {
	rec  *contracts.CommandRecord
	plan *executor.Plan
}

// New builds a pipeline over its dependencies.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.IdempotencyTTLMs <= 0 {
		cfg.IdempotencyTTLMs = DefaultIdempotencyTTLMs
	}
	if cfg.ConfirmationTTLMs <= 0 {
		cfg.ConfirmationTTLMs = DefaultConfirmationTTLMs
	}
	if cfg.CLITimeout <= 0 {
		cfg.CLITimeout = DefaultCLITimeout
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pipeline")
	return &Pipeline{
		deps:  deps,
		cfg:   cfg,
		clock: time.Now,
		newID: uuid.NewString,
		log:   log,
		inbox: make(chan *execItem, inboxDepth),
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithIDFactory overrides ID generation for deterministic testing.
func (p *Pipeline) WithIDFactory(f func() string) *Pipeline {
	p.newID = f
	return p
}

// HandleInbound transforms one inbound envelope into a decision. A command
// that passes policy and dispatch validation is acked {accepted, queued} and
// executes on the Run loop; denials, duplicates, operator replies and
// explicit confirms resolve inline. It never returns an error and never
// panics across this boundary; internal failures become {kind: failed} with
// a taxonomy code.
func (p *Pipeline) HandleInbound(ctx context.Context, env *contracts.InboundEnvelope) (result *contracts.PipelineResult) {
	var rec *contracts.CommandRecord
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic", "panic", fmt.Sprint(r), "request_id", env.RequestID)
			if rec != nil {
				p.failCommand(rec, contracts.ErrInternal, fmt.Sprintf("panic: %v", r))
			}
			result = &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
		}
	}()

	// 1. Identity resolution.
	binding, ok := p.deps.Identity.Resolve(env.Channel, env.ChannelTenantID, env.ActorID)
	if !ok {
		p.log.Info("inbound denied", "reason", "no_identity", "channel", env.Channel, "actor", env.ActorID)
		return &contracts.PipelineResult{Kind: contracts.ResultDenied, Reason: contracts.ErrNoIdentity}
	}

	// 2. Idempotency claim.
	commandID := p.newID()
	claim, err := p.deps.Ledger.Claim(env.IdempotencyKey, env.Fingerprint, commandID, p.cfg.IdempotencyTTLMs)
	if err != nil {
		p.log.Error("idempotency claim failed", "error", err)
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal}
	}
	switch claim.Outcome {
	case idempotency.OutcomeDuplicate:
		prior, _ := p.deps.Journal.Get(claim.Claim.CommandID)
		return &contracts.PipelineResult{Kind: contracts.ResultDuplicate, Command: prior}
	case idempotency.OutcomeConflict:
		return &contracts.PipelineResult{Kind: contracts.ResultDenied, Reason: contracts.ErrIdempotencyConflict}
	}

	// Create the command record and queue it.
	now := p.clock().UnixMilli()
	rec = &contracts.CommandRecord{
		CommandID:             commandID,
		IdempotencyKey:        env.IdempotencyKey,
		RequestID:             env.RequestID,
		Channel:               env.Channel,
		ChannelTenantID:       env.ChannelTenantID,
		ChannelConversationID: env.ChannelConversationID,
		ActorID:               env.ActorID,
		ActorBindingID:        binding.BindingID,
		AssuranceTier:         binding.AssuranceTier,
		RepoRoot:              env.RepoRoot,
		ScopeEffective:        binding.Scopes,
		TargetType:            env.TargetType,
		TargetID:              env.TargetID,
		Attempt:               1,
		State:                 contracts.StateReceived,
		CreatedAtMs:           now,
		UpdatedAtMs:           now,
	}
	if err := p.deps.Journal.AppendLifecycle(rec); err != nil {
		p.log.Error("lifecycle append failed", "error", err)
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal}
	}
	if err := p.transition(rec, contracts.StateQueued); err != nil {
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}

	// 3. Confirmation prefixes before any operator turn.
	text := strings.TrimSpace(env.CommandText)
	if id, ok := strings.CutPrefix(text, confirmPrefix); ok {
		return p.handleConfirm(ctx, rec, binding, strings.TrimSpace(id))
	}
	if id, ok := strings.CutPrefix(text, cancelPrefix); ok {
		return p.handleCancel(rec, binding, strings.TrimSpace(id))
	}

	// 4. Operator turn on conversational channels, direct parse otherwise.
	var resolved *contracts.ResolvedCommand
	if env.IngressMode == contracts.IngressConversational && p.deps.Backend != nil {
		turn, res := p.runOperatorTurn(ctx, rec, env, binding)
		if res != nil {
			return res
		}
		resolved = turn
	} else {
		fields := strings.Fields(text)
		if len(fields) == 0 {
			return p.deny(rec, contracts.ErrPayloadInvalid)
		}
		resolved = &contracts.ResolvedCommand{Kind: fields[0], Args: fields[1:]}
	}

	return p.runResolved(ctx, rec, binding, resolved, false)
}

// runResolved carries a resolved command through context resolution, policy,
// confirmation and execution. confirmed marks a command re-queued by an
// explicit confirm, which skips the confirmation gate.
func (p *Pipeline) runResolved(ctx context.Context, rec *contracts.CommandRecord, binding *contracts.IdentityBinding, resolved *contracts.ResolvedCommand, confirmed bool) *contracts.PipelineResult {
	// 5. Context resolution.
	spec, known := p.deps.Surface.Lookup(resolved.Kind)
	if !known {
		return p.deny(rec, contracts.ErrUnknownCommand)
	}
	args := resolved.Args
	if spec.Target != executor.TargetNone && spec.MinArgs > 0 && len(args) == 0 {
		if rec.TargetID != "" {
			args = append([]string{rec.TargetID}, args...)
		} else {
			return p.deny(rec, contracts.ErrContextMissing)
		}
	}
	rec.CommandKind = resolved.Kind
	rec.CommandArgs = args
	rec.ScopeRequired = spec.Scope

	// 6. Policy check.
	decision := p.deps.Policy.Decide(resolved.Kind, spec.Mutating, spec.Scope, binding)
	if !decision.Allowed {
		return p.deny(rec, decision.Reason)
	}
	if decision.RequiresConfirmation && !confirmed {
		if err := p.deps.Confirm.RequestAwaitingConfirmation(rec, p.cfg.ConfirmationTTLMs); err != nil {
			p.log.Error("confirmation request failed", "error", err, "command_id", rec.CommandID)
			return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
		}
		p.enqueueOutbound(rec, contracts.OutboundLifecycle,
			fmt.Sprintf("confirmation required for %s: reply `mu! confirm %s`", rec.CommandKind, rec.CommandID))
		return &contracts.PipelineResult{Kind: contracts.ResultAwaitingConfirmation, Command: rec}
	}

	// 7. CLI dispatch.
	build := p.deps.Surface.Build(resolved.Kind, args)
	switch build.Kind {
	case executor.BuildSkip:
		return p.deny(rec, contracts.ErrUnknownCommand)
	case executor.BuildReject:
		p.failCommand(rec, build.Reason, build.Details)
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: build.Reason, Command: rec}
	}

	// 8 + 9. An explicit confirm executes inline so the confirming actor
	// sees the terminal outcome; everything else is acked as accepted and
	// executes on the pipeline loop.
	if confirmed {
		return p.execute(ctx, rec, build.Plan)
	}
	select {
	case p.inbox <- &execItem{rec: rec, plan: build.Plan}:
	default:
		p.failCommand(rec, contracts.ErrInternal, "pipeline inbox full")
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}
	snapshot := *rec
	return &contracts.PipelineResult{Kind: contracts.ResultAccepted, Command: &snapshot}
}

// Run consumes queued commands and executes them until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.inbox:
			p.executeQueued(ctx, item)
		}
	}
}

// DrainQueued synchronously executes every command currently queued and
// returns how many ran. Tests and shutdown paths use it.
func (p *Pipeline) DrainQueued(ctx context.Context) int {
	n := 0
	for {
		select {
		case item := <-p.inbox:
			p.executeQueued(ctx, item)
			n++
		default:
			return n
		}
	}
}

func (p *Pipeline) executeQueued(ctx context.Context, item *execItem) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic", "panic", fmt.Sprint(r), "command_id", item.rec.CommandID)
			p.failCommand(item.rec, contracts.ErrInternal, fmt.Sprintf("panic: %v", r))
		}
	}()
	p.execute(ctx, item.rec, item.plan)
}

// execute spawns the CLI for a queued record and writes the terminal
// transition plus the outbound summary.
func (p *Pipeline) execute(ctx context.Context, rec *contracts.CommandRecord, plan *executor.Plan) *contracts.PipelineResult {
	rec.CLIInvocationID = p.newID()
	rec.CLICommandKind = plan.CommandKind
	if err := p.transition(rec, contracts.StateRunning); err != nil {
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}

	corr := p.correlation(rec)
	if _, err := p.deps.Journal.AppendEvent(journal.EventCLIStarted, p.clock().UnixMilli(), corr, map[string]interface{}{
		"argv": plan.Argv,
	}); err != nil {
		p.log.Error("event append failed", "error", err, "command_id", rec.CommandID)
	}

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.CLITimeout)
	defer cancel()
	result, code := p.deps.Runner.Run(execCtx, plan)
	rec.Result = result

	if code != "" {
		if _, err := p.deps.Journal.AppendEvent(journal.EventCLIFailed, p.clock().UnixMilli(), corr, map[string]interface{}{
			"error_code": string(code),
			"exit_code":  result.ExitCode,
		}); err != nil {
			p.log.Error("event append failed", "error", err, "command_id", rec.CommandID)
		}
		p.failCommand(rec, code, result.Stderr)
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: code, Command: rec, Result: result}
	}

	if _, err := p.deps.Journal.AppendEvent(journal.EventCLICompleted, p.clock().UnixMilli(), corr, map[string]interface{}{
		"exit_code": result.ExitCode,
	}); err != nil {
		p.log.Error("event append failed", "error", err, "command_id", rec.CommandID)
	}
	if err := p.transition(rec, contracts.StateCompleted); err != nil {
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}
	p.enqueueOutbound(rec, contracts.OutboundResult, result.Stdout)
	return &contracts.PipelineResult{Kind: contracts.ResultCompleted, Command: rec, Result: result}
}

// runOperatorTurn drives one conversational turn. It returns either the
// resolved command to execute, or a terminal PipelineResult when the turn
// itself concluded the envelope (respond, or backend failure).
func (p *Pipeline) runOperatorTurn(ctx context.Context, rec *contracts.CommandRecord, env *contracts.InboundEnvelope, binding *contracts.IdentityBinding) (*contracts.ResolvedCommand, *contracts.PipelineResult) {
	sessionID, err := p.deps.Sessions.SessionFor(env.Channel, env.ChannelTenantID, env.ChannelConversationID)
	if err != nil {
		p.log.Error("session lookup failed", "error", err)
		p.failCommand(rec, contracts.ErrInternal, err.Error())
		return nil, &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}
	rec.OperatorSessionID = sessionID
	rec.OperatorTurnID = p.newID()

	turn, err := p.safeRunTurn(ctx, operator.TurnInput{
		SessionID: sessionID,
		TurnID:    rec.OperatorTurnID,
		Inbound:   env,
		Binding:   binding,
	})
	if err != nil {
		p.log.Error("operator turn failed", "error", err, "session_id", sessionID)
		p.failCommand(rec, contracts.ErrInternal, err.Error())
		return nil, &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}

	p.recordTurn(rec, env, turn)

	if turn.Kind == contracts.TurnRespond {
		rec.CommandKind = "operator_reply"
		rec.Result = &contracts.CommandResult{Message: turn.Message}
		if err := p.transition(rec, contracts.StateCompleted); err != nil {
			return nil, &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
		}
		p.enqueueOutbound(rec, contracts.OutboundResult, turn.Message)
		return nil, &contracts.PipelineResult{Kind: contracts.ResultCompleted, Command: rec, Result: rec.Result}
	}
	if turn.Command == nil {
		p.failCommand(rec, contracts.ErrInternal, "backend returned command turn without a command")
		return nil, &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}
	return turn.Command, nil
}

// safeRunTurn converts backend panics into errors.
func (p *Pipeline) safeRunTurn(ctx context.Context, input operator.TurnInput) (turn *contracts.TurnResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operator backend panic: %v", r)
		}
	}()
	turn, err = p.deps.Backend.RunTurn(ctx, input)
	if err == nil && turn == nil {
		err = fmt.Errorf("operator backend returned no turn result")
	}
	return turn, err
}

func (p *Pipeline) recordTurn(rec *contracts.CommandRecord, env *contracts.InboundEnvelope, turn *contracts.TurnResult) {
	if p.deps.Turns == nil {
		return
	}
	tr := &operator.TurnRecord{
		SessionID:  rec.OperatorSessionID,
		TurnID:     rec.OperatorTurnID,
		CommandID:  rec.CommandID,
		Channel:    env.Channel,
		InputText:  env.CommandText,
		ResultKind: turn.Kind,
		AtMs:       p.clock().UnixMilli(),
	}
	if turn.Command != nil {
		tr.Kind = turn.Command.Kind
	}
	if err := p.deps.Turns.Record(tr); err != nil {
		p.log.Error("turn audit append failed", "error", err)
	}
}

// handleConfirm routes `mu! confirm <command_id>`. On success the original
// command is executed; the confirm envelope's own record completes.
func (p *Pipeline) handleConfirm(ctx context.Context, rec *contracts.CommandRecord, binding *contracts.IdentityBinding, targetID string) *contracts.PipelineResult {
	outcome, target, err := p.deps.Confirm.Confirm(targetID, binding.BindingID)
	if err != nil {
		p.failCommand(rec, contracts.ErrInternal, err.Error())
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}
	switch outcome {
	case confirm.OutcomeQueued:
		// Execute the confirmed command with its stored kind and args.
		build := p.deps.Surface.Build(target.CommandKind, target.CommandArgs)
		if build.Kind != executor.BuildOK {
			p.failCommand(target, contracts.ErrCLIValidationFailed, build.Details)
			p.completeWithMessage(rec, fmt.Sprintf("confirmed %s but dispatch failed", targetID))
			return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrCLIValidationFailed, Command: target}
		}
		res := p.execute(ctx, target, build.Plan)
		p.completeWithMessage(rec, fmt.Sprintf("confirmed %s", targetID))
		return res
	case confirm.OutcomeNotFound:
		return p.deny(rec, contracts.ErrUnknownCommand)
	case confirm.OutcomeInvalidState:
		return p.deny(rec, contracts.ErrInvalidState)
	case confirm.OutcomeInvalidActor:
		return p.deny(rec, contracts.ErrInvalidActor)
	case confirm.OutcomeExpired:
		p.failCommand(rec, contracts.ErrConfirmationExpired, "")
		p.enqueueOutbound(target, contracts.OutboundError, "confirmation window expired")
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrConfirmationExpired, Command: target}
	}
	return p.deny(rec, contracts.ErrInvalidState)
}

// handleCancel routes `mu! cancel <command_id>`.
func (p *Pipeline) handleCancel(rec *contracts.CommandRecord, binding *contracts.IdentityBinding, targetID string) *contracts.PipelineResult {
	outcome, target, err := p.deps.Confirm.Cancel(targetID, binding.BindingID)
	if err != nil {
		p.failCommand(rec, contracts.ErrInternal, err.Error())
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}
	switch outcome {
	case confirm.OutcomeCancelled:
		p.completeWithMessage(rec, fmt.Sprintf("cancelled %s", targetID))
		p.enqueueOutbound(target, contracts.OutboundLifecycle, fmt.Sprintf("command %s cancelled", targetID))
		return &contracts.PipelineResult{Kind: contracts.ResultCompleted, Command: target}
	case confirm.OutcomeNotFound:
		return p.deny(rec, contracts.ErrUnknownCommand)
	case confirm.OutcomeInvalidActor:
		return p.deny(rec, contracts.ErrInvalidActor)
	default:
		return p.deny(rec, contracts.ErrInvalidState)
	}
}

// NotifyExpired enqueues a lifecycle envelope for each expired confirmation.
// Wired to the confirmation sweeper.
func (p *Pipeline) NotifyExpired(expired []*contracts.CommandRecord) {
	for _, rec := range expired {
		p.enqueueOutbound(rec, contracts.OutboundLifecycle,
			fmt.Sprintf("confirmation for %s expired", rec.CommandKind))
	}
}

func (p *Pipeline) transition(rec *contracts.CommandRecord, next contracts.CommandState) error {
	rec.State = next
	rec.UpdatedAtMs = p.clock().UnixMilli()
	if err := p.deps.Journal.AppendLifecycle(rec); err != nil {
		p.log.Error("lifecycle append failed", "error", err, "command_id", rec.CommandID, "state", next)
		return err
	}
	return nil
}

func (p *Pipeline) deny(rec *contracts.CommandRecord, reason contracts.ErrorCode) *contracts.PipelineResult {
	rec.ErrorCode = reason
	if err := p.transition(rec, contracts.StateDenied); err != nil {
		return &contracts.PipelineResult{Kind: contracts.ResultFailed, Reason: contracts.ErrInternal, Command: rec}
	}
	return &contracts.PipelineResult{Kind: contracts.ResultDenied, Reason: reason, Command: rec}
}

func (p *Pipeline) failCommand(rec *contracts.CommandRecord, code contracts.ErrorCode, detail string) {
	if rec.State.Terminal() {
		return
	}
	rec.ErrorCode = code
	if rec.Result == nil && detail != "" {
		rec.Result = &contracts.CommandResult{Message: detail}
	}
	if err := p.transition(rec, contracts.StateFailed); err != nil {
		return
	}
	body := string(code)
	if detail != "" {
		body = fmt.Sprintf("%s: %s", code, detail)
	}
	p.enqueueOutbound(rec, contracts.OutboundError, body)
}

func (p *Pipeline) completeWithMessage(rec *contracts.CommandRecord, msg string) {
	rec.Result = &contracts.CommandResult{Message: msg}
	_ = p.transition(rec, contracts.StateCompleted)
}

func (p *Pipeline) correlation(rec *contracts.CommandRecord) contracts.CorrelationMetadata {
	return contracts.CorrelationMetadata{
		CommandID:         rec.CommandID,
		RequestID:         rec.RequestID,
		CLIInvocationID:   rec.CLIInvocationID,
		CLICommandKind:    rec.CLICommandKind,
		OperatorSessionID: rec.OperatorSessionID,
		OperatorTurnID:    rec.OperatorTurnID,
		RunRootID:         rec.RunRootID,
	}
}

func (p *Pipeline) enqueueOutbound(rec *contracts.CommandRecord, kind contracts.OutboundKind, body string) {
	env := &contracts.OutboundEnvelope{
		Kind:                  kind,
		ResponseID:            p.newID(),
		Channel:               rec.Channel,
		ChannelTenantID:       rec.ChannelTenantID,
		ChannelConversationID: rec.ChannelConversationID,
		Body:                  body,
		Correlation:           p.correlation(rec),
	}
	// The key collapses resends of the same content only; distinct notices
	// for one command carry distinct body hashes.
	dedupe := fmt.Sprintf("cmd:%s:%s:%s", rec.CommandID, kind, canonicalize.HashBytes([]byte(body))[:12])
	if _, _, err := p.deps.Outbox.Enqueue(outbox.EnqueueRequest{DedupeKey: dedupe, Envelope: env}); err != nil {
		p.log.Error("outbox enqueue failed", "error", err, "command_id", rec.CommandID)
	}
}
