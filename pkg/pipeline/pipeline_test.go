package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// fakeRunner returns a scripted outcome and records the plans it ran.
type fakeRunner struct {
	plans  []*executor.Plan
	result *contracts.CommandResult
	code   contracts.ErrorCode
}

func (f *fakeRunner) Run(ctx context.Context, plan *executor.Plan) (*contracts.CommandResult, contracts.ErrorCode) {
	f.plans = append(f.plans, plan)
	res := f.result
	if res == nil {
		res = &contracts.CommandResult{ExitCode: 0, Stdout: `{"ok":true}`}
	}
	return res, f.code
}

type harness struct {
	p       *Pipeline
	journal *journal.CommandJournal
	outbox  *outbox.Store
	ids     *identity.Store
	runner  *fakeRunner
	now     *int64
}

func newHarness(t *testing.T, backend operator.Backend) *harness {
	t.Helper()
	dir := t.TempDir()
	now := new(int64)
	*now = 1_000
	clock := func() time.Time { return time.UnixMilli(*now) }

	j, err := journal.OpenCommandJournal(filepath.Join(dir, "commands.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	ids, err := identity.Open(filepath.Join(dir, "identities.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })
	ids.WithClock(clock)

	led, err := idempotency.Open(filepath.Join(dir, "idempotency.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	led.WithClock(clock)

	eng, err := policy.NewEngine()
	require.NoError(t, err)

	ob, err := outbox.Open(filepath.Join(dir, "outbox.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })
	ob.WithClock(clock)

	sessions, err := operator.NewSessionRegistry(filepath.Join(dir, "operator_conversations.json"), 60_000)
	require.NoError(t, err)
	sessions.WithClock(clock)

	turns, err := operator.OpenTurnLog(filepath.Join(dir, "operator_turns.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { turns.Close() })

	runner := &fakeRunner{}
	n := 0
	p := New(Deps{
		Journal:  j,
		Identity: ids,
		Ledger:   led,
		Policy:   eng,
		Confirm:  confirm.NewManager(j, nil).WithClock(clock),
		Surface:  executor.NewSurface(),
		Runner:   runner,
		Outbox:   ob,
		Sessions: sessions,
		Turns:    turns,
		Backend:  backend,
	}, Config{}).
		WithClock(clock).
		WithIDFactory(func() string { n++; return fmt.Sprintf("id-%d", n) })

	return &harness{p: p, journal: j, outbox: ob, ids: ids, runner: runner, now: now}
}

// drain runs everything the pipeline has queued.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	h.p.DrainQueued(context.Background())
}

func (h *harness) link(t *testing.T, ch contracts.Channel, actor string, tier contracts.Tier, scopes ...string) *contracts.IdentityBinding {
	t.Helper()
	b, err := h.ids.Link("op-1", ch, "T1", actor, tier, scopes)
	require.NoError(t, err)
	return b
}

func inbound(ch contracts.Channel, actor, text, key string) *contracts.InboundEnvelope {
	return &contracts.InboundEnvelope{
		V:                     1,
		ReceivedAtMs:          1_000,
		DeliveryID:            "d-" + key,
		RequestID:             "r-" + key,
		Channel:               ch,
		ChannelTenantID:       "T1",
		ChannelConversationID: "C1",
		ActorID:               actor,
		RepoRoot:              "/repo",
		CommandText:           text,
		IdempotencyKey:        key,
		Fingerprint:           "fp-" + text,
		IngressMode:           contracts.IngressCommandOnly,
	}
}

func TestNoIdentityDenied(t *testing.T) {
	h := newHarness(t, nil)
	res := h.p.HandleInbound(context.Background(), inbound(contracts.ChannelSlack, "U1", "status", "k1"))
	assert.Equal(t, contracts.ResultDenied, res.Kind)
	assert.Equal(t, contracts.ErrNoIdentity, res.Reason)
}

func TestDuplicateInbound(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelSlack, "U1", contracts.TierA, "cp.read")

	first := h.p.HandleInbound(context.Background(), inbound(contracts.ChannelSlack, "U1", "status", "k1"))
	require.Equal(t, contracts.ResultAccepted, first.Kind)
	assert.Equal(t, contracts.StateQueued, first.Command.State)
	h.drain(t)

	*h.now += 100
	second := h.p.HandleInbound(context.Background(), inbound(contracts.ChannelSlack, "U1", "status", "k1"))
	assert.Equal(t, contracts.ResultDuplicate, second.Kind)
	require.NotNil(t, second.Command)
	assert.Equal(t, first.Command.CommandID, second.Command.CommandID)
	assert.Equal(t, contracts.StateCompleted, second.Command.State)
}

func TestReadCommandCompletes(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelSlack, "U1", contracts.TierA, "cp.read")

	res := h.p.HandleInbound(context.Background(), inbound(contracts.ChannelSlack, "U1", "issue_get mu-42", "k1"))
	require.Equal(t, contracts.ResultAccepted, res.Kind)
	assert.Equal(t, contracts.StateQueued, res.Command.State)
	h.drain(t)
	require.Len(t, h.runner.plans, 1)
	assert.Equal(t, []string{"mu", "issue", "get", "mu-42", "--json"}, h.runner.plans[0].Argv)

	final, ok := h.journal.Get(res.Command.CommandID)
	require.True(t, ok)
	assert.Equal(t, contracts.StateCompleted, final.State)

	events := h.journal.Events(res.Command.CommandID)
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventCLIStarted, events[0].EventType)
	assert.Equal(t, journal.EventCLICompleted, events[1].EventType)
}

func TestMissingScopeDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelSlack, "U1", contracts.TierA, "cp.read")

	res := h.p.HandleInbound(context.Background(), inbound(contracts.ChannelSlack, "U1", "issue_close mu-42", "k1"))
	assert.Equal(t, contracts.ResultDenied, res.Kind)
	assert.Equal(t, contracts.ErrMissingScope, res.Reason)
	assert.Equal(t, contracts.StateDenied, res.Command.State)
}

func TestMutatingConfirmationHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelTelegram, "U1", contracts.TierB, "cp.read", "cp.ops.admin")

	res := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelTelegram, "U1", "operator_model_set openai-codex gpt-5.3-codex high", "k1"))
	require.Equal(t, contracts.ResultAwaitingConfirmation, res.Kind)
	cmdID := res.Command.CommandID
	assert.Equal(t, contracts.StateAwaitingConfirmation, res.Command.State)
	assert.Empty(t, h.runner.plans)

	*h.now += 1_000
	conf := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelTelegram, "U1", "mu! confirm "+cmdID, "k2"))
	require.Equal(t, contracts.ResultCompleted, conf.Kind)
	assert.Equal(t, cmdID, conf.Command.CommandID)

	require.Len(t, h.runner.plans, 1)
	assert.Equal(t,
		[]string{"mu", "control", "operator", "set", "openai-codex", "gpt-5.3-codex", "high", "--json"},
		h.runner.plans[0].Argv)

	events := h.journal.Events(cmdID)
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventCLIStarted, events[0].EventType)
	assert.Equal(t, journal.EventCLICompleted, events[1].EventType)
}

func TestConfirmationWrongActor(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelTelegram, "U1", contracts.TierB, "cp.ops.admin")
	h.link(t, contracts.ChannelTelegram, "U2", contracts.TierB, "cp.ops.admin")

	res := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelTelegram, "U1", "operator_model_set openai-codex gpt-5.3-codex", "k1"))
	require.Equal(t, contracts.ResultAwaitingConfirmation, res.Kind)
	cmdID := res.Command.CommandID

	conf := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelTelegram, "U2", "mu! confirm "+cmdID, "k2"))
	assert.Equal(t, contracts.ResultDenied, conf.Kind)
	assert.Equal(t, contracts.ErrInvalidActor, conf.Reason)

	target, ok := h.journal.Get(cmdID)
	require.True(t, ok)
	assert.Equal(t, contracts.StateAwaitingConfirmation, target.State)
}

func TestConfirmationCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelTelegram, "U1", contracts.TierB, "cp.write")

	res := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelTelegram, "U1", "issue_close mu-42", "k1"))
	require.Equal(t, contracts.ResultAwaitingConfirmation, res.Kind)
	cmdID := res.Command.CommandID

	cancel := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelTelegram, "U1", "mu! cancel "+cmdID, "k2"))
	require.Equal(t, contracts.ResultCompleted, cancel.Kind)

	target, ok := h.journal.Get(cmdID)
	require.True(t, ok)
	assert.Equal(t, contracts.StateCancelled, target.State)
	assert.Empty(t, h.runner.plans)
}

func TestCLITimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelSlack, "U1", contracts.TierA, "cp.read")
	h.runner.result = &contracts.CommandResult{ExitCode: -1}
	h.runner.code = contracts.ErrCLITimeout

	res := h.p.HandleInbound(context.Background(), inbound(contracts.ChannelSlack, "U1", "status", "k1"))
	require.Equal(t, contracts.ResultAccepted, res.Kind)
	h.drain(t)

	final, ok := h.journal.Get(res.Command.CommandID)
	require.True(t, ok)
	assert.Equal(t, contracts.StateFailed, final.State)
	assert.Equal(t, contracts.ErrCLITimeout, final.ErrorCode)

	events := h.journal.Events(res.Command.CommandID)
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventCLIFailed, events[1].EventType)

	// One error envelope in the outbox, deliverable on first attempt.
	due := h.outbox.PendingDue(*h.now, 10)
	require.Len(t, due, 1)
	assert.Equal(t, contracts.OutboundError, due[0].Envelope.Kind)
	require.NoError(t, h.outbox.MarkDelivered(due[0].OutboxID))
}

func TestValidationReject(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelSlack, "U1", contracts.TierA, "cp.read")

	res := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelSlack, "U1", "issue_get not-an-issue!", "k1"))
	assert.Equal(t, contracts.ResultFailed, res.Kind)
	assert.Equal(t, contracts.ErrCLIValidationFailed, res.Reason)
	assert.Empty(t, h.runner.plans)
}

func TestUnknownCommandDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelSlack, "U1", contracts.TierA, "cp.read")

	res := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelSlack, "U1", "frobnicate now", "k1"))
	assert.Equal(t, contracts.ResultDenied, res.Kind)
	assert.Equal(t, contracts.ErrUnknownCommand, res.Reason)
}

func TestOperatorRespondTurn(t *testing.T) {
	backend := operator.BackendFunc(func(ctx context.Context, in operator.TurnInput) (*contracts.TurnResult, error) {
		return &contracts.TurnResult{Kind: contracts.TurnRespond, Message: "three runs in flight"}, nil
	})
	h := newHarness(t, backend)
	h.link(t, contracts.ChannelTelegram, "U1", contracts.TierB, "cp.read")

	env := inbound(contracts.ChannelTelegram, "U1", "what is running?", "k1")
	env.IngressMode = contracts.IngressConversational
	res := h.p.HandleInbound(context.Background(), env)
	require.Equal(t, contracts.ResultCompleted, res.Kind)
	assert.Equal(t, "operator_reply", res.Command.CommandKind)
	assert.Equal(t, "three runs in flight", res.Result.Message)
	assert.NotEmpty(t, res.Command.OperatorSessionID)
	assert.Empty(t, h.runner.plans)
}

func TestOperatorCommandTurn(t *testing.T) {
	backend := operator.BackendFunc(func(ctx context.Context, in operator.TurnInput) (*contracts.TurnResult, error) {
		return &contracts.TurnResult{
			Kind:    contracts.TurnCommand,
			Command: &contracts.ResolvedCommand{Kind: "run_list"},
		}, nil
	})
	h := newHarness(t, backend)
	h.link(t, contracts.ChannelTelegram, "U1", contracts.TierB, "cp.read")

	env := inbound(contracts.ChannelTelegram, "U1", "list the runs", "k1")
	env.IngressMode = contracts.IngressConversational
	res := h.p.HandleInbound(context.Background(), env)
	require.Equal(t, contracts.ResultAccepted, res.Kind)
	h.drain(t)
	require.Len(t, h.runner.plans, 1)
	assert.Equal(t, []string{"mu", "run", "list", "--json"}, h.runner.plans[0].Argv)
	assert.NotEmpty(t, res.Command.OperatorTurnID)
}

func TestBackendPanicBecomesFailed(t *testing.T) {
	backend := operator.BackendFunc(func(ctx context.Context, in operator.TurnInput) (*contracts.TurnResult, error) {
		panic("backend exploded")
	})
	h := newHarness(t, backend)
	h.link(t, contracts.ChannelTelegram, "U1", contracts.TierB, "cp.read")

	env := inbound(contracts.ChannelTelegram, "U1", "hello", "k1")
	env.IngressMode = contracts.IngressConversational
	res := h.p.HandleInbound(context.Background(), env)
	assert.Equal(t, contracts.ResultFailed, res.Kind)
	assert.Equal(t, contracts.ErrInternal, res.Reason)
	assert.Equal(t, contracts.StateFailed, res.Command.State)
}

func TestContextResolutionFromMetadata(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelSlack, "U1", contracts.TierA, "cp.read")

	env := inbound(contracts.ChannelSlack, "U1", "issue_get", "k1")
	env.TargetType = "issue"
	env.TargetID = "mu-42"
	res := h.p.HandleInbound(context.Background(), env)
	require.Equal(t, contracts.ResultAccepted, res.Kind)
	h.drain(t)
	require.Len(t, h.runner.plans, 1)
	assert.Equal(t, []string{"mu", "issue", "get", "mu-42", "--json"}, h.runner.plans[0].Argv)
}

func TestAcceptedAckBeforeExecution(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelSlack, "U1", contracts.TierA, "cp.read")

	res := h.p.HandleInbound(context.Background(), inbound(contracts.ChannelSlack, "U1", "status", "k1"))
	require.Equal(t, contracts.ResultAccepted, res.Kind)
	assert.Equal(t, contracts.StateQueued, res.Command.State)
	assert.NotEmpty(t, res.Command.CommandID)
	assert.Empty(t, h.runner.plans)

	// The CLI runs once the pipeline loop picks the command up.
	require.Equal(t, 1, h.p.DrainQueued(context.Background()))
	require.Len(t, h.runner.plans, 1)
}

func TestCancelNoticeAfterConfirmationPrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelTelegram, "U1", contracts.TierB, "cp.write")

	res := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelTelegram, "U1", "issue_close mu-42", "k1"))
	require.Equal(t, contracts.ResultAwaitingConfirmation, res.Kind)
	cmdID := res.Command.CommandID

	cancel := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelTelegram, "U1", "mu! cancel "+cmdID, "k2"))
	require.Equal(t, contracts.ResultCompleted, cancel.Kind)

	// Both the confirmation prompt and the cancellation notice reach the
	// outbox; the dedupe key must not collapse distinct lifecycle notices
	// for one command.
	var lifecycle []string
	for _, rec := range h.outbox.PendingDue(*h.now, 10) {
		if rec.Envelope.Kind == contracts.OutboundLifecycle {
			lifecycle = append(lifecycle, rec.Envelope.Body)
		}
	}
	require.Len(t, lifecycle, 2)
	joined := strings.Join(lifecycle, "\n")
	assert.Contains(t, joined, "confirmation required")
	assert.Contains(t, joined, "cancelled")
}

func TestExpiryNoticeAfterConfirmationPrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelTelegram, "U1", contracts.TierB, "cp.write")

	res := h.p.HandleInbound(context.Background(),
		inbound(contracts.ChannelTelegram, "U1", "issue_close mu-42", "k1"))
	require.Equal(t, contracts.ResultAwaitingConfirmation, res.Kind)

	h.p.NotifyExpired([]*contracts.CommandRecord{res.Command})

	var lifecycle []string
	for _, rec := range h.outbox.PendingDue(*h.now, 10) {
		if rec.Envelope.Kind == contracts.OutboundLifecycle {
			lifecycle = append(lifecycle, rec.Envelope.Body)
		}
	}
	require.Len(t, lifecycle, 2)
	assert.Contains(t, strings.Join(lifecycle, "\n"), "expired")
}

func TestContextMissingDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.link(t, contracts.ChannelSlack, "U1", contracts.TierA, "cp.read")

	res := h.p.HandleInbound(context.Background(), inbound(contracts.ChannelSlack, "U1", "issue_get", "k1"))
	assert.Equal(t, contracts.ResultDenied, res.Kind)
	assert.Equal(t, contracts.ErrContextMissing, res.Reason)
}
