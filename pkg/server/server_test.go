package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/adapters"
	"github.com/mu-ops/mu/pkg/contracts"
	"github.com/mu-ops/mu/pkg/events"
	"github.com/mu-ops/mu/pkg/flash"
	"github.com/mu-ops/mu/pkg/generation"
	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/observability"
	"github.com/mu-ops/mu/pkg/outbox"
)

type okModule struct{}

func (okModule) Init(context.Context, *generation.Checkpoint) error { return nil }
func (okModule) Warmup(context.Context) error                       { return nil }
func (okModule) Health(context.Context) error                       { return nil }
func (okModule) Drain(_ context.Context, _ generation.DrainRequest) generation.DrainResult {
	return generation.DrainResult{Drained: true}
}
func (okModule) Checkpoint() *generation.Checkpoint          { return nil }
func (okModule) Shutdown(context.Context, generation.ShutdownRequest) error { return nil }

type stubHandler struct{}

func (stubHandler) HandleInbound(_ context.Context, _ *contracts.InboundEnvelope) *contracts.PipelineResult {
	return &contracts.PipelineResult{Kind: contracts.ResultCompleted, Result: &contracts.CommandResult{Message: "ok"}}
}

type fixture struct {
	srv    *Server
	sup    *generation.Supervisor
	events *events.Log
	flash  *flash.Store
	outbox *outbox.Store
	ids    *identity.Store
}

func newFixture(t *testing.T, limiter LimiterStore) *fixture {
	t.Helper()
	dir := t.TempDir()

	ev, err := events.Open(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { ev.Close() })

	fl, err := flash.Open(filepath.Join(dir, "session_flash.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { fl.Close() })

	ob, err := outbox.Open(filepath.Join(dir, "outbox.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })

	ids, err := identity.Open(filepath.Join(dir, "identities.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })

	counters := observability.NewCounters()
	sup := generation.NewSupervisor(func(generation.Identity) (generation.Module, error) {
		return okModule{}, nil
	}, counters, nil)
	_, err = sup.Reload(context.Background(), generation.ReasonStartup)
	require.NoError(t, err)

	srv := New(Options{
		Adapters:   []adapters.Adapter{adapters.NewDiscord("secret", "/repo", stubHandler{}, nil)},
		Supervisor: sup,
		Counters:   counters,
		Events:     ev,
		Flash:      fl,
		Outbox:     ob,
		Identity:   ids,
		Limiter:    limiter,
		Log:        nil,
	})
	return &fixture{srv: srv, sup: sup, events: ev, flash: fl, outbox: ob, ids: ids}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "10.0.0.1:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var decoded map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &decoded)
	return rr, decoded
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.Handler()

	rr, body := doJSON(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])

	gen, ok := body["generation"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), gen["generation_seq"])

	obs, ok := body["observability"].(map[string]interface{})
	require.True(t, ok)
	counters, ok := obs["counters"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), counters["reload_success_total"])
}

func TestReloadEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.Handler()

	rr, body := doJSON(t, h, http.MethodPost, "/api/control-plane/reload", `{"reason":"config_changed"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "config_changed", body["reason"])

	prev, ok := body["previous_control_plane"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), prev["generation_seq"])
	next, ok := body["control_plane"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), next["generation_seq"])
	gen, ok := body["generation"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, next["generation_id"], gen["generation_id"])

	id, _ := f.sup.Active()
	assert.Equal(t, int64(2), id.GenerationSeq)
}

func TestRollbackEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.Handler()

	_, _ = doJSON(t, h, http.MethodPost, "/api/control-plane/reload", "")
	rr, body := doJSON(t, h, http.MethodPost, "/api/control-plane/rollback", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])
}

func TestChannelsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rr, body := doJSON(t, f.srv.Handler(), http.MethodGet, "/api/control-plane/channels", "")
	require.Equal(t, http.StatusOK, rr.Code)
	channels, ok := body["channels"].([]interface{})
	require.True(t, ok)
	require.Len(t, channels, 1)
	first := channels[0].(map[string]interface{})
	assert.Equal(t, "/webhooks/discord", first["route"])
}

func TestEventsEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.events.Append(events.Event{Type: "issue.updated", Source: "webhook", IssueID: "mu-1", Text: "opened"})
	require.NoError(t, err)
	_, err = f.events.Append(events.Event{Type: "run.completed", Source: "runner", RunID: "r-1", Text: "done"})
	require.NoError(t, err)

	h := f.srv.Handler()
	rr, body := doJSON(t, h, http.MethodGet, "/api/events?type=run.completed", "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := body["events"].([]interface{})
	require.Len(t, list, 1)

	rr, body = doJSON(t, h, http.MethodGet, "/api/events/tail?n=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	list = body["events"].([]interface{})
	require.Len(t, list, 1)
	last := list[0].(map[string]interface{})
	assert.Equal(t, "run.completed", last["type"])

	rr, body = doJSON(t, h, http.MethodGet, "/api/events?since=0", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, body["events"].([]interface{}), 2)

	rr, _ = doJSON(t, h, http.MethodGet, "/api/events?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = doJSON(t, h, http.MethodGet, "/api/events?since_ms=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIdentityEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.Handler()

	rr, created := doJSON(t, h, http.MethodPost, "/api/identity",
		`{"operator_id":"op-1","channel":"discord","tenant":"guild-1","actor":"user-1","scopes":["issue:read"]}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	bindingID := created["binding_id"].(string)
	require.NotEmpty(t, bindingID)
	assert.Equal(t, "active", created["status"])

	// Linking the same principal again while active conflicts.
	rr, _ = doJSON(t, h, http.MethodPost, "/api/identity",
		`{"operator_id":"op-2","channel":"discord","tenant":"guild-1","actor":"user-1"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, body := doJSON(t, h, http.MethodGet, "/api/identity", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, body["bindings"].([]interface{}), 1)

	rr, revoked := doJSON(t, h, http.MethodPost, "/api/identity/"+bindingID+"/revoke",
		`{"revoked_by":"admin","reason":"offboarded"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "revoked", revoked["status"])
	assert.Equal(t, "admin", revoked["revoked_by"])

	// Retiring twice conflicts; unknown bindings are 404.
	rr, _ = doJSON(t, h, http.MethodPost, "/api/identity/"+bindingID+"/unlink", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr, _ = doJSON(t, h, http.MethodPost, "/api/identity/nope/unlink", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/api/identity", `{"operator_id":"op-1"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIdentityUnlinkAllowsRelink(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.Handler()

	_, created := doJSON(t, h, http.MethodPost, "/api/identity",
		`{"operator_id":"op-1","channel":"slack","tenant":"T1","actor":"U1"}`)
	bindingID := created["binding_id"].(string)

	rr, unlinked := doJSON(t, h, http.MethodPost, "/api/identity/"+bindingID+"/unlink", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "unlinked", unlinked["status"])

	rr, _ = doJSON(t, h, http.MethodPost, "/api/identity",
		`{"operator_id":"op-2","channel":"slack","tenant":"T1","actor":"U1"}`)
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestFlashEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.Handler()

	rr, created := doJSON(t, h, http.MethodPost, "/api/session-flash", `{"session_id":"sess-1","kind":"notice","text":"run finished"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	flashID := created["flash_id"].(string)
	require.NotEmpty(t, flashID)

	rr, body := doJSON(t, h, http.MethodGet, "/api/session-flash?session_id=sess-1&pending=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, body["flashes"].([]interface{}), 1)

	rr, ack1 := doJSON(t, h, http.MethodPost, "/api/session-flash/"+flashID+"/ack", "")
	require.Equal(t, http.StatusOK, rr.Code)

	// Second ack is idempotent.
	rr, ack2 := doJSON(t, h, http.MethodPost, "/api/session-flash/"+flashID+"/ack", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, ack1["delivery_id"], ack2["delivery_id"])

	rr, body = doJSON(t, h, http.MethodGet, "/api/session-flash?session_id=sess-1&pending=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, body["flashes"])

	rr, _ = doJSON(t, h, http.MethodPost, "/api/session-flash/nope/ack", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/api/session-flash", `{"kind":"notice"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDLQEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	rec, created, err := f.outbox.Enqueue(outbox.EnqueueRequest{
		DedupeKey: "cmd:c1:error",
		Envelope: &contracts.OutboundEnvelope{
			Kind:       contracts.OutboundError,
			ResponseID: "resp-1",
			Channel:    contracts.ChannelDiscord,
			Body:       "boom",
		},
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.outbox.MarkFailure(rec.OutboxID, "channel unreachable", 0))

	h := f.srv.Handler()
	rr, body := doJSON(t, h, http.MethodGet, "/api/dlq", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, body["dead_letters"].([]interface{}), 1)

	rr, replayed := doJSON(t, h, http.MethodPost, "/api/dlq/"+rec.OutboxID+"/replay", `{"command_id":"c9"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pending", replayed["state"])
	assert.Equal(t, rec.OutboxID, replayed["replay_of_outbox_id"])

	rr, _ = doJSON(t, h, http.MethodPost, "/api/dlq/missing/replay", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, NewLocalLimiterStore(RatePolicy{RPS: 0.01, Burst: 1}))
	h := f.srv.Handler()

	rr, _ := doJSON(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr, _ = doJSON(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestMethodGuards(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.Handler()

	rr, _ := doJSON(t, h, http.MethodGet, "/api/control-plane/reload", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
