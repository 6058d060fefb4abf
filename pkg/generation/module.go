// Package generation supervises the reloadable control-plane module: each
// reload builds a new generation, warms it up, cuts over atomically, drains
// the previous generation and rolls back on post-cutover failures. Reload
// intents are serialized; concurrent intents coalesce into one follow-up.
package generation

import (
	"context"
	"encoding/json"
)

// Identity names one immutable generation. Sequence numbers are strictly
// increasing across reloads.
type Identity struct {
	GenerationID  string `json:"generation_id"`
	GenerationSeq int64  `json:"generation_seq"`
}

// ReloadReason classifies why a reload was requested.
type ReloadReason string

const (
	ReasonStartup       ReloadReason = "startup"
	ReasonAPIReload     ReloadReason = "api_control_plane_reload"
	ReasonConfigChanged ReloadReason = "config_changed"
	ReasonRollback      ReloadReason = "rollback"
	ReasonShutdown      ReloadReason = "shutdown"
)

// RollbackTrigger records what forced a rollback or failed attempt.
type RollbackTrigger string

const (
	TriggerWarmupFailed          RollbackTrigger = "warmup_failed"
	TriggerHealthGateFailed      RollbackTrigger = "health_gate_failed"
	TriggerCutoverFailed         RollbackTrigger = "cutover_failed"
	TriggerPostCutoverHealth     RollbackTrigger = "post_cutover_health_failed"
	TriggerRollbackUnavailable   RollbackTrigger = "rollback_unavailable"
	TriggerRollbackFailed        RollbackTrigger = "rollback_failed"
)

// AttemptState is the lifecycle of one reload attempt.
type AttemptState string

const (
	AttemptPlanned   AttemptState = "planned"
	AttemptSwapped   AttemptState = "swapped"
	AttemptCompleted AttemptState = "completed"
	AttemptFailed    AttemptState = "failed"
)

// ReloadAttempt is the audit record of one reload.
type ReloadAttempt struct {
	AttemptID      string          `json:"attempt_id"`
	Reason         ReloadReason    `json:"reason"`
	State          AttemptState    `json:"state"`
	Trigger        RollbackTrigger `json:"trigger,omitempty"`
	Error          string          `json:"error,omitempty"`
	RequestedAtMs  int64           `json:"requested_at_ms"`
	SwappedAtMs    int64           `json:"swapped_at_ms,omitempty"`
	FinishedAtMs   int64           `json:"finished_at_ms,omitempty"`
	FromGeneration *Identity       `json:"from_generation,omitempty"`
	ToGeneration   *Identity       `json:"to_generation,omitempty"`
	Drain          *DrainResult    `json:"drain,omitempty"`
}

// Checkpoint carries opaque state handed from a draining generation to its
// successor's init.
type Checkpoint struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// DrainRequest bounds how long a generation may finish in-flight work.
type DrainRequest struct {
	TimeoutMs int64        `json:"timeout_ms"`
	Reason    ReloadReason `json:"reason"`
}

// DrainResult reports how the drain went.
type DrainResult struct {
	Drained         bool  `json:"drained"`
	InFlightAtStart int   `json:"in_flight_at_start"`
	InFlightAtEnd   int   `json:"in_flight_at_end"`
	ElapsedMs       int64 `json:"elapsed_ms"`
	TimedOut        bool  `json:"timed_out"`
}

// ShutdownRequest finalizes a generation. Force is set when the drain
// timed out.
type ShutdownRequest struct {
	Reason ReloadReason `json:"reason"`
	Force  bool         `json:"force"`
}

// Module is one reloadable control-plane generation. Lifecycle:
// Init -> Handle* -> Drain -> Checkpoint? -> Shutdown.
type Module interface {
	Init(ctx context.Context, restoreFrom *Checkpoint) error
	// Warmup runs channel-specific readiness gates (e.g. Telegram health
	// probes) before cutover.
	Warmup(ctx context.Context) error
	// Health is the post-cutover gate; failure triggers a rollback.
	Health(ctx context.Context) error
	Drain(ctx context.Context, req DrainRequest) DrainResult
	Checkpoint() *Checkpoint
	Shutdown(ctx context.Context, req ShutdownRequest) error
}

// Factory builds the next generation's module.
type Factory func(id Identity) (Module, error)
