package contracts

// ErrorCode is the closed taxonomy surfaced as CommandRecord.error_code and
// as the Reason on denied/failed pipeline results.
type ErrorCode string

const (
	// Ingress.
	ErrSignatureMismatch ErrorCode = "signature_mismatch"
	ErrPayloadInvalid    ErrorCode = "payload_invalid"
	ErrChannelDisabled   ErrorCode = "channel_disabled"

	// Identity and policy.
	ErrNoIdentity             ErrorCode = "no_identity"
	ErrMissingScope           ErrorCode = "missing_scope"
	ErrPrincipalAlreadyLinked ErrorCode = "principal_already_linked"
	ErrInvalidActor           ErrorCode = "invalid_actor"
	ErrContextMissing         ErrorCode = "context_missing"
	ErrContextAmbiguous       ErrorCode = "context_ambiguous"
	ErrContextUnauthorized    ErrorCode = "context_unauthorized"

	// Idempotency.
	ErrIdempotencyDuplicate ErrorCode = "idempotency_duplicate"
	ErrIdempotencyConflict  ErrorCode = "idempotency_conflict"

	// Confirmation.
	ErrInvalidState         ErrorCode = "invalid_state"
	ErrConfirmationExpired  ErrorCode = "confirmation_expired"
	ErrConfirmationCanceled ErrorCode = "confirmation_cancelled"

	// CLI surface.
	ErrCLIValidationFailed ErrorCode = "cli_validation_failed"
	ErrCLITimeout          ErrorCode = "cli_timeout"
	ErrCLINonzero          ErrorCode = "cli_nonzero"
	ErrCLISpawnFailed      ErrorCode = "cli_spawn_failed"
	ErrCommandAPIMismatch  ErrorCode = "command_api_mismatch"
	ErrUnknownCommand      ErrorCode = "unknown_command"

	// Reload lifecycle.
	ErrWarmupFailed          ErrorCode = "warmup_failed"
	ErrCutoverFailed         ErrorCode = "cutover_failed"
	ErrPostCutoverHealth     ErrorCode = "post_cutover_health_failed"
	ErrRollbackUnavailable   ErrorCode = "rollback_unavailable"
	ErrRollbackFailed        ErrorCode = "rollback_failed"
	ErrInternal              ErrorCode = "internal_error"
	ErrInvalidTransitionCode ErrorCode = "invalid_transition"
)
