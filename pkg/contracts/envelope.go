package contracts

// Channel identifies an adapter-backed ingress surface.
type Channel string

const (
	ChannelSlack    Channel = "slack"
	ChannelDiscord  Channel = "discord"
	ChannelTelegram Channel = "telegram"
	ChannelNeovim   Channel = "neovim"
	ChannelVSCode   Channel = "vscode"
)

// Tier is the assurance tier derived from the authenticating channel.
// tier_a is the highest trust; tier_c is the default for unknown surfaces.
type Tier string

const (
	TierA Tier = "tier_a"
	TierB Tier = "tier_b"
	TierC Tier = "tier_c"
)

// DefaultTier maps a channel to its default assurance tier. An explicit
// link may override this.
func DefaultTier(ch Channel) Tier {
	switch ch {
	case ChannelSlack, ChannelDiscord:
		return TierA
	case ChannelTelegram:
		return TierB
	default:
		return TierC
	}
}

// IngressMode distinguishes slash-command style channels, whose text is
// parsed directly, from conversational channels routed through the operator.
type IngressMode string

const (
	IngressCommandOnly    IngressMode = "command_only"
	IngressConversational IngressMode = "conversational"
)

// AttachmentRef points at a file carried by an inbound message. Bytes are
// fetched and pinned into the attachment CAS by the adapter before the
// envelope enters the pipeline.
type AttachmentRef struct {
	AttachmentID string `json:"attachment_id,omitempty"`
	SourceFileID string `json:"source_file_id,omitempty"`
	Filename     string `json:"filename,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	ContentSHA   string `json:"content_sha256,omitempty"`
}

// InboundEnvelope is the normalized form every adapter produces. Version 1.
type InboundEnvelope struct {
	V                     int               `json:"v"`
	ReceivedAtMs          int64             `json:"received_at_ms"`
	DeliveryID            string            `json:"delivery_id"`
	RequestID             string            `json:"request_id"`
	Channel               Channel           `json:"channel"`
	ChannelTenantID       string            `json:"channel_tenant_id"`
	ChannelConversationID string            `json:"channel_conversation_id"`
	ActorID               string            `json:"actor_id"`
	AssuranceTier         Tier              `json:"assurance_tier,omitempty"`
	RepoRoot              string            `json:"repo_root"`
	CommandText           string            `json:"command_text"`
	ScopeRequired         string            `json:"scope_required,omitempty"`
	ScopeEffective        []string          `json:"scope_effective,omitempty"`
	TargetType            string            `json:"target_type,omitempty"`
	TargetID              string            `json:"target_id,omitempty"`
	IdempotencyKey        string            `json:"idempotency_key"`
	Fingerprint           string            `json:"fingerprint"`
	IngressMode           IngressMode       `json:"ingress_mode,omitempty"`
	Attachments           []AttachmentRef   `json:"attachments,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// OutboundKind classifies an outbound envelope.
type OutboundKind string

const (
	OutboundAck       OutboundKind = "ack"
	OutboundLifecycle OutboundKind = "lifecycle"
	OutboundResult    OutboundKind = "result"
	OutboundError     OutboundKind = "error"
)

// OutboundEnvelope is a reply routed back through the outbox to the channel
// the command originated on.
type OutboundEnvelope struct {
	Kind                  OutboundKind        `json:"kind"`
	ResponseID            string              `json:"response_id"`
	Channel               Channel             `json:"channel"`
	ChannelTenantID       string              `json:"channel_tenant_id"`
	ChannelConversationID string              `json:"channel_conversation_id"`
	Body                  string              `json:"body"`
	Attachments           []AttachmentRef     `json:"attachments,omitempty"`
	Correlation           CorrelationMetadata `json:"correlation"`
	Metadata              map[string]string   `json:"metadata,omitempty"`
}
