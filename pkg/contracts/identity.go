package contracts

// BindingStatus is the lifecycle status of an identity binding.
type BindingStatus string

const (
	BindingActive   BindingStatus = "active"
	BindingUnlinked BindingStatus = "unlinked"
	BindingRevoked  BindingStatus = "revoked"
)

// IdentityBinding is the durable link between a channel principal
// (channel, tenant, actor) and an operator identity. At most one active
// binding exists per principal at any point of the identity journal.
type IdentityBinding struct {
	BindingID       string        `json:"binding_id"`
	OperatorID      string        `json:"operator_id"`
	Channel         Channel       `json:"channel"`
	ChannelTenantID string        `json:"channel_tenant_id"`
	ChannelActorID  string        `json:"channel_actor_id"`
	AssuranceTier   Tier          `json:"assurance_tier"`
	Scopes          []string      `json:"scopes"`
	Status          BindingStatus `json:"status"`
	CreatedAtMs     int64         `json:"created_at_ms"`
	UpdatedAtMs     int64         `json:"updated_at_ms"`
	RevokedBy       string        `json:"revoked_by,omitempty"`
	RevokeReason    string        `json:"revoke_reason,omitempty"`
}

// HasScope reports whether the binding carries the given capability token.
func (b *IdentityBinding) HasScope(scope string) bool {
	for _, s := range b.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
