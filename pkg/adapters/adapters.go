// Package adapters implements the per-channel ingress contract: webhook
// signature verification, payload normalization into inbound envelopes, and
// channel-native acks. Each adapter publishes a capability descriptor used
// by /api/control-plane/channels.
package adapters

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mu-ops/mu/pkg/contracts"
)

// PayloadFormat is the wire format a channel posts to its webhook.
type PayloadFormat string

const (
	PayloadJSON           PayloadFormat = "json"
	PayloadFormURLEncoded PayloadFormat = "form_urlencoded"
)

// Verification names the signature scheme a channel uses.
type Verification string

const (
	VerifyHMACSignature Verification = "hmac_signature"
	VerifySharedSecret  Verification = "shared_secret"
	VerifyWebhookSecret Verification = "webhook_secret"
)

// Descriptor is one channel's capability row.
type Descriptor struct {
	Channel           contracts.Channel     `json:"channel"`
	Route             string                `json:"route"`
	IngressPayload    PayloadFormat         `json:"ingress_payload"`
	Verification      Verification          `json:"verification"`
	AckFormat         string                `json:"ack_format"`
	DeliverySemantics string                `json:"delivery_semantics"`
	DeferredDelivery  bool                  `json:"deferred_delivery"`
	IngressMode       contracts.IngressMode `json:"ingress_mode"`
}

// Handler is the pipeline seam every adapter invokes.
type Handler interface {
	HandleInbound(ctx context.Context, env *contracts.InboundEnvelope) *contracts.PipelineResult
}

// Adapter is one mounted channel.
type Adapter interface {
	Descriptor() Descriptor
	HandleWebhook(w http.ResponseWriter, r *http.Request)
}

// Capabilities returns the descriptor table for a set of adapters.
func Capabilities(list []Adapter) []Descriptor {
	out := make([]Descriptor, 0, len(list))
	for _, a := range list {
		out = append(out, a.Descriptor())
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("ack encode failed", "error", err)
	}
}

// secretsEqual is a constant-time string compare for shared secrets.
func secretsEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
