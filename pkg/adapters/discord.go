package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/canonicalize"
	"github.com/mu-ops/mu/pkg/contracts"
)

// discordSignatureHeader carries hex(HMAC-SHA256(secret, body)).
const discordSignatureHeader = "X-Mu-Discord-Signature"

// DiscordAdapter ingests message payloads as JSON, conversational mode.
type DiscordAdapter struct {
	signingSecret string
	handler       Handler
	repoRoot      string
	clock         func() time.Time
	newID         func() string
	log           *slog.Logger
}

// NewDiscord builds the Discord adapter.
func NewDiscord(signingSecret, repoRoot string, handler Handler, log *slog.Logger) *DiscordAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &DiscordAdapter{
		signingSecret: signingSecret,
		handler:       handler,
		repoRoot:      repoRoot,
		clock:         time.Now,
		newID:         uuid.NewString,
		log:           log.With("adapter", "discord"),
	}
}

// Descriptor implements Adapter.
func (a *DiscordAdapter) Descriptor() Descriptor {
	return Descriptor{
		Channel:           contracts.ChannelDiscord,
		Route:             "/webhooks/discord",
		IngressPayload:    PayloadJSON,
		Verification:      VerifyHMACSignature,
		AckFormat:         "json",
		DeliverySemantics: "at_least_once",
		DeferredDelivery:  false,
		IngressMode:       contracts.IngressConversational,
	}
}

// SignDiscord computes the body signature. Exported for tests.
func SignDiscord(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type discordMessage struct {
	MessageID string `json:"message_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
}

// HandleWebhook implements Adapter.
func (a *DiscordAdapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get(discordSignatureHeader)
	if sig == "" || !hmac.Equal([]byte(SignDiscord(a.signingSecret, body)), []byte(sig)) {
		a.log.Warn("signature mismatch")
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	var msg discordMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(msg.Content)
	if msg.GuildID == "" || msg.ChannelID == "" || msg.AuthorID == "" || msg.MessageID == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	fp, err := canonicalize.Fingerprint("discord", msg.GuildID, msg.ChannelID, msg.AuthorID, text)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	env := &contracts.InboundEnvelope{
		V:                     1,
		ReceivedAtMs:          a.clock().UnixMilli(),
		DeliveryID:            msg.MessageID,
		RequestID:             a.newID(),
		Channel:               contracts.ChannelDiscord,
		ChannelTenantID:       msg.GuildID,
		ChannelConversationID: msg.ChannelID,
		ActorID:               msg.AuthorID,
		RepoRoot:              a.repoRoot,
		CommandText:           text,
		IdempotencyKey:        "discord:" + msg.MessageID,
		Fingerprint:           fp,
		IngressMode:           contracts.IngressConversational,
	}

	res := a.handler.HandleInbound(r.Context(), env)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":   res.Kind,
		"reason": res.Reason,
	})
}
