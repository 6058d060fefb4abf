package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/canonicalize"
	"github.com/mu-ops/mu/pkg/contracts"
)

// Slack signature headers, v0 scheme: the signature is
// "v0=" + hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)).
const (
	slackSignatureHeader = "X-Mu-Signature"
	slackTimestampHeader = "X-Mu-Request-Timestamp"
	slackMaxSkew         = 5 * time.Minute
)

// SlackAdapter ingests slash commands (form_urlencoded, command_only) and
// answers the url_verification challenge.
type SlackAdapter struct {
	signingSecret string
	handler       Handler
	repoRoot      string
	clock         func() time.Time
	newID         func() string
	log           *slog.Logger
}

// NewSlack builds the Slack adapter.
func NewSlack(signingSecret, repoRoot string, handler Handler, log *slog.Logger) *SlackAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &SlackAdapter{
		signingSecret: signingSecret,
		handler:       handler,
		repoRoot:      repoRoot,
		clock:         time.Now,
		newID:         uuid.NewString,
		log:           log.With("adapter", "slack"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *SlackAdapter) WithClock(clock func() time.Time) *SlackAdapter {
	a.clock = clock
	return a
}

// Descriptor implements Adapter.
func (a *SlackAdapter) Descriptor() Descriptor {
	return Descriptor{
		Channel:           contracts.ChannelSlack,
		Route:             "/webhooks/slack",
		IngressPayload:    PayloadFormURLEncoded,
		Verification:      VerifyHMACSignature,
		AckFormat:         "slack_response",
		DeliverySemantics: "at_least_once",
		DeferredDelivery:  false,
		IngressMode:       contracts.IngressCommandOnly,
	}
}

// SignSlack computes the v0 signature over a request body. Exported for
// tests and for the local client.
func SignSlack(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// HandleWebhook implements Adapter.
func (a *SlackAdapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	ts := r.Header.Get(slackTimestampHeader)
	if !a.verify(ts, r.Header.Get(slackSignatureHeader), body) {
		a.log.Warn("signature mismatch")
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	// URL verification handshake arrives as JSON.
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var probe struct {
			Type      string `json:"type"`
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		if probe.Type == "url_verification" {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": probe.Challenge})
			return
		}
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	teamID := form.Get("team_id")
	channelID := form.Get("channel_id")
	userID := form.Get("user_id")
	text := strings.TrimSpace(form.Get("text"))
	triggerID := form.Get("trigger_id")
	if teamID == "" || channelID == "" || userID == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	fp, err := canonicalize.Fingerprint("slack", teamID, channelID, userID, text)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	env := &contracts.InboundEnvelope{
		V:                     1,
		ReceivedAtMs:          a.clock().UnixMilli(),
		DeliveryID:            triggerID,
		RequestID:             a.newID(),
		Channel:               contracts.ChannelSlack,
		ChannelTenantID:       teamID,
		ChannelConversationID: channelID,
		ActorID:               userID,
		RepoRoot:              a.repoRoot,
		CommandText:           text,
		IdempotencyKey:        "slack:" + triggerID,
		Fingerprint:           fp,
		IngressMode:           contracts.IngressCommandOnly,
	}

	res := a.handler.HandleInbound(r.Context(), env)
	writeJSON(w, http.StatusOK, slackAck(res))
}

// verify checks the v0 signature and rejects stale timestamps.
func (a *SlackAdapter) verify(timestamp, signature string, body []byte) bool {
	if timestamp == "" || signature == "" {
		return false
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := a.clock().Unix() - sec
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > slackMaxSkew {
		return false
	}
	expected := SignSlack(a.signingSecret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// slackAck renders a pipeline result as a slash-command response. Errors
// are ephemeral so they stay between mu and the caller.
func slackAck(res *contracts.PipelineResult) map[string]string {
	switch res.Kind {
	case contracts.ResultCompleted:
		body := "done"
		if res.Result != nil && res.Result.Message != "" {
			body = res.Result.Message
		} else if res.Result != nil && res.Result.Stdout != "" {
			body = res.Result.Stdout
		}
		return map[string]string{"response_type": "in_channel", "text": body}
	case contracts.ResultAccepted:
		return map[string]string{"response_type": "ephemeral", "text": "accepted"}
	case contracts.ResultAwaitingConfirmation:
		return map[string]string{
			"response_type": "ephemeral",
			"text":          fmt.Sprintf("confirmation required: `mu! confirm %s`", res.Command.CommandID),
		}
	case contracts.ResultDuplicate:
		return map[string]string{"response_type": "ephemeral", "text": "duplicate request"}
	default:
		return map[string]string{"response_type": "ephemeral", "text": string(res.Reason)}
	}
}
