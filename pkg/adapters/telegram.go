package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/canonicalize"
	"github.com/mu-ops/mu/pkg/contracts"
	"github.com/mu-ops/mu/pkg/journal"
)

// telegramSecretHeader carries the webhook secret configured at setWebhook
// time.
const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramAdapter ingests bot updates as JSON, conversational mode. While
// the active generation is warming up, updates are journalled to
// telegram_ingress.jsonl and drained into the pipeline afterwards.
type TelegramAdapter struct {
	webhookSecret string
	handler       Handler
	repoRoot      string
	clock         func() time.Time
	newID         func() string
	log           *slog.Logger

	// Deferring reports whether ingress should queue instead of invoking
	// the pipeline. Wired to the generation supervisor's warmup window.
	Deferring func() bool

	mu       sync.Mutex
	ingress  *journal.Store
	deferred []*contracts.InboundEnvelope
	drained  map[string]bool
}

type telegramIngressRow struct {
	Row        string                     `json:"row"` // "enqueue" | "drained"
	Envelope   *contracts.InboundEnvelope `json:"envelope,omitempty"`
	DeliveryID string                     `json:"delivery_id,omitempty"`
	AtMs       int64                      `json:"at_ms"`
}

// NewTelegram builds the Telegram adapter. ingressPath is the deferred
// delivery journal (telegram_ingress.jsonl).
func NewTelegram(webhookSecret, repoRoot, ingressPath string, handler Handler, log *slog.Logger) (*TelegramAdapter, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &TelegramAdapter{
		webhookSecret: webhookSecret,
		handler:       handler,
		repoRoot:      repoRoot,
		clock:         time.Now,
		newID:         uuid.NewString,
		log:           log.With("adapter", "telegram"),
		drained:       make(map[string]bool),
	}
	err := journal.Replay(ingressPath, func(raw json.RawMessage) error {
		var row telegramIngressRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("telegram ingress: corrupt row: %w", err)
		}
		switch row.Row {
		case "enqueue":
			if row.Envelope != nil {
				a.deferred = append(a.deferred, row.Envelope)
			}
		case "drained":
			a.drained[row.DeliveryID] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	st, err := journal.Open(ingressPath)
	if err != nil {
		return nil, err
	}
	a.ingress = st
	return a, nil
}

// WithClock overrides the clock for deterministic testing.
func (a *TelegramAdapter) WithClock(clock func() time.Time) *TelegramAdapter {
	a.clock = clock
	return a
}

// Descriptor implements Adapter.
func (a *TelegramAdapter) Descriptor() Descriptor {
	return Descriptor{
		Channel:           contracts.ChannelTelegram,
		Route:             "/webhooks/telegram",
		IngressPayload:    PayloadJSON,
		Verification:      VerifyWebhookSecret,
		AckFormat:         "json",
		DeliverySemantics: "at_least_once",
		DeferredDelivery:  true,
		IngressMode:       contracts.IngressConversational,
	}
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat *struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// HandleWebhook implements Adapter.
func (a *TelegramAdapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if !secretsEqual(r.Header.Get(telegramSecretHeader), a.webhookSecret) {
		a.log.Warn("webhook secret mismatch")
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	var upd telegramUpdate
	if err := json.Unmarshal(body, &upd); err != nil || upd.Message == nil || upd.Message.Chat == nil || upd.Message.From == nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	chatID := strconv.FormatInt(upd.Message.Chat.ID, 10)
	actorID := strconv.FormatInt(upd.Message.From.ID, 10)
	text := strings.TrimSpace(upd.Message.Text)
	deliveryID := fmt.Sprintf("tg:%d", upd.UpdateID)

	fp, err := canonicalize.Fingerprint("telegram", "telegram", chatID, actorID, text)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	env := &contracts.InboundEnvelope{
		V:                     1,
		ReceivedAtMs:          a.clock().UnixMilli(),
		DeliveryID:            deliveryID,
		RequestID:             a.newID(),
		Channel:               contracts.ChannelTelegram,
		ChannelTenantID:       "telegram",
		ChannelConversationID: chatID,
		ActorID:               actorID,
		RepoRoot:              a.repoRoot,
		CommandText:           text,
		IdempotencyKey:        deliveryID,
		Fingerprint:           fp,
		IngressMode:           contracts.IngressConversational,
	}

	if a.Deferring != nil && a.Deferring() {
		if err := a.enqueueDeferred(env); err != nil {
			a.log.Error("deferred enqueue failed", "error", err)
			http.Error(w, "ingress unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "deferred"})
		return
	}

	res := a.handler.HandleInbound(r.Context(), env)
	writeJSON(w, http.StatusOK, map[string]interface{}{"kind": res.Kind, "reason": res.Reason})
}

func (a *TelegramAdapter) enqueueDeferred(env *contracts.InboundEnvelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ingress.Append(telegramIngressRow{Row: "enqueue", Envelope: env, AtMs: a.clock().UnixMilli()}); err != nil {
		return err
	}
	a.deferred = append(a.deferred, env)
	return nil
}

// DrainDeferred feeds every queued update into the pipeline in arrival
// order and marks it drained. Returns how many envelopes were delivered.
func (a *TelegramAdapter) DrainDeferred(ctx context.Context) (int, error) {
	a.mu.Lock()
	pending := make([]*contracts.InboundEnvelope, 0, len(a.deferred))
	for _, env := range a.deferred {
		if !a.drained[env.DeliveryID] {
			pending = append(pending, env)
		}
	}
	a.mu.Unlock()

	delivered := 0
	for _, env := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		a.handler.HandleInbound(ctx, env)
		a.mu.Lock()
		err := a.ingress.Append(telegramIngressRow{Row: "drained", DeliveryID: env.DeliveryID, AtMs: a.clock().UnixMilli()})
		if err == nil {
			a.drained[env.DeliveryID] = true
		}
		a.mu.Unlock()
		if err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// PendingDeferred reports how many updates await draining.
func (a *TelegramAdapter) PendingDeferred() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, env := range a.deferred {
		if !a.drained[env.DeliveryID] {
			n++
		}
	}
	return n
}

// Close releases the ingress journal.
func (a *TelegramAdapter) Close() error { return a.ingress.Close() }
