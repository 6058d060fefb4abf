package adapters

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/canonicalize"
	"github.com/mu-ops/mu/pkg/contracts"
)

// frontendSecretHeader authenticates editor frontends (Neovim, VSCode).
const frontendSecretHeader = "X-Mu-Shared-Secret"

// frontendTokenTTL bounds the session tokens minted on a successful turn.
const frontendTokenTTL = 5 * time.Minute

// FrontendAdapter serves an editor channel. Unlike the chat channels it is
// synchronous: a session turn posts conversational input and gets the
// operator reply inline, plus a short-lived JWT session token for
// follow-up calls.
type FrontendAdapter struct {
	channel      contracts.Channel
	sharedSecret string
	handler      Handler
	repoRoot     string
	clock        func() time.Time
	newID        func() string
	log          *slog.Logger
}

// NewFrontend builds a frontend adapter for neovim or vscode.
func NewFrontend(ch contracts.Channel, sharedSecret, repoRoot string, handler Handler, log *slog.Logger) *FrontendAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &FrontendAdapter{
		channel:      ch,
		sharedSecret: sharedSecret,
		handler:      handler,
		repoRoot:     repoRoot,
		clock:        time.Now,
		newID:        uuid.NewString,
		log:          log.With("adapter", string(ch)),
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *FrontendAdapter) WithClock(clock func() time.Time) *FrontendAdapter {
	a.clock = clock
	return a
}

// Descriptor implements Adapter.
func (a *FrontendAdapter) Descriptor() Descriptor {
	return Descriptor{
		Channel:           a.channel,
		Route:             "/webhooks/" + string(a.channel),
		IngressPayload:    PayloadJSON,
		Verification:      VerifySharedSecret,
		AckFormat:         "json",
		DeliverySemantics: "exactly_once",
		DeferredDelivery:  false,
		IngressMode:       contracts.IngressConversational,
	}
}

type sessionTurnRequest struct {
	SessionID   string `json:"session_id"`
	SessionKind string `json:"session_kind"`
	Body        string `json:"body"`
}

type sessionTurnResponse struct {
	Kind         contracts.PipelineResultKind `json:"kind"`
	Reply        string                       `json:"reply,omitempty"`
	Reason       contracts.ErrorCode          `json:"reason,omitempty"`
	CommandID    string                       `json:"command_id,omitempty"`
	SessionToken string                       `json:"session_token,omitempty"`
}

// HandleWebhook implements Adapter: the synchronous session turn path.
// Callers authenticate with the shared secret or with a session token
// minted on an earlier turn; a token only authorizes its own session.
func (a *FrontendAdapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	tokenSession := ""
	if !secretsEqual(r.Header.Get(frontendSecretHeader), a.sharedSecret) {
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			a.log.Warn("shared secret mismatch")
			http.Error(w, "signature mismatch", http.StatusUnauthorized)
			return
		}
		session, err := a.VerifySessionToken(bearer)
		if err != nil {
			a.log.Warn("session token rejected", "error", err)
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		tokenSession = session
	}
	var req sessionTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	req.Body = strings.TrimSpace(req.Body)
	if req.SessionID == "" || req.Body == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if tokenSession != "" && req.SessionID != tokenSession {
		a.log.Warn("session token used for another session", "token_session", tokenSession)
		http.Error(w, "session token mismatch", http.StatusUnauthorized)
		return
	}

	// Each turn is its own intent; the idempotency key is per-request.
	requestID := a.newID()
	fp, err := canonicalize.Fingerprint(string(a.channel), a.repoRoot, req.SessionID, req.SessionID, req.Body)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	env := &contracts.InboundEnvelope{
		V:                     1,
		ReceivedAtMs:          a.clock().UnixMilli(),
		DeliveryID:            requestID,
		RequestID:             requestID,
		Channel:               a.channel,
		ChannelTenantID:       a.repoRoot,
		ChannelConversationID: req.SessionID,
		ActorID:               req.SessionID,
		RepoRoot:              a.repoRoot,
		CommandText:           req.Body,
		IdempotencyKey:        string(a.channel) + ":" + requestID,
		Fingerprint:           fp,
		IngressMode:           contracts.IngressConversational,
		Metadata:              map[string]string{"session_kind": req.SessionKind},
	}

	res := a.handler.HandleInbound(r.Context(), env)
	resp := sessionTurnResponse{Kind: res.Kind, Reason: res.Reason}
	if res.Command != nil {
		resp.CommandID = res.Command.CommandID
	}
	if res.Result != nil {
		if res.Result.Message != "" {
			resp.Reply = res.Result.Message
		} else {
			resp.Reply = res.Result.Stdout
		}
	}
	if res.Kind == contracts.ResultCompleted || res.Kind == contracts.ResultAwaitingConfirmation {
		token, err := a.mintSessionToken(req.SessionID, req.SessionKind)
		if err != nil {
			a.log.Error("session token mint failed", "error", err)
		} else {
			resp.SessionToken = token
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// mintSessionToken issues a short-lived HS256 token bound to the session.
func (a *FrontendAdapter) mintSessionToken(sessionID, sessionKind string) (string, error) {
	now := a.clock()
	claims := jwt.MapClaims{
		"iss": "mu-control-plane",
		"sub": sessionID,
		"chn": string(a.channel),
		"knd": sessionKind,
		"iat": now.Unix(),
		"exp": now.Add(frontendTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.sharedSecret))
}

// VerifySessionToken parses and validates a previously minted token and
// returns the session ID.
func (a *FrontendAdapter) VerifySessionToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.sharedSecret), nil
	}, jwt.WithTimeFunc(a.clock))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid session token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("session token missing subject")
	}
	return sub, nil
}
