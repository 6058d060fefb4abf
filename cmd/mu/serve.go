package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mu-ops/mu/pkg/adapters"
	"github.com/mu-ops/mu/pkg/attachments"
	"github.com/mu-ops/mu/pkg/config"
	"github.com/mu-ops/mu/pkg/confirm"
	"github.com/mu-ops/mu/pkg/contracts"
	"github.com/mu-ops/mu/pkg/events"
	"github.com/mu-ops/mu/pkg/executor"
	"github.com/mu-ops/mu/pkg/flash"
	"github.com/mu-ops/mu/pkg/generation"
	"github.com/mu-ops/mu/pkg/idempotency"
	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/journal"
	"github.com/mu-ops/mu/pkg/observability"
	"github.com/mu-ops/mu/pkg/operator"
	"github.com/mu-ops/mu/pkg/outbox"
	"github.com/mu-ops/mu/pkg/pipeline"
	"github.com/mu-ops/mu/pkg/policy"
	"github.com/mu-ops/mu/pkg/server"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	repoRoot := cmd.String("repo", ".", "repo root containing .mu/")
	listen := cmd.String("listen", "", "listen address (overrides config)")
	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}

	cfg, err := config.Load(*repoRoot)
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return exitValidation
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, *repoRoot, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "startup error: %v\n", err)
		return exitGeneric
	}
	defer app.close()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	fmt.Fprintf(stdout, "%smu control plane ready%s on %s\n", colorBold+colorGreen, colorReset, cfg.ListenAddr)
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return exitOK
}

// app holds everything serve wires together.
type app struct {
	server  *server.Server
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// buildApp opens the journals under <repo>/.mu/control-plane and assembles
// the pipeline, adapters, supervisor and HTTP server. The config file alone
// lives at <repo>/.mu/config.json.
func buildApp(ctx context.Context, repoRoot string, cfg *config.Config, log *slog.Logger) (*app, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &app{}
	dataDir := filepath.Join(repoRoot, ".mu", "control-plane")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	cmdJournal, err := journal.OpenCommandJournal(filepath.Join(dataDir, "commands.jsonl"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cmdJournal.Close)

	ids, err := identity.Open(filepath.Join(dataDir, "identities.jsonl"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, ids.Close)

	ledger, err := idempotency.Open(filepath.Join(dataDir, "idempotency.jsonl"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, ledger.Close)

	ob, err := outbox.Open(filepath.Join(dataDir, "outbox.jsonl"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, ob.Close)

	ev, err := events.Open(filepath.Join(dataDir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, ev.Close)

	fl, err := flash.Open(filepath.Join(dataDir, "session_flash.jsonl"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, fl.Close)

	sessions, err := operator.NewSessionRegistry(filepath.Join(dataDir, "operator_conversations.json"), cfg.ControlPlane.Operator.SessionTTLMs)
	if err != nil {
		return nil, err
	}

	turns, err := operator.OpenTurnLog(filepath.Join(dataDir, "operator_turns.jsonl"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, turns.Close)

	attach, err := attachments.Open(filepath.Join(dataDir, "attachments"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, attach.Close)
	go attach.RunGC(ctx, time.Hour)

	engine, err := policy.NewEngine()
	if err != nil {
		return nil, err
	}

	provider, err := observability.New(ctx, otelConfig())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return provider.Shutdown(context.Background()) })

	counters := observability.NewCounters()
	if err := provider.Instrument(counters); err != nil {
		return nil, err
	}
	ob.WithObserver(counters)

	confirmer := confirm.NewManager(cmdJournal, log)

	pipe := pipeline.New(pipeline.Deps{
		Journal:  cmdJournal,
		Identity: ids,
		Ledger:   ledger,
		Policy:   engine,
		Confirm:  confirmer,
		Surface:  executor.NewSurface(),
		Runner:   executor.NewExecRunner(),
		Outbox:   ob,
		Sessions: sessions,
		Turns:    turns,
		Backend:  operatorBackend(cfg),
		Log:      log,
	}, pipeline.Config{
		IdempotencyTTLMs:  cfg.ControlPlane.IdempotencyTTLMs,
		ConfirmationTTLMs: cfg.ControlPlane.ConfirmationTTLMs,
	})
	go pipe.Run(ctx)
	go confirmer.RunSweeper(ctx, 5*time.Second, pipe.NotifyExpired)

	mounted, telegram, err := mountAdapters(cfg, repoRoot, dataDir, pipe, log)
	if err != nil {
		return nil, err
	}
	if telegram != nil {
		a.closers = append(a.closers, telegram.Close)
	}

	sup := generation.NewSupervisor(func(id generation.Identity) (generation.Module, error) {
		return &controlPlaneModule{repoRoot: repoRoot, drainMs: cfg.ControlPlane.DrainTimeoutMs}, nil
	}, counters, log)
	sup.DrainTimeoutMs = cfg.ControlPlane.DrainTimeoutMs
	if telegram != nil {
		// Telegram defers ingress while a reload is in flight and drains once
		// the new generation has cut over.
		telegram.Deferring = sup.Reloading
		sup.OnCutover = func(_, _ generation.Identity) {
			go func() {
				if _, err := telegram.DrainDeferred(ctx); err != nil {
					log.Warn("telegram drain failed", "error", err)
				}
			}()
		}
	}
	if _, err := sup.Reload(ctx, generation.ReasonStartup); err != nil {
		return nil, err
	}

	dispatcher := outbox.NewDispatcher(ob, newDeliverer(cfg, log), 25, log)
	go dispatcher.Run(ctx, time.Second)

	a.server = server.New(server.Options{
		Adapters:   mounted,
		Supervisor: sup,
		Counters:   counters,
		Events:     ev,
		Flash:      fl,
		Outbox:     ob,
		Identity:   ids,
		Limiter:    buildLimiter(),
		Log:        log,
	})
	return a, nil
}

func mountAdapters(cfg *config.Config, repoRoot, dataDir string, pipe *pipeline.Pipeline, log *slog.Logger) ([]adapters.Adapter, *adapters.TelegramAdapter, error) {
	var mounted []adapters.Adapter
	ac := cfg.ControlPlane.Adapters
	if ac.Slack.SigningSecret != "" {
		mounted = append(mounted, adapters.NewSlack(ac.Slack.SigningSecret, repoRoot, pipe, log))
	}
	if ac.Discord.SigningSecret != "" {
		mounted = append(mounted, adapters.NewDiscord(ac.Discord.SigningSecret, repoRoot, pipe, log))
	}
	var telegram *adapters.TelegramAdapter
	if ac.Telegram.WebhookSecret != "" {
		var err error
		telegram, err = adapters.NewTelegram(ac.Telegram.WebhookSecret, repoRoot, filepath.Join(dataDir, "telegram_ingress.jsonl"), pipe, log)
		if err != nil {
			return nil, nil, err
		}
		mounted = append(mounted, telegram)
	}
	if ac.Neovim.SharedSecret != "" {
		mounted = append(mounted, adapters.NewFrontend(contracts.ChannelNeovim, ac.Neovim.SharedSecret, repoRoot, pipe, log))
	}
	if ac.VSCode.SharedSecret != "" {
		mounted = append(mounted, adapters.NewFrontend(contracts.ChannelVSCode, ac.VSCode.SharedSecret, repoRoot, pipe, log))
	}
	return mounted, telegram, nil
}

// operatorBackend returns the configured backend seam. Without a provider
// the backend answers conversational turns with a pointer to command-only
// syntax; real providers plug in here.
func operatorBackend(cfg *config.Config) operator.Backend {
	if !cfg.ControlPlane.Operator.Enabled {
		return nil
	}
	return operator.BackendFunc(func(_ context.Context, _ operator.TurnInput) (*contracts.TurnResult, error) {
		return &contracts.TurnResult{
			Kind:    contracts.TurnRespond,
			Message: "no operator provider configured; use `mu <command>` syntax",
		}, nil
	})
}

// newDeliverer ships outbound envelopes to their channels. Telegram has a
// push API (sendMessage); the webhook channels answer synchronously in the
// ack, so their envelopes are recorded and marked delivered.
func newDeliverer(cfg *config.Config, log *slog.Logger) outbox.Deliverer {
	botToken := cfg.ControlPlane.Adapters.Telegram.BotToken
	client := &http.Client{Timeout: 10 * time.Second}
	return outbox.DelivererFunc(func(ctx context.Context, rec *outbox.Record) outbox.DeliveryResult {
		env := rec.Envelope
		if env.Channel == contracts.ChannelTelegram && botToken != "" {
			payload, err := json.Marshal(map[string]string{
				"chat_id": env.ChannelConversationID,
				"text":    env.Body,
			})
			if err != nil {
				return outbox.DeliveryResult{Error: err.Error()}
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				"https://api.telegram.org/bot"+botToken+"/sendMessage", bytes.NewReader(payload))
			if err != nil {
				return outbox.DeliveryResult{Error: err.Error()}
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return outbox.DeliveryResult{Error: err.Error()}
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return outbox.DeliveryResult{Error: fmt.Sprintf("telegram sendMessage: HTTP %d", resp.StatusCode)}
			}
			return outbox.DeliveryResult{Delivered: true}
		}
		log.Info("outbound delivered", "channel", env.Channel, "kind", env.Kind, "response_id", env.ResponseID)
		return outbox.DeliveryResult{Delivered: true}
	})
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// otelConfig enables OTLP export when MU_OTLP_ENDPOINT is set.
func otelConfig() *observability.Config {
	oc := observability.DefaultConfig()
	if endpoint := os.Getenv("MU_OTLP_ENDPOINT"); endpoint != "" {
		oc.Enabled = true
		oc.OTLPEndpoint = endpoint
		oc.Insecure = os.Getenv("MU_OTLP_INSECURE") != ""
	}
	return oc
}

// buildLimiter uses Redis when MU_REDIS_ADDR is set, otherwise an
// in-process bucket per client.
func buildLimiter() server.LimiterStore {
	pol := server.RatePolicy{RPS: 25, Burst: 50}
	if addr := os.Getenv("MU_REDIS_ADDR"); addr != "" {
		return server.NewRedisLimiterStore(addr, os.Getenv("MU_REDIS_PASSWORD"), 0, pol)
	}
	return server.NewLocalLimiterStore(pol)
}

// controlPlaneModule is the generation the supervisor swaps on reload. The
// journals stay open across generations; warmup re-validates the config so
// a broken edit keeps the previous generation active.
type controlPlaneModule struct {
	repoRoot string
	drainMs  int64
}

func (m *controlPlaneModule) Init(_ context.Context, _ *generation.Checkpoint) error { return nil }

func (m *controlPlaneModule) Warmup(_ context.Context) error {
	_, err := config.Load(m.repoRoot)
	return err
}

func (m *controlPlaneModule) Health(_ context.Context) error { return nil }

func (m *controlPlaneModule) Drain(ctx context.Context, req generation.DrainRequest) generation.DrainResult {
	return generation.DrainByPolling(ctx, req, func() int { return 0 }, time.Now)
}

func (m *controlPlaneModule) Checkpoint() *generation.Checkpoint { return nil }

func (m *controlPlaneModule) Shutdown(_ context.Context, _ generation.ShutdownRequest) error {
	return nil
}
