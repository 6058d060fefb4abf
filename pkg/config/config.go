// Package config loads the repo-level .mu/config.json, validated against a
// JSON schema that rejects unknown top-level keys, then overlays the
// user-level $MU_HOME/config.yaml profile and environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvServerURL = "MU_SERVER_URL"
	EnvHome      = "MU_HOME"
	EnvNoColor   = "NO_COLOR"
	EnvPort      = "PORT"
	EnvLogLevel  = "LOG_LEVEL"
)

// SlackConfig holds the Slack adapter secrets.
type SlackConfig struct {
	SigningSecret string `json:"signing_secret" yaml:"signing_secret"`
}

// DiscordConfig holds the Discord adapter secrets.
type DiscordConfig struct {
	SigningSecret string `json:"signing_secret" yaml:"signing_secret"`
}

// TelegramConfig holds the Telegram bot configuration.
type TelegramConfig struct {
	WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret"`
	BotToken      string `json:"bot_token" yaml:"bot_token"`
	BotUsername   string `json:"bot_username" yaml:"bot_username"`
}

// FrontendConfig holds an editor frontend's shared secret.
type FrontendConfig struct {
	SharedSecret string `json:"shared_secret" yaml:"shared_secret"`
}

// AdaptersConfig groups all channel credentials. An adapter with an empty
// secret is not mounted.
type AdaptersConfig struct {
	Slack    SlackConfig    `json:"slack" yaml:"slack"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Neovim   FrontendConfig `json:"neovim" yaml:"neovim"`
	VSCode   FrontendConfig `json:"vscode" yaml:"vscode"`
}

// OperatorConfig tunes the operator seam.
type OperatorConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	RunTriggersEnabled bool   `json:"run_triggers_enabled" yaml:"run_triggers_enabled"`
	WakeTurnMode       string `json:"wake_turn_mode" yaml:"wake_turn_mode"`
	Provider           string `json:"provider" yaml:"provider"`
	Model              string `json:"model" yaml:"model"`
	SessionTTLMs       int64  `json:"session_ttl_ms" yaml:"session_ttl_ms"`
}

// AttachmentsConfig tunes the attachment store.
type AttachmentsConfig struct {
	TTLMs   int64 `json:"ttl_ms" yaml:"ttl_ms"`
	GCBatch int   `json:"gc_batch" yaml:"gc_batch"`
}

// ControlPlaneConfig is the control_plane section of the document.
type ControlPlaneConfig struct {
	Adapters    AdaptersConfig    `json:"adapters" yaml:"adapters"`
	Operator    OperatorConfig    `json:"operator" yaml:"operator"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments"`

	IdempotencyTTLMs  int64 `json:"idempotency_ttl_ms" yaml:"idempotency_ttl_ms"`
	ConfirmationTTLMs int64 `json:"confirmation_ttl_ms" yaml:"confirmation_ttl_ms"`
	DrainTimeoutMs    int64 `json:"drain_timeout_ms" yaml:"drain_timeout_ms"`
}

// Config is the full configuration document.
type Config struct {
	ControlPlane ControlPlaneConfig `json:"control_plane" yaml:"control_plane"`
	ServerURL    string             `json:"server_url" yaml:"server_url"`
	ListenAddr   string             `json:"listen_addr" yaml:"listen_addr"`

	// NoColor and LogLevel come from the environment only.
	NoColor  bool   `json:"-" yaml:"-"`
	LogLevel string `json:"-" yaml:"-"`
}

// schemaSource rejects unknown top-level keys. Nested sections are typed
// and normalized after decode.
const schemaSource = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "control_plane": {
      "type": "object",
      "properties": {
        "adapters": {"type": "object"},
        "operator": {"type": "object"},
        "attachments": {"type": "object"},
        "idempotency_ttl_ms": {"type": "integer", "minimum": 0},
        "confirmation_ttl_ms": {"type": "integer", "minimum": 0},
        "drain_timeout_ms": {"type": "integer", "minimum": 0}
      }
    },
    "server_url": {"type": "string"},
    "listen_addr": {"type": "string"}
  }
}`

var schema = jsonschema.MustCompileString("mu-config.json", schemaSource)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ControlPlane: ControlPlaneConfig{
			Operator: OperatorConfig{
				Enabled:      true,
				WakeTurnMode: "conversational",
				SessionTTLMs: 60_000,
			},
			Attachments: AttachmentsConfig{
				TTLMs:   24 * 60 * 60 * 1000,
				GCBatch: 256,
			},
			IdempotencyTTLMs:  10 * 60_000,
			ConfirmationTTLMs: 2 * 60_000,
			DrainTimeoutMs:    10_000,
		},
		ListenAddr: ":7600",
	}
}

// Load reads .mu/config.json under repoRoot, then applies the $MU_HOME
// config.yaml overlay and environment variables. A missing repo config is
// not an error; defaults apply.
func Load(repoRoot string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(repoRoot, ".mu", "config.json")
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := validate(raw); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := cfg.applyHomeOverlay(); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func validate(raw []byte) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// applyHomeOverlay merges the user-level profile from $MU_HOME/config.yaml,
// falling back to ~/.mu/config.yaml. Non-zero overlay values win.
func (c *Config) applyHomeOverlay() error {
	home := os.Getenv(EnvHome)
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		home = filepath.Join(userHome, ".mu")
	}
	raw, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read overlay: %w", err)
	}
	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parse overlay: %w", err)
	}
	c.merge(&overlay)
	return nil
}

func (c *Config) merge(o *Config) {
	if o.ServerURL != "" {
		c.ServerURL = o.ServerURL
	}
	if o.ListenAddr != "" {
		c.ListenAddr = o.ListenAddr
	}

	a, oa := &c.ControlPlane.Adapters, &o.ControlPlane.Adapters
	if oa.Slack.SigningSecret != "" {
		a.Slack.SigningSecret = oa.Slack.SigningSecret
	}
	if oa.Discord.SigningSecret != "" {
		a.Discord.SigningSecret = oa.Discord.SigningSecret
	}
	if oa.Telegram.WebhookSecret != "" {
		a.Telegram.WebhookSecret = oa.Telegram.WebhookSecret
	}
	if oa.Telegram.BotToken != "" {
		a.Telegram.BotToken = oa.Telegram.BotToken
	}
	if oa.Telegram.BotUsername != "" {
		a.Telegram.BotUsername = oa.Telegram.BotUsername
	}
	if oa.Neovim.SharedSecret != "" {
		a.Neovim.SharedSecret = oa.Neovim.SharedSecret
	}
	if oa.VSCode.SharedSecret != "" {
		a.VSCode.SharedSecret = oa.VSCode.SharedSecret
	}

	op, oop := &c.ControlPlane.Operator, &o.ControlPlane.Operator
	if oop.Provider != "" {
		op.Provider = oop.Provider
	}
	if oop.Model != "" {
		op.Model = oop.Model
	}
	if oop.WakeTurnMode != "" {
		op.WakeTurnMode = oop.WakeTurnMode
	}
	if oop.SessionTTLMs > 0 {
		op.SessionTTLMs = oop.SessionTTLMs
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		c.ListenAddr = ":" + v
	}
	if _, set := os.LookupEnv(EnvNoColor); set {
		c.NoColor = true
	}
	c.LogLevel = os.Getenv(EnvLogLevel)
}

// normalize trims and lowercases the fields matched case-insensitively.
func (c *Config) normalize() {
	op := &c.ControlPlane.Operator
	op.WakeTurnMode = strings.ToLower(strings.TrimSpace(op.WakeTurnMode))
	op.Provider = strings.ToLower(strings.TrimSpace(op.Provider))
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	if c.ControlPlane.Attachments.GCBatch <= 0 {
		c.ControlPlane.Attachments.GCBatch = 256
	}
}
