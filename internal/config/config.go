// Package config loads Flank's configuration from a JSON5 file with
// environment variable overlay. Secrets are env-only and never touch
// the config file.
package config

import "time"

// Config is the root configuration for the Flank bot.
type Config struct {
	Telegram  TelegramConfig        `json:"telegram"`
	Provider  ProviderConfig        `json:"provider"`
	Database  DatabaseConfig        `json:"database"`
	Sequencer SequencerConfig       `json:"sequencer,omitempty"`
	Dedupe    DedupeConfig          `json:"dedupe,omitempty"`
	Session   SessionConfig         `json:"session,omitempty"`
	Dialogue  DialogueConfig        `json:"dialogue,omitempty"`
	Agent     AgentConfig           `json:"agent,omitempty"`
	Plans     map[string]PlanConfig `json:"plans,omitempty"`
	Telemetry TelemetryConfig       `json:"telemetry,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"-"` // from env FLANK_TELEGRAM_TOKEN only
	PollTimeout int    `json:"poll_timeout,omitempty"`
}

type ProviderConfig struct {
	Name    string `json:"name"`
	APIKey  string `json:"-"` // from env FLANK_OPENAI_API_KEY only
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model"`
}

// DatabaseConfig selects the durable store.
// PostgresDSN is NEVER read from the config file — only from env FLANK_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver"` // "postgres" or "sqlite"
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

type SequencerConfig struct {
	QuietWindowMS       int `json:"quiet_window_ms,omitempty"`
	MaxMessages         int `json:"max_messages,omitempty"`
	ForwardedTimeoutSec int `json:"forwarded_timeout_sec,omitempty"`
}

type DedupeConfig struct {
	MaxItems int `json:"max_items,omitempty"`
	TTLSec   int `json:"ttl_sec,omitempty"`
}

type SessionConfig struct {
	MetadataTTLSec     int `json:"metadata_ttl_sec,omitempty"`
	ConversationTTLSec int `json:"conversation_ttl_sec,omitempty"`
	JanitorIntervalSec int `json:"janitor_interval_sec,omitempty"`
}

type DialogueConfig struct {
	MaxReflectionSteps int `json:"max_reflection_steps,omitempty"`
	MaxToolSteps       int `json:"max_tool_steps,omitempty"`
}

type AgentConfig struct {
	TurnTimeoutSec    int     `json:"turn_timeout_sec,omitempty"`
	LowTokenFraction  float64 `json:"low_token_fraction,omitempty"`
	StatusLogsEnabled bool    `json:"status_logs_enabled,omitempty"`
}

// PlanConfig describes the limits a promo code grants. The map key is
// the promo code itself.
type PlanConfig struct {
	Name         string `json:"name"`
	TokenLimit   int64  `json:"token_limit"`
	SummaryLimit int    `json:"summary_limit,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Duration helpers for the int-valued config fields.

func (c SequencerConfig) QuietWindow() time.Duration {
	return time.Duration(c.QuietWindowMS) * time.Millisecond
}

func (c SequencerConfig) ForwardedTimeout() time.Duration {
	return time.Duration(c.ForwardedTimeoutSec) * time.Second
}

func (c DedupeConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

func (c SessionConfig) MetadataTTL() time.Duration {
	return time.Duration(c.MetadataTTLSec) * time.Second
}

func (c SessionConfig) ConversationTTL() time.Duration {
	return time.Duration(c.ConversationTTLSec) * time.Second
}

func (c SessionConfig) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalSec) * time.Second
}

func (c AgentConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSec) * time.Second
}
