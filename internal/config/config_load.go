package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeout: 30,
		},
		Provider: ProviderConfig{
			Name:  "openai",
			Model: "gpt-4o-mini",
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "flank.db",
		},
		Sequencer: SequencerConfig{
			QuietWindowMS:       2000,
			MaxMessages:         100,
			ForwardedTimeoutSec: 60,
		},
		Dedupe: DedupeConfig{
			MaxItems: 1000,
			TTLSec:   3600,
		},
		Session: SessionConfig{
			MetadataTTLSec:     300,
			ConversationTTLSec: 3600,
			JanitorIntervalSec: 1,
		},
		Dialogue: DialogueConfig{
			MaxReflectionSteps: 1,
			MaxToolSteps:       4,
		},
		Agent: AgentConfig{
			TurnTimeoutSec:   60,
			LowTokenFraction: 0.9,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "flank",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets (env only)
	envStr("FLANK_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("FLANK_OPENAI_API_KEY", &c.Provider.APIKey)
	envStr("FLANK_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("FLANK_PROVIDER", &c.Provider.Name)
	envStr("FLANK_API_BASE", &c.Provider.APIBase)
	envStr("FLANK_MODEL", &c.Provider.Model)
	envStr("FLANK_DB_DRIVER", &c.Database.Driver)
	envStr("FLANK_SQLITE_PATH", &c.Database.SQLitePath)

	// A DSN from env implies Postgres unless the driver was set explicitly.
	if c.Database.PostgresDSN != "" && os.Getenv("FLANK_DB_DRIVER") == "" {
		c.Database.Driver = "postgres"
	}

	envStr("FLANK_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("FLANK_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("FLANK_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("FLANK_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FLANK_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("FLANK_QUIET_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Sequencer.QuietWindowMS = ms
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token missing (set FLANK_TELEGRAM_TOKEN)")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider api key missing (set FLANK_OPENAI_API_KEY)")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("postgres driver selected but FLANK_POSTGRES_DSN not set")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("sqlite driver selected but sqlite_path empty")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
}
