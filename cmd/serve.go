package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flankhq/flank/internal/agent"
	"github.com/flankhq/flank/internal/bus"
	"github.com/flankhq/flank/internal/channels/telegram"
	"github.com/flankhq/flank/internal/config"
	"github.com/flankhq/flank/internal/dedupe"
	"github.com/flankhq/flank/internal/dialogue"
	"github.com/flankhq/flank/internal/providers"
	"github.com/flankhq/flank/internal/sequencer"
	"github.com/flankhq/flank/internal/session"
	"github.com/flankhq/flank/internal/store"
	"github.com/flankhq/flank/internal/store/pg"
	"github.com/flankhq/flank/internal/store/sqlite"
	"github.com/flankhq/flank/internal/tracing"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	durable, err := openStore(cfg.Database)
	if err != nil {
		slog.Error("failed to open store", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer durable.Close()

	// Session layer: fast cache with expiry-driven write-back.
	fast := session.NewFastCache(cfg.Session.JanitorInterval())
	cache := session.NewCache(session.Config{
		MetadataTTL:     cfg.Session.MetadataTTL(),
		ConversationTTL: cfg.Session.ConversationTTL(),
	}, fast, durable)

	provider := providers.NewOpenAIProvider(
		cfg.Provider.Name, cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model)
	coach := providers.NewCoach(provider, cfg.Provider.Model)

	session.NewExpiryHandler(cache, coach).Attach()
	fast.StartJanitor(ctx)

	msgBus := bus.New()
	seen := dedupe.NewSeenCache(cfg.Dedupe.MaxItems, cfg.Dedupe.TTL())

	channel, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeout,
	}, msgBus, seen)
	if err != nil {
		slog.Error("failed to create telegram channel", "error", err)
		os.Exit(1)
	}

	engine := dialogue.NewEngine(dialogue.Config{
		MaxReflectionSteps: cfg.Dialogue.MaxReflectionSteps,
		MaxToolSteps:       cfg.Dialogue.MaxToolSteps,
	})

	bot := agent.New(agent.Config{
		TurnTimeout:       cfg.Agent.TurnTimeout(),
		LowTokenFraction:  cfg.Agent.LowTokenFraction,
		Plans:             plansFromConfig(cfg.Plans),
		StatusLogsEnabled: cfg.Agent.StatusLogsEnabled,
	}, sequencer.Config{
		QuietWindow:      cfg.Sequencer.QuietWindow(),
		MaxMessages:      cfg.Sequencer.MaxMessages,
		ForwardedTimeout: cfg.Sequencer.ForwardedTimeout(),
	}, engine, cache, durable, coach, channel)
	bot.Attach(msgBus)

	// Hot-reload promo codes on config change; everything else needs a
	// restart.
	err = config.Watch(ctx, cfgPath, func(next *config.Config) {
		bot.SetPlans(plansFromConfig(next.Plans))
	})
	if err != nil {
		slog.Warn("config watch disabled", "error", err)
	}

	if err := channel.Start(ctx); err != nil {
		slog.Error("failed to start telegram channel", "error", err)
		os.Exit(1)
	}

	slog.Info("flank is running", "version", Version, "db", cfg.Database.Driver)
	<-ctx.Done()

	slog.Info("shutting down")
	channel.Stop(context.Background())
	bot.FlushAll()
	fast.Sweep()
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.Driver == "postgres" {
		db, err := pg.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return pg.NewPGStore(db), nil
	}
	return sqlite.Open(cfg.SQLitePath)
}

func plansFromConfig(plans map[string]config.PlanConfig) map[string]agent.Plan {
	out := make(map[string]agent.Plan, len(plans))
	for code, p := range plans {
		out[code] = agent.Plan{
			Name:         p.Name,
			TokenLimit:   p.TokenLimit,
			SummaryLimit: p.SummaryLimit,
		}
	}
	return out
}
