// Package telegram connects Flank to the Telegram Bot API using long
// polling and bridges updates onto the internal message bus.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"

	"github.com/flankhq/flank/internal/bus"
	"github.com/flankhq/flank/internal/dedupe"
)

// ErrMissingCredentials is returned when the channel is configured
// without a bot token.
var ErrMissingCredentials = errors.New("telegram: bot token not configured")

type Config struct {
	Token       string        `json:"-"` // env only
	PollTimeout int           `json:"poll_timeout"`
	SendTimeout time.Duration `json:"send_timeout"`
}

// Channel receives Telegram updates, deduplicates them, and publishes
// bus.Inbound events. Outbound replies go through the rate-limited
// sender.
type Channel struct {
	bot        *telego.Bot
	cfg        Config
	msgBus     *bus.Bus
	seen       *dedupe.SeenCache
	sender     *sender
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg Config, msgBus *bus.Bus, seen *dedupe.SeenCache) (*Channel, error) {
	if cfg.Token == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 30
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		bot:    bot,
		cfg:    cfg,
		msgBus: msgBus,
		seen:   seen,
		sender: newSender(bot, cfg.SendTimeout),
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        c.cfg.PollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the polling goroutine to
// exit so Telegram releases the getUpdates lock.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// SendText delivers a reply to the given user, observing the per-chat
// rate limit. Successful deliveries are reported on the status topic.
func (c *Channel) SendText(ctx context.Context, userID, text string) error {
	id, err := c.sender.sendText(ctx, userID, text)
	if err != nil {
		return err
	}
	c.msgBus.Publish(bus.TopicStatus, bus.Status{
		ID:          id,
		Status:      "sent",
		RecipientID: userID,
		Timestamp:   time.Now(),
	})
	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil {
		return
	}

	in := inboundFromMessage(msg)

	// Telegram redelivers updates after restarts and network hiccups;
	// the seen-set makes redelivery a no-op.
	if c.seen.Seen(in.MessageID) {
		slog.Debug("duplicate telegram message dropped",
			"message_id", in.MessageID, "from", in.From)
		return
	}

	slog.Debug("telegram message received",
		"from", in.From, "kind", in.Kind, "forwarded", in.Forwarded)

	c.msgBus.Publish(bus.TopicMessage, in)
}
