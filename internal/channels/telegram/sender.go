package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

// sender delivers outbound messages with a per-chat rate limiter.
// Telegram caps bots at roughly one message per second per chat.
type sender struct {
	bot     *telego.Bot
	timeout time.Duration

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func newSender(bot *telego.Bot, timeout time.Duration) *sender {
	return &sender{
		bot:      bot,
		timeout:  timeout,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// sendText delivers text to userID and returns the sent message id.
func (s *sender) sendText(ctx context.Context, userID, text string) (string, error) {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", userID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiter(chatID).Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait for chat %d: %w", chatID, err)
	}

	sent, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return "", fmt.Errorf("send message to chat %d: %w", chatID, err)
	}
	return fmt.Sprintf("%d:%d", chatID, sent.MessageID), nil
}

func (s *sender) limiter(chatID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		s.limiters[chatID] = l
	}
	return l
}
