// Package alert delivers P1 notifications (resource pressure, internal
// failures, dead-lettered poison pills) to an operator Telegram chat. It is
// purely an outbound sink: it never reads commands back from the chat.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskwarden/internal/bus"
)

// Channel delivers bus.TopicAlert events to a fixed set of chat IDs. The
// Telegram connection itself is established lazily in Start, so
// constructing a Channel never performs network I/O.
type Channel struct {
	token      string
	allowedIDs []int64
	logger     *slog.Logger
	eventBus   *bus.Bus
	bot        *tgbotapi.BotAPI

	sub *bus.Subscription
}

// New constructs a Channel. Callers should only construct one when
// config.Telegram.Enabled is true; the token is not validated until Start.
func New(token string, allowedIDs []int64, eventBus *bus.Bus, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{token: token, allowedIDs: allowedIDs, logger: logger, eventBus: eventBus}, nil
}

// Start connects to the Telegram API, subscribes to bus.TopicAlert, and
// forwards every event until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	c.bot = bot

	c.logger.Info("alert: telegram channel started", "user", c.bot.Self.UserName)
	c.sub = c.eventBus.Subscribe(bus.TopicAlert)
	defer c.eventBus.Unsubscribe(c.sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.sub.Ch():
			if !ok {
				return nil
			}
			c.handle(ev)
		}
	}
}

func (c *Channel) handle(ev bus.Event) {
	alert, ok := ev.Payload.(bus.AlertEvent)
	if !ok {
		c.logger.Warn("alert: unexpected payload type", "type", fmt.Sprintf("%T", ev.Payload))
		return
	}

	emoji := "ℹ️"
	switch alert.Severity {
	case "warning":
		emoji = "⚠️"
	case "critical":
		emoji = "\U0001f6a8"
	}

	msg := fmt.Sprintf("%s *%s*\n%s\n_%s_",
		emoji,
		escapeMarkdownV2(strings.ToUpper(alert.Severity)),
		escapeMarkdownV2(alert.Message),
		escapeMarkdownV2(ev.At.Format(time.RFC3339)),
	)

	for _, chatID := range c.allowedIDs {
		out := tgbotapi.NewMessage(chatID, msg)
		out.ParseMode = "MarkdownV2"
		if _, err := c.bot.Send(out); err != nil {
			c.logger.Error("alert: telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

// escapeMarkdownV2 escapes the characters MarkdownV2 reserves for formatting.
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(special, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
