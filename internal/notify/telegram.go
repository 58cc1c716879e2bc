package notify

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotSender is the subset of *tgbotapi.BotAPI used for alerts.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends an HTML alert to a chat for every status change.
// Sensor data events are ignored.
type Telegram struct {
	bot    BotSender
	chatID int64
	site   string
}

// NewTelegram authorizes the bot and creates a Telegram notifier.
func NewTelegram(token, chatID, site string) (*Telegram, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing chat id: %w", err)
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return newTelegram(bot, id, site), nil
}

func newTelegram(bot BotSender, chatID int64, site string) *Telegram {
	return &Telegram{bot: bot, chatID: chatID, site: site}
}

// Notify sends the alert for a status change.
func (t *Telegram) Notify(_ context.Context, e Event) error {
	if e.Type != EventStatusChange {
		return nil
	}

	msg := tgbotapi.NewMessage(t.chatID, t.format(e))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("sending telegram alert: %w", err)
	}
	return nil
}

func (t *Telegram) format(e Event) string {
	status, _ := e.Payload[KeyStatus].(string)

	var b strings.Builder
	if status == "online" {
		b.WriteString("🟢 <b>Device online</b>\n")
	} else {
		b.WriteString("🔴 <b>Device offline</b>\n")
	}
	fmt.Fprintf(&b, "Device: <code>%s</code>\n", html.EscapeString(e.DeviceID))
	if t.site != "" {
		fmt.Fprintf(&b, "Site: %s\n", html.EscapeString(t.site))
	}
	if v, ok := e.Payload[KeyOfflineDuration].(float64); ok {
		fmt.Fprintf(&b, "Silent for: %s\n", (time.Duration(v) * time.Second).String())
	}
	if v, ok := e.Payload[KeyLastOfflineFor].(float64); ok {
		fmt.Fprintf(&b, "Was offline for: %s\n", (time.Duration(v) * time.Second).String())
	}
	if reason, ok := e.Payload[KeyReason].(string); ok {
		fmt.Fprintf(&b, "Reason: %s\n", html.EscapeString(reason))
	}
	fmt.Fprintf(&b, "Time: %s", e.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}
