// Package telegram pushes donation notifications to streamers who linked a
// Telegram chat. This is a secondary channel next to the overlay broadcast;
// failures are logged and never affect donation state.
package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
)

type Notifier struct {
	bot *bot.Bot
	log *slog.Logger
}

func New(token string, log *slog.Logger) (*Notifier, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Notifier{bot: b, log: log}, nil
}

// NotifyDonation sends the streamer a message about a completed donation.
func (n *Notifier) NotifyDonation(ctx context.Context, chatID int64, donorName string, amount decimal.Decimal, message string) error {
	text := fmt.Sprintf(
		"💸 <b>Новый донат!</b>\n\n<b>%s</b> — %s ₽",
		html.EscapeString(donorName), amount.String(),
	)
	if message != "" {
		text += fmt.Sprintf("\n\n💬 <i>%s</i>", html.EscapeString(message))
	}

	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	return err
}
