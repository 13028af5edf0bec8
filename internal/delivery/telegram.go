package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"radar-chart-bot/internal/config"
)

// Sender delivers rendered charts and plain notices to chats.
type Sender interface {
	SendPhoto(ctx context.Context, chatID int64, caption string, image []byte) error
	SendText(ctx context.Context, chatID int64, text string) error
}

// NewBot builds a telebot client. With poll unset the bot never calls getMe or
// getUpdates, which is what send-only commands need.
func NewBot(cfg config.TelegramConfig, poll bool) (*tele.Bot, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram.bot_token is empty")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	if poll && timeout <= pollTimeout {
		timeout = pollTimeout + 5*time.Second
	}

	settings := tele.Settings{
		URL:     strings.TrimRight(cfg.APIBase, "/"),
		Token:   cfg.BotToken,
		Client:  &http.Client{Timeout: timeout},
		Offline: !poll,
	}
	if poll {
		settings.Poller = &tele.LongPoller{Timeout: pollTimeout}
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return b, nil
}

// TelegramSender delivers through the Bot API.
type TelegramSender struct {
	bot    *tele.Bot
	logger zerolog.Logger
}

// NewTelegramSender wraps an existing bot.
func NewTelegramSender(bot *tele.Bot, logger zerolog.Logger) *TelegramSender {
	return &TelegramSender{
		bot:    bot,
		logger: logger.With().Str("component", "delivery_telegram").Logger(),
	}
}

// SendPhoto uploads image as a photo with caption.
func (s *TelegramSender) SendPhoto(ctx context.Context, chatID int64, caption string, image []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(image) == 0 {
		return errors.New("empty image")
	}
	photo := &tele.Photo{
		File:    tele.FromReader(bytes.NewReader(image)),
		Caption: truncate(caption, maxCaption),
	}
	if _, err := s.bot.Send(&tele.Chat{ID: chatID}, photo); err != nil {
		return fmt.Errorf("send photo to %d: %w", chatID, err)
	}
	s.logger.Info().Int64("chat_id", chatID).Int("bytes", len(image)).Msg("chart delivered")
	return nil
}

// SendText sends a plain message.
func (s *TelegramSender) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.bot.Send(&tele.Chat{ID: chatID}, truncate(text, maxMessage)); err != nil {
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

var _ Sender = (*TelegramSender)(nil)
