// Package channel connects the bot to Telegram: it polls updates, hands them
// to a Handler and delivers outgoing text.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"gmatbot/internal/domain"
	"gmatbot/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramPollTimeout    = 30
)

// Handler processes one incoming message. It is called on the polling
// goroutine, one message at a time.
type Handler interface {
	Handle(ctx context.Context, msg domain.IncomingMessage)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg domain.IncomingMessage)

func (f HandlerFunc) Handle(ctx context.Context, msg domain.IncomingMessage) { f(ctx, msg) }

// botAPI is the subset of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram implements domain.Messenger and runs the update loop.
type Telegram struct {
	token     string
	parseMode string
	// retryUnit scales the waits between send retries.
	retryUnit time.Duration

	bot     botAPI
	limiter *RateLimiter
	logger  *slog.Logger
}

var _ domain.Messenger = (*Telegram)(nil)

type TelegramConfig struct {
	Token     string
	ParseMode string
	// SendsPerSecond caps outgoing messages across all chats. Zero uses
	// the default.
	SendsPerSecond float64
	Logger         *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		parseMode: cfg.ParseMode,
		retryUnit: time.Second,
		limiter:   NewRateLimiter(0, cfg.SendsPerSecond),
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the bot token. Send works only after Connect.
func (t *Telegram) Connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return nil
}

// Start polls for updates and dispatches messages to h until ctx is
// cancelled.
func (t *Telegram) Start(ctx context.Context, h Handler) error {
	if err := t.Connect(); err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.dispatch(ctx, update, h)
		}
	}
}

func (t *Telegram) dispatch(ctx context.Context, update tgbotapi.Update, h Handler) {
	metrics.UpdatesTotal.Inc()

	msg, ok := incoming(update)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("telegram handler panic", "chat_id", msg.ChatID, "panic", r)
		}
	}()

	t.logger.Debug("telegram message received",
		"user_id", msg.UserID,
		"chat_id", msg.ChatID,
		"command", msg.Command,
		"text_len", len(msg.Text),
	)
	h.Handle(ctx, msg)
}

// incoming converts a text message update. Other update kinds are skipped.
func incoming(update tgbotapi.Update) (domain.IncomingMessage, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return domain.IncomingMessage{}, false
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return domain.IncomingMessage{}, false
	}

	msg := domain.IncomingMessage{
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
		UserID:    m.From.ID,
		Username:  m.From.UserName,
		FullName:  strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		Text:      text,
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
	}
	if m.IsCommand() {
		msg.Command = m.Command()
	}
	return msg, true
}

// Send delivers text to chatID, split into chunks Telegram accepts.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if t.bot == nil {
		return errors.New("telegram: not connected")
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// splitMessage cuts text into pieces of at most maxLen bytes, preferring
// newlines and never splitting a UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if text != "" || len(chunks) == 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// The first attempt uses the configured parse mode; a parse error falls back
// to plain text right away, other errors back off and retry.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		if _, err = t.bot.Send(msg); err == nil {
			return nil
		}

		var wait time.Duration
		var apiErr *tgbotapi.Error
		switch {
		case errors.As(err, &apiErr) && apiErr.RetryAfter > 0:
			wait = time.Duration(apiErr.RetryAfter) * t.retryUnit
			t.logger.Warn("telegram rate limited, backing off",
				"chat_id", chatID, "retry_after", wait, "attempt", attempt+1,
			)
		case attempt == 0 && msg.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities"):
			t.logger.Warn("telegram parse error, retrying as plain text",
				"chat_id", chatID, "err", err, "parseMode", t.parseMode,
			)
			continue
		default:
			wait = time.Duration(attempt+1) * t.retryUnit
			if attempt < telegramMaxSendRetries {
				t.logger.Warn("telegram send error, retrying", "chat_id", chatID, "err", err, "backoff", wait)
			}
		}

		if attempt == telegramMaxSendRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("telegram send to %d: %w", chatID, ctx.Err())
		case <-time.After(wait):
		}
	}

	t.logger.Error("telegram send failed after retries", "chat_id", chatID, "err", err, "attempts", telegramMaxSendRetries+1)
	return fmt.Errorf("telegram send to %d: %w", chatID, err)
}
