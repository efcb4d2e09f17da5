package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
	"relaybot/internal/greet"
)

// Telegram polls for updates, feeds user messages into the relay, and
// implements domain.Platform on top of sendMessage / editMessageText.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)

	bot     *tgbotapi.BotAPI
	sink    domain.TurnSink
	greeter *greet.Responder
	logger  *slog.Logger
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	Greeter   *greet.Responder
	Logger    *slog.Logger
}

// NewTelegram creates a new Telegram channel handler.
func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		greeter:   cfg.Greeter,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, sink domain.TurnSink) error {
	t.sink = sink

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	channel := strconv.FormatInt(chatID, 10)

	// /start is Telegram's built-in opener; treat it as a greeting.
	greetText := text
	if greetText == "/start" {
		greetText = "hello"
	}
	if reply, ok := t.greeter.Reply(greetText); ok {
		if _, err := t.PostMessage(ctx, channel, reply, domain.PostOptions{}); err != nil {
			t.logger.Error("telegram greeting failed", "err", err)
		}
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	t.sink.Submit(domain.TurnRequest{
		Platform:  "telegram",
		Channel:   channel,
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// PostMessage sends a message, optionally as a reply to a parent message.
func (t *Telegram) PostMessage(ctx context.Context, channel, text string, opts domain.PostOptions) (domain.MessageRef, error) {
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return domain.MessageRef{}, fmt.Errorf("invalid telegram chat ID %q: %w", channel, err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if opts.ThreadParent != "" {
		if parentID, perr := strconv.Atoi(opts.ThreadParent); perr == nil {
			msg.ReplyToMessageID = parentID
		}
	}

	sent, err := t.bot.Send(msg)
	if err != nil {
		return domain.MessageRef{}, mapTelegramErr(err)
	}
	return domain.MessageRef{Channel: channel, ID: strconv.Itoa(sent.MessageID)}, nil
}

// UpdateMessage edits a previously sent message in place.
func (t *Telegram) UpdateMessage(ctx context.Context, ref domain.MessageRef, text string) error {
	chatID, err := strconv.ParseInt(ref.Channel, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", ref.Channel, err)
	}
	msgID, err := strconv.Atoi(ref.ID)
	if err != nil {
		return fmt.Errorf("invalid telegram message ID %q: %w", ref.ID, err)
	}

	edit := tgbotapi.NewEditMessageText(chatID, msgID, text)
	if _, err := t.bot.Request(edit); err != nil {
		return mapTelegramErr(err)
	}
	return nil
}

func mapTelegramErr(err error) error {
	if err == nil {
		return nil
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		return &domain.RateLimitedError{RetryAfter: time.Duration(tgErr.RetryAfter) * time.Second}
	}
	if strings.Contains(err.Error(), "Too Many Requests") {
		return &domain.RateLimitedError{}
	}
	return err
}
