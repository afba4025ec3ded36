package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// TelegramNotifier posts operator alerts to a Telegram chat or forum topic
type TelegramNotifier struct {
	bot       *bot.Bot
	chatID    int64
	topicID   int
	formatter *Formatter
	logger    *slog.Logger
	now       func() time.Time
}

// TelegramConfig configuration for the Telegram notifier
type TelegramConfig struct {
	Token   string
	ChatID  int64
	TopicID int
	// ServerURL overrides the Bot API endpoint
	ServerURL string
}

// NewTelegramNotifier creates a notifier. It does not contact Telegram until the
// first alert.
func NewTelegramNotifier(cfg TelegramConfig, logger *slog.Logger) (*TelegramNotifier, error) {
	opts := []bot.Option{bot.WithSkipGetMe()}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.ServerURL))
	}

	tgBot, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramNotifier{
		bot:       tgBot,
		chatID:    cfg.ChatID,
		topicID:   cfg.TopicID,
		formatter: NewFormatter(),
		logger:    logger.With("component", "telegram_notifier"),
		now:       time.Now,
	}, nil
}

// NotifyAuthFailure reports an account whose login was rejected
func (n *TelegramNotifier) NotifyAuthFailure(ctx context.Context, userID, username, reason string) error {
	return n.send(ctx, n.formatter.FormatAuthFailure(userID, username, reason, n.now()))
}

// NotifySweepStuck reports a sweep that has blocked several ticks
func (n *TelegramNotifier) NotifySweepStuck(ctx context.Context, skippedTicks int, runningSince time.Time) error {
	return n.send(ctx, n.formatter.FormatSweepStuck(skippedTicks, runningSince, n.now()))
}

// send sends a message to the alert chat
func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	params := &bot.SendMessageParams{
		ChatID:    n.chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}

	if n.topicID != 0 {
		params.MessageThreadID = n.topicID
	}

	if _, err := n.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	n.logger.Debug("alert sent", "chat_id", n.chatID)
	return nil
}

// LogNotifier writes alerts to the log when no chat is configured
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "alerts")}
}

// NotifyAuthFailure logs an account whose login was rejected
func (n *LogNotifier) NotifyAuthFailure(_ context.Context, userID, username, reason string) error {
	n.logger.Warn("mail login rejected, account paused", "account", userID, "username", username, "reason", reason)
	return nil
}

// NotifySweepStuck logs a sweep that has blocked several ticks
func (n *LogNotifier) NotifySweepStuck(_ context.Context, skippedTicks int, runningSince time.Time) error {
	n.logger.Error("sweep still running", "skipped_ticks", skippedTicks, "running_since", runningSince)
	return nil
}
