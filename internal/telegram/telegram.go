// Package telegram connects the bot to Telegram: it receives updates by long
// polling or webhook, turns them into dispatch events, and sends replies.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/config"
	"tg_script_gateway_bot/internal/dispatch"
	"tg_script_gateway_bot/internal/logging"
)

type botAPI interface {
	senderAPI
	Start(ctx context.Context)
	StartWebhook(ctx context.Context)
	WebhookHandler() http.HandlerFunc
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
}

// UpdateSink receives converted updates. The dispatcher implements it.
type UpdateSink interface {
	Enqueue(ctx context.Context, ev dispatch.Event) bool
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"callback_query",
	}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		return bot.New(token, options...)
	}
)

// Client wraps the Telegram bot instance and logging dependencies.
type Client struct {
	bot     botAPI
	webhook bool
	secret  string
	logger  *logrus.Entry
}

// NewClient initializes the Telegram bot. Updates are converted and handed to
// sink; nothing is handled on the library's own goroutines.
func NewClient(cfg config.Config, sink UpdateSink, logger *logrus.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if sink == nil {
		return nil, errors.New("update sink is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	options := []bot.Option{
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(defaultHandler(sink, logger)),
		bot.WithErrorsHandler(errorHandler(logger)),
	}
	if cfg.WebhookSecret != "" {
		options = append(options, bot.WithWebhookSecretToken(cfg.WebhookSecret))
	}

	tgBot, err := createBot(cfg.TelegramToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}

	return &Client{
		bot:     tgBot,
		webhook: cfg.UsesWebhook(),
		secret:  cfg.WebhookSecret,
		logger:  logger,
	}, nil
}

// Start receives updates until the context is canceled. In webhook mode the
// updates arrive through WebhookHandler instead of long polling.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	mode := config.ModePolling
	if c.webhook {
		mode = config.ModeWebhook
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"mode":            mode,
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram updates")

	if c.webhook {
		c.bot.StartWebhook(ctx)
	} else {
		c.bot.Start(ctx)
	}

	c.logger.WithField("event", "telegram_stopped").Info("telegram updates stopped")
}

// WebhookHandler serves update POSTs from Telegram.
func (c *Client) WebhookHandler() http.Handler {
	return c.bot.WebhookHandler()
}

// RegisterWebhook points Telegram at url.
func (c *Client) RegisterWebhook(ctx context.Context, url string) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if strings.TrimSpace(url) == "" {
		return errors.New("webhook url is required")
	}

	ok, err := c.bot.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:         url,
		SecretToken: c.secret,
	})
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	if !ok {
		return errors.New("set webhook: telegram declined the request")
	}

	c.logger.WithFields(logging.Fields{
		"event": "webhook_registered",
		"url":   url,
	}).Info("webhook registered")

	return nil
}

// Sender returns the outbound surface backed by this client.
func (c *Client) Sender() *Sender {
	return NewSender(c.bot, c.logger)
}

func defaultHandler(sink UpdateSink, logger *logrus.Entry) bot.HandlerFunc {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		if update == nil {
			return
		}

		meta := extractUpdateMeta(update)

		fields := logging.Fields{
			"event":       "telegram_update",
			"update_type": meta.updateType,
		}
		if meta.userID != 0 {
			fields["user_id"] = meta.userID
		}
		if meta.chatID != 0 {
			fields["chat_id"] = meta.chatID
		}

		ev, ok := toEvent(update)
		if !ok {
			logger.WithFields(fields).Debug("telegram update ignored")
			return
		}

		// Free text may be submitted source code; only log routing tokens.
		if ev.Kind != dispatch.KindText {
			fields["text"] = meta.text
		}
		logger.WithFields(fields).Info("telegram update received")

		if !sink.Enqueue(ctx, ev) {
			logger.WithFields(fields).WithField("event", "telegram_update_dropped").Warn("update dropped during shutdown")
		}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram update error")
	}
}
