package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/chat"
	"tg_script_gateway_bot/internal/feature/membership"
	"tg_script_gateway_bot/internal/logging"
)

type senderAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	GetChatMember(ctx context.Context, params *bot.GetChatMemberParams) (*models.ChatMember, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
}

// Sender delivers messages through the Bot API and answers membership
// queries for the gate.
type Sender struct {
	api    senderAPI
	logger *logrus.Entry
}

// NewSender wraps api.
func NewSender(api senderAPI, logger *logrus.Entry) *Sender {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Sender{api: api, logger: logger}
}

func (s *Sender) SendText(ctx context.Context, chatID int64, text string) error {
	return s.send(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
}

func (s *Sender) SendKeyboard(ctx context.Context, chatID int64, text string, keyboard chat.Keyboard) error {
	return s.send(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: inlineMarkup(keyboard),
	})
}

func (s *Sender) SendMenu(ctx context.Context, chatID int64, text string, menu chat.Menu) error {
	return s.send(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: replyMarkup(menu),
	})
}

func (s *Sender) send(ctx context.Context, params *bot.SendMessageParams) error {
	if s == nil || s.api == nil {
		return errors.New("telegram sender is not initialized")
	}

	if _, err := s.api.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send message to %v: %w", params.ChatID, err)
	}
	return nil
}

// AnswerCallback acknowledges a callback query so the client stops its
// loading indicator.
func (s *Sender) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if s == nil || s.api == nil {
		return errors.New("telegram sender is not initialized")
	}
	if callbackID == "" {
		return nil
	}

	if _, err := s.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	}); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// EditText replaces the text of a message the bot sent earlier.
func (s *Sender) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	if s == nil || s.api == nil {
		return errors.New("telegram sender is not initialized")
	}
	if messageID == 0 {
		return errors.New("message id is required")
	}

	if _, err := s.api.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
	}); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// MemberStatus asks Telegram for userID's standing in channel.
func (s *Sender) MemberStatus(ctx context.Context, channel string, userID int64) (membership.Status, error) {
	if s == nil || s.api == nil {
		return membership.StatusNone, errors.New("telegram sender is not initialized")
	}

	member, err := s.api.GetChatMember(ctx, &bot.GetChatMemberParams{
		ChatID: channelChatID(channel),
		UserID: userID,
	})
	if err != nil {
		return membership.StatusNone, fmt.Errorf("get chat member %s: %w", channel, err)
	}
	if member == nil {
		return membership.StatusNone, fmt.Errorf("get chat member %s: empty response", channel)
	}

	status := memberStatus(member.Type)
	s.logger.WithFields(logging.Fields{
		"event":   "membership_lookup",
		"channel": channel,
		"user_id": userID,
		"status":  string(member.Type),
	}).Debug("chat member resolved")

	return status, nil
}

func memberStatus(t models.ChatMemberType) membership.Status {
	switch t {
	case models.ChatMemberTypeOwner:
		return membership.StatusOwner
	case models.ChatMemberTypeAdministrator:
		return membership.StatusAdmin
	case models.ChatMemberTypeMember:
		return membership.StatusMember
	default:
		return membership.StatusNone
	}
}

// channelChatID accepts "@name", "name" or a numeric chat id.
func channelChatID(channel string) any {
	channel = strings.TrimSpace(channel)
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return id
	}
	if !strings.HasPrefix(channel, "@") {
		return "@" + channel
	}
	return channel
}

// channelJoinURL returns the public t.me link for a username channel, or ""
// when the channel is only known by numeric id.
func channelJoinURL(channel string) string {
	channel = strings.TrimSpace(channel)
	if _, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return ""
	}
	return "https://t.me/" + strings.TrimPrefix(channel, "@")
}

func inlineMarkup(keyboard chat.Keyboard) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]models.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, models.InlineKeyboardButton{
				Text:         b.Text,
				CallbackData: b.CallbackData,
				URL:          b.URL,
			})
		}
		rows = append(rows, buttons)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func replyMarkup(menu chat.Menu) *models.ReplyKeyboardMarkup {
	rows := make([][]models.KeyboardButton, 0, len(menu))
	for _, row := range menu {
		buttons := make([]models.KeyboardButton, 0, len(row))
		for _, label := range row {
			buttons = append(buttons, models.KeyboardButton{Text: label})
		}
		rows = append(rows, buttons)
	}
	return &models.ReplyKeyboardMarkup{
		Keyboard:        rows,
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}
