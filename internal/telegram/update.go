package telegram

import (
	"strings"
	"unicode"

	"github.com/go-telegram/bot/models"

	"tg_script_gateway_bot/internal/dispatch"
)

type updateMeta struct {
	userID     int64
	chatID     int64
	text       string
	updateType string
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			text:       strings.TrimSpace(update.Message.Text),
			updateType: "message",
		}
	case update.EditedMessage != nil:
		return updateMeta{
			userID:     userID(update.EditedMessage.From),
			chatID:     chatID(&update.EditedMessage.Chat),
			text:       strings.TrimSpace(update.EditedMessage.Text),
			updateType: "edited_message",
		}
	case update.CallbackQuery != nil:
		return updateMeta{
			userID:     userID(&update.CallbackQuery.From),
			chatID:     messageChatID(update.CallbackQuery.Message),
			text:       strings.TrimSpace(update.CallbackQuery.Data),
			updateType: "callback_query",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

// toEvent converts the updates the bot reacts to: text messages and callback
// queries. Everything else reports false.
func toEvent(update *models.Update) (dispatch.Event, bool) {
	switch {
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || msg.Text == "" {
			return dispatch.Event{}, false
		}

		ev := dispatch.Event{
			Kind:      dispatch.KindText,
			UserID:    msg.From.ID,
			ChatID:    msg.Chat.ID,
			MessageID: msg.ID,
			Text:      msg.Text,
		}
		if name, args, ok := parseCommand(msg.Text); ok {
			ev.Kind = dispatch.KindCommand
			ev.Command = name
			ev.Args = args
		}
		return ev, true

	case update.CallbackQuery != nil:
		query := update.CallbackQuery
		return dispatch.Event{
			Kind:       dispatch.KindCallback,
			UserID:     query.From.ID,
			ChatID:     messageChatID(query.Message),
			MessageID:  messageID(query.Message),
			CallbackID: query.ID,
			Data:       query.Data,
		}, true

	default:
		return dispatch.Event{}, false
	}
}

// parseCommand splits "/name@bot args" into a lowercase name and the rest.
func parseCommand(text string) (string, string, bool) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	head, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], strings.TrimSpace(text[i:])
	}

	name := strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", "", false
	}

	return strings.ToLower(name), rest, true
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return chatID(&msg.Message.Chat)
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return chatID(&msg.InaccessibleMessage.Chat)
	default:
		return 0
	}
}

func messageID(msg models.MaybeInaccessibleMessage) int {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return msg.Message.ID
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return msg.InaccessibleMessage.MessageID
	default:
		return 0
	}
}
