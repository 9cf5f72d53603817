// Package chat declares the outbound messaging surface features depend on,
// independent of the Telegram client that implements it.
package chat

import "context"

// Button is an inline control. Exactly one of CallbackData or URL is set.
type Button struct {
	Text         string
	CallbackData string
	URL          string
}

// Keyboard is a grid of inline buttons.
type Keyboard [][]Button

// Menu is a grid of reply keyboard labels.
type Menu [][]string

// Sender delivers messages to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendKeyboard(ctx context.Context, chatID int64, text string, keyboard Keyboard) error
	SendMenu(ctx context.Context, chatID int64, text string, menu Menu) error
}
