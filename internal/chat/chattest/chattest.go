// Package chattest provides a recording chat.Sender for tests.
package chattest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"tg_script_gateway_bot/internal/chat"
)

// ErrUnreachable is returned for chats marked unreachable.
var ErrUnreachable = errors.New("chat unreachable")

// Message is one recorded delivery attempt.
type Message struct {
	ChatID   int64
	Text     string
	Keyboard chat.Keyboard
	Menu     chat.Menu
	Failed   bool
}

// Sender records every attempt and fails for chats marked unreachable.
type Sender struct {
	mu          sync.Mutex
	messages    []Message
	unreachable map[int64]bool
}

// NewSender constructs a recorder. Chats listed in unreachable fail delivery.
func NewSender(unreachable ...int64) *Sender {
	s := &Sender{unreachable: make(map[int64]bool)}
	for _, id := range unreachable {
		s.unreachable[id] = true
	}
	return s
}

func (s *Sender) SendText(_ context.Context, chatID int64, text string) error {
	return s.record(Message{ChatID: chatID, Text: text})
}

func (s *Sender) SendKeyboard(_ context.Context, chatID int64, text string, keyboard chat.Keyboard) error {
	return s.record(Message{ChatID: chatID, Text: text, Keyboard: keyboard})
}

func (s *Sender) SendMenu(_ context.Context, chatID int64, text string, menu chat.Menu) error {
	return s.record(Message{ChatID: chatID, Text: text, Menu: menu})
}

func (s *Sender) record(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.Failed = s.unreachable[msg.ChatID]
	s.messages = append(s.messages, msg)
	if msg.Failed {
		return ErrUnreachable
	}
	return nil
}

// Messages returns a copy of every recorded attempt.
func (s *Sender) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// To returns the successful deliveries to chatID.
func (s *Sender) To(chatID int64) []Message {
	var out []Message
	for _, msg := range s.Messages() {
		if msg.ChatID == chatID && !msg.Failed {
			out = append(out, msg)
		}
	}
	return out
}

// Last returns the most recent successful delivery to chatID.
func (s *Sender) Last(chatID int64) (Message, bool) {
	msgs := s.To(chatID)
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Contains reports whether any successful delivery to chatID contains substr.
func (s *Sender) Contains(chatID int64, substr string) bool {
	for _, msg := range s.To(chatID) {
		if strings.Contains(msg.Text, substr) {
			return true
		}
	}
	return false
}

// Reset forgets recorded messages.
func (s *Sender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}
