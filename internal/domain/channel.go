package domain

import (
	"context"
	"time"
)

// Messenger delivers a text message to a chat. The Telegram channel
// implements it; the admin notifier and the conversational handlers share it.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// IncomingMessage is a text message received from a chat.
type IncomingMessage struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	FullName  string
	Text      string
	Command   string // command name without the slash, empty for plain text
	Timestamp time.Time
}
