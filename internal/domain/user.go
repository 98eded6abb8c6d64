package domain

import (
	"context"
	"errors"
	"time"
)

// Lookup failures. Stores return these (possibly wrapped) when an operation
// assumed the referenced row exists.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrTaskNotFound = errors.New("task not found")
)

type User struct {
	ID         int64     `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	Username   string    `json:"username,omitempty"`
	FullName   string    `json:"full_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task is a practice question served to users.
type Task struct {
	ID       int64    `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Correct  string   `json:"correct"`
}

// UserStore persists bot users, tasks and their answers.
type UserStore interface {
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error)
	RegisterUser(ctx context.Context, u User) (*User, error)

	NextTaskForUser(ctx context.Context, telegramID int64) (*Task, error)
	SaveAnswer(ctx context.Context, telegramID, taskID int64, answer string) error

	Close() error
}
