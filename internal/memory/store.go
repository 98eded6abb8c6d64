// Package memory is the bot's persistent state: registered users, the
// practice task bank and the answers users gave. It is backed by SQLite.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gmatbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.UserStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.UserStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) GetUserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, telegram_id, username, full_name, created_at FROM users WHERE telegram_id = ?`, telegramID,
	).Scan(&u.ID, &u.TelegramID, &u.Username, &u.FullName, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: telegram_id %d", domain.ErrUserNotFound, telegramID)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// RegisterUser inserts u unless a user with the same Telegram ID exists, and
// returns the stored row either way.
func (s *SQLiteStore) RegisterUser(ctx context.Context, u domain.User) (*domain.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (telegram_id, username, full_name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (telegram_id) DO NOTHING`,
		u.TelegramID, u.Username, u.FullName, u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("register user %d: %w", u.TelegramID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("user registered", "telegram_id", u.TelegramID, "username", u.Username)
	}
	return s.GetUserByTelegramID(ctx, u.TelegramID)
}

// AddTask stores a new practice task and returns it with its ID set.
func (s *SQLiteStore) AddTask(ctx context.Context, t domain.Task) (*domain.Task, error) {
	options, err := json.Marshal(t.Options)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO gmat_tasks (question, options, correct) VALUES (?, ?, ?)`,
		t.Question, string(options), t.Correct,
	)
	if err != nil {
		return nil, err
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &t, nil
}

// NextTaskForUser picks a random task the user has not answered yet.
func (s *SQLiteStore) NextTaskForUser(ctx context.Context, telegramID int64) (*domain.Task, error) {
	var (
		t       domain.Task
		options string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT t.id, t.question, t.options, t.correct
		 FROM gmat_tasks t
		 WHERE t.id NOT IN (
			SELECT ut.task_id
			FROM user_tasks ut
			JOIN users u ON ut.user_id = u.id
			WHERE u.telegram_id = ?
		 )
		 ORDER BY RANDOM()
		 LIMIT 1`, telegramID,
	).Scan(&t.ID, &t.Question, &options, &t.Correct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no unanswered tasks for telegram_id %d", domain.ErrTaskNotFound, telegramID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &t.Options); err != nil {
		return nil, fmt.Errorf("task %d: bad options: %w", t.ID, err)
	}
	return &t, nil
}

// SaveAnswer records the user's answer to a task. It fails with
// domain.ErrUserNotFound for unknown users and domain.ErrTaskNotFound for
// unknown tasks.
func (s *SQLiteStore) SaveAnswer(ctx context.Context, telegramID, taskID int64, answer string) error {
	u, err := s.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		return err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM gmat_tasks WHERE id = ?`, taskID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id %d", domain.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_tasks (user_id, task_id, status, user_answer, answered_at)
		 VALUES (?, ?, 'answered', ?, ?)`,
		u.ID, taskID, answer, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
