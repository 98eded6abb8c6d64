// Package bot holds the conversational handlers. Every handler records the
// inbound message before replying and each reply after it is sent.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gmatbot/internal/domain"
	"gmatbot/internal/eventlog"
)

// Reply texts.
const (
	MsgWillRegister      = "Сейчас вас зарегистрируем 👋"
	MsgRegistered        = "Регистрация прошла успешно 🎉"
	MsgAlreadyRegistered = "Вы уже зарегистрированы 😌"
	MsgCancelled         = "Операция отменена 👌🏻"
	MsgPlug              = "Я не понял сообщение 🤔\nОтправьте /task, чтобы получить задачу, или /start, чтобы начать."
	MsgNoTasks           = "Новых задач пока нет, вы решили всё 🏆"
	MsgNeedRegistration  = "Сначала зарегистрируйтесь командой /start 🙏"
	MsgCorrect           = "Верно ✅"
	MsgFailure           = "Что-то пошло не так, попробуйте позже 🙏"
)

type route struct {
	router, method string
}

var (
	routeStart      = route{"start_cmd_router", "cmd_start"}
	routeCancel     = route{"cancel_router", "cmd_cancel"}
	routeTask       = route{"task_router", "cmd_task"}
	routeTaskAnswer = route{"task_router", "task_answer"}
	routePlug       = route{"plug_router", "plug_msg"}
)

type Config struct {
	Messenger domain.Messenger
	Users     domain.UserStore
	Recorder  eventlog.Recorder
	Logger    *slog.Logger
}

// Handlers dispatches incoming messages by command. Plain text answers the
// chat's pending task, if any, and gets the plug reply otherwise.
type Handlers struct {
	messenger domain.Messenger
	users     domain.UserStore
	recorder  eventlog.Recorder
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[int64]*domain.Task // chat ID -> task awaiting an answer
}

func New(cfg Config) *Handlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Handlers{
		messenger: cfg.Messenger,
		users:     cfg.Users,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		pending:   make(map[int64]*domain.Task),
	}
}

func (h *Handlers) Handle(ctx context.Context, msg domain.IncomingMessage) {
	switch msg.Command {
	case "start":
		h.start(ctx, msg)
	case "cancel":
		h.cancel(ctx, msg)
	case "task":
		h.task(ctx, msg)
	default:
		if msg.Command == "" {
			if t := h.takePending(msg.ChatID); t != nil {
				h.answer(ctx, msg, t)
				return
			}
		}
		h.plug(ctx, msg)
	}
}

func (h *Handlers) start(ctx context.Context, msg domain.IncomingMessage) {
	h.inbound(msg, routeStart, domain.EventCommand)
	h.clearPending(msg.ChatID)

	_, err := h.users.GetUserByTelegramID(ctx, msg.UserID)
	switch {
	case err == nil:
		h.reply(ctx, msg, routeStart, MsgAlreadyRegistered)
		return
	case !errors.Is(err, domain.ErrUserNotFound):
		h.fail(ctx, msg, routeStart, err)
		return
	}

	h.reply(ctx, msg, routeStart, MsgWillRegister)
	if _, err := h.users.RegisterUser(ctx, domain.User{
		TelegramID: msg.UserID,
		Username:   msg.Username,
		FullName:   msg.FullName,
	}); err != nil {
		h.fail(ctx, msg, routeStart, err)
		return
	}
	h.reply(ctx, msg, routeStart, MsgRegistered)
}

func (h *Handlers) cancel(ctx context.Context, msg domain.IncomingMessage) {
	h.inbound(msg, routeCancel, domain.EventCommand)
	h.clearPending(msg.ChatID)
	h.reply(ctx, msg, routeCancel, MsgCancelled)
}

func (h *Handlers) task(ctx context.Context, msg domain.IncomingMessage) {
	h.inbound(msg, routeTask, domain.EventCommand)

	if _, err := h.users.GetUserByTelegramID(ctx, msg.UserID); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			h.reply(ctx, msg, routeTask, MsgNeedRegistration)
			return
		}
		h.fail(ctx, msg, routeTask, err)
		return
	}

	t, err := h.users.NextTaskForUser(ctx, msg.UserID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		h.reply(ctx, msg, routeTask, MsgNoTasks)
		return
	}
	if err != nil {
		h.fail(ctx, msg, routeTask, err)
		return
	}

	h.mu.Lock()
	h.pending[msg.ChatID] = t
	h.mu.Unlock()
	h.reply(ctx, msg, routeTask, FormatTask(t))
}

// answer handles plain text sent while a task is pending.
func (h *Handlers) answer(ctx context.Context, msg domain.IncomingMessage, t *domain.Task) {
	h.inbound(msg, routeTaskAnswer, domain.EventMessage)

	if err := h.users.SaveAnswer(ctx, msg.UserID, t.ID, msg.Text); err != nil {
		h.fail(ctx, msg, routeTaskAnswer, err)
		return
	}
	if strings.EqualFold(strings.TrimSpace(msg.Text), strings.TrimSpace(t.Correct)) {
		h.reply(ctx, msg, routeTaskAnswer, MsgCorrect)
		return
	}
	h.reply(ctx, msg, routeTaskAnswer, fmt.Sprintf("Неверно ❌ Правильный ответ: %s", t.Correct))
}

func (h *Handlers) plug(ctx context.Context, msg domain.IncomingMessage) {
	h.inbound(msg, routePlug, domain.EventCommand)
	h.reply(ctx, msg, routePlug, MsgPlug)
}

// FormatTask renders a task with numbered options.
func FormatTask(t *domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Задача №%d\n\n%s", t.ID, t.Question)
	if len(t.Options) > 0 {
		b.WriteString("\n")
		for i, opt := range t.Options {
			fmt.Fprintf(&b, "\n%d) %s", i+1, opt)
		}
	}
	b.WriteString("\n\nОтправьте ответ сообщением или /cancel для отмены.")
	return b.String()
}

func (h *Handlers) inbound(msg domain.IncomingMessage, r route, eventType string) {
	h.recorder.RecordEvent(msg.ChatID, msg.MessageID, domain.Inbound, msg.Text, r.router, r.method, eventType)
}

// reply sends text and records it as an outbound event once delivered.
// An undelivered reply is recorded as an outbound error event carrying the
// send error.
func (h *Handlers) reply(ctx context.Context, msg domain.IncomingMessage, r route, text string) {
	h.send(ctx, msg, r, text, domain.EventMessage)
}

func (h *Handlers) fail(ctx context.Context, msg domain.IncomingMessage, r route, err error) {
	h.logger.Error("handler failed", "chat_id", msg.ChatID, "method", r.method, "err", err)
	h.send(ctx, msg, r, MsgFailure, domain.EventError)
}

func (h *Handlers) send(ctx context.Context, msg domain.IncomingMessage, r route, text, eventType string) {
	if err := h.messenger.Send(ctx, msg.ChatID, text); err != nil {
		h.logger.Warn("reply not delivered", "chat_id", msg.ChatID, "method", r.method, "err", err)
		h.recorder.RecordEvent(msg.ChatID, msg.MessageID, domain.Outbound,
			"reply not delivered: "+err.Error(), r.router, r.method, domain.EventError)
		return
	}
	h.recorder.RecordEvent(msg.ChatID, msg.MessageID, domain.Outbound, text, r.router, r.method, eventType)
}

func (h *Handlers) clearPending(chatID int64) {
	h.mu.Lock()
	delete(h.pending, chatID)
	h.mu.Unlock()
}

func (h *Handlers) takePending(chatID int64) *domain.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.pending[chatID]
	delete(h.pending, chatID)
	return t
}

type nopRecorder struct{}

func (nopRecorder) RecordEvent(int64, int, domain.Direction, string, string, string, string) {}
