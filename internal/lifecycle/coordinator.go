// Package lifecycle notifies bot admins when the process starts and stops.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"gmatbot/internal/notify"
)

const (
	StartupMessage  = "The bot is started and ready!"
	ShutdownMessage = "The bot is stopped!"
)

// State is the coordinator's view of the process lifecycle. The host
// guarantees the order; the state is kept for diagnostics.
type State string

const (
	StateNew     State = "new"
	StateStarted State = "started"
	StateStopped State = "stopped"
)

// Broadcaster is the part of notify.Notifier the coordinator needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, recipients []int64, message string) notify.Report
}

// Coordinator binds admin broadcasts to the host's start and stop hooks.
type Coordinator struct {
	notifier Broadcaster
	admins   []int64
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

func NewCoordinator(notifier Broadcaster, admins []int64, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		notifier: notifier,
		admins:   append([]int64(nil), admins...),
		logger:   logger,
		state:    StateNew,
	}
}

// OnStart tells every admin the bot is up.
func (c *Coordinator) OnStart(ctx context.Context) notify.Report {
	c.logger.Info("lifecycle: startup", "admins", len(c.admins))
	report := c.notifier.Broadcast(ctx, c.admins, StartupMessage)
	c.transition(StateStarted, report)
	return report
}

// OnStop tells every admin the bot is going down.
func (c *Coordinator) OnStop(ctx context.Context) notify.Report {
	c.logger.Info("lifecycle: shutdown", "admins", len(c.admins))
	report := c.notifier.Broadcast(ctx, c.admins, ShutdownMessage)
	c.transition(StateStopped, report)
	return report
}

// State returns the last transition made.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) transition(to State, report notify.Report) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.logger.Info("lifecycle: admins notified",
		"from", from,
		"to", to,
		"broadcast", report.ID,
		"delivered", len(report.Delivered()),
		"failed", len(report.Failed()),
	)
}
