// Package notify delivers one message to a fixed set of recipients,
// attempting each independently and collecting per-recipient outcomes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gmatbot/internal/domain"
	"gmatbot/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultSendTimeout = 15 * time.Second

var tracer = otel.Tracer("gmatbot/notify")

// NotificationFailure is the error recorded for a recipient that could not
// be reached.
type NotificationFailure struct {
	RecipientID int64
	Err         error
}

func (e *NotificationFailure) Error() string {
	return fmt.Sprintf("notify %d: %v", e.RecipientID, e.Err)
}

func (e *NotificationFailure) Unwrap() error { return e.Err }

// Result is the outcome for one recipient.
type Result struct {
	RecipientID int64
	Delivered   bool
	Err         error // *NotificationFailure when !Delivered
}

// Report is the ordered outcome of one broadcast: one Result per recipient,
// in the order the recipients were given.
type Report struct {
	ID         string
	Message    string
	Results    []Result
	StartedAt  time.Time
	FinishedAt time.Time
}

// Delivered returns the recipients that received the message.
func (r Report) Delivered() []int64 {
	var out []int64
	for _, res := range r.Results {
		if res.Delivered {
			out = append(out, res.RecipientID)
		}
	}
	return out
}

// Failed returns the results of recipients that were not reached.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Delivered {
			out = append(out, res)
		}
	}
	return out
}

// OK reports whether every recipient was reached.
func (r Report) OK() bool { return len(r.Failed()) == 0 }

// Config configures a Notifier.
type Config struct {
	Messenger   domain.Messenger
	SendTimeout time.Duration // per recipient
	Logger      *slog.Logger
}

// Notifier fans a message out to recipients through a Messenger.
type Notifier struct {
	messenger   domain.Messenger
	sendTimeout time.Duration
	logger      *slog.Logger
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{
		messenger:   cfg.Messenger,
		sendTimeout: cfg.SendTimeout,
		logger:      cfg.Logger,
	}
}

// Broadcast sends message to every recipient in order. A failure for one
// recipient is recorded in its Result and never stops the others. Once
// started, a broadcast is not cancelled by ctx; each send is bounded by the
// per-recipient timeout instead.
func (n *Notifier) Broadcast(ctx context.Context, recipients []int64, message string) Report {
	report := Report{
		ID:        uuid.NewString(),
		Message:   message,
		Results:   make([]Result, 0, len(recipients)),
		StartedAt: time.Now(),
	}
	ctx = context.WithoutCancel(ctx)

	ctx, span := tracer.Start(ctx, "notify.broadcast",
		trace.WithAttributes(
			attribute.String("broadcast.id", report.ID),
			attribute.Int("broadcast.recipients", len(recipients)),
		),
	)
	defer span.End()

	for _, id := range recipients {
		res := n.deliver(ctx, id, message)
		if res.Delivered {
			metrics.NotificationsSent.Inc()
			n.logger.Info("recipient notified", "broadcast", report.ID, "recipient", id)
		} else {
			metrics.NotificationsFailed.Inc()
			n.logger.Error("recipient notification failed", "broadcast", report.ID, "recipient", id, "err", res.Err)
		}
		report.Results = append(report.Results, res)
	}
	report.FinishedAt = time.Now()

	failed := len(report.Failed())
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d recipients failed", failed, len(recipients)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return report
}

func (n *Notifier) deliver(ctx context.Context, id int64, message string) (res Result) {
	res.RecipientID = id
	defer func() {
		if r := recover(); r != nil {
			res.Delivered = false
			res.Err = &NotificationFailure{RecipientID: id, Err: fmt.Errorf("send panic: %v", r)}
		}
	}()

	if n.messenger == nil {
		res.Err = &NotificationFailure{RecipientID: id, Err: fmt.Errorf("no messenger configured")}
		return res
	}

	sctx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	defer cancel()
	if err := n.messenger.Send(sctx, id, message); err != nil {
		res.Err = &NotificationFailure{RecipientID: id, Err: err}
		return res
	}
	res.Delivered = true
	return res
}
