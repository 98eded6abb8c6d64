package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	chatID int64
	text   string
}

// fakeMessenger records sends and fails for configured recipients.
type fakeMessenger struct {
	mu     sync.Mutex
	sent   []sentMessage
	failOn map[int64]error
	panics map[int64]bool
}

func (f *fakeMessenger) Send(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{chatID, text})
	f.mu.Unlock()
	if f.panics[chatID] {
		panic("transport exploded")
	}
	return f.failOn[chatID]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroadcast_IsolatesFailure(t *testing.T) {
	m := &fakeMessenger{failOn: map[int64]error{2: errors.New("chat not found")}}
	n := NewNotifier(Config{Messenger: m, Logger: testLogger()})

	report := n.Broadcast(context.Background(), []int64{1, 2, 3}, "hello")

	require.Len(t, report.Results, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{report.Results[0].RecipientID, report.Results[1].RecipientID, report.Results[2].RecipientID})
	assert.True(t, report.Results[0].Delivered)
	assert.False(t, report.Results[1].Delivered)
	assert.True(t, report.Results[2].Delivered)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(2), failed[0].RecipientID)
	var nf *NotificationFailure
	require.ErrorAs(t, failed[0].Err, &nf)
	assert.Equal(t, int64(2), nf.RecipientID)
	assert.EqualError(t, errors.Unwrap(failed[0].Err), "chat not found")

	assert.Equal(t, []int64{1, 3}, report.Delivered())
	assert.False(t, report.OK())
	assert.Len(t, m.sent, 3, "every recipient is attempted")
}

func TestBroadcast_PanicIsCaptured(t *testing.T) {
	m := &fakeMessenger{panics: map[int64]bool{1: true}}
	n := NewNotifier(Config{Messenger: m, Logger: testLogger()})

	var report Report
	require.NotPanics(t, func() {
		report = n.Broadcast(context.Background(), []int64{1, 2}, "hi")
	})
	assert.False(t, report.Results[0].Delivered)
	assert.Contains(t, report.Results[0].Err.Error(), "transport exploded")
	assert.True(t, report.Results[1].Delivered)
}

func TestBroadcast_AllDelivered(t *testing.T) {
	m := &fakeMessenger{}
	n := NewNotifier(Config{Messenger: m, Logger: testLogger()})

	report := n.Broadcast(context.Background(), []int64{10, 20}, "ready")

	assert.True(t, report.OK())
	assert.Empty(t, report.Failed())
	assert.Equal(t, "ready", report.Message)
	_, err := uuid.Parse(report.ID)
	assert.NoError(t, err)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
	assert.Equal(t, []sentMessage{{10, "ready"}, {20, "ready"}}, m.sent)
}

func TestBroadcast_Empty(t *testing.T) {
	n := NewNotifier(Config{Messenger: &fakeMessenger{}, Logger: testLogger()})
	report := n.Broadcast(context.Background(), nil, "x")
	assert.Empty(t, report.Results)
	assert.True(t, report.OK())
}

func TestBroadcast_NotCancelledByCallerContext(t *testing.T) {
	m := &fakeMessenger{}
	n := NewNotifier(Config{Messenger: m, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := n.Broadcast(ctx, []int64{1, 2}, "stopping")

	assert.True(t, report.OK())
	assert.Len(t, m.sent, 2)
}

type slowMessenger struct{}

func (slowMessenger) Send(ctx context.Context, chatID int64, text string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBroadcast_PerRecipientTimeout(t *testing.T) {
	n := NewNotifier(Config{Messenger: slowMessenger{}, SendTimeout: 10 * time.Millisecond, Logger: testLogger()})

	report := n.Broadcast(context.Background(), []int64{1, 2}, "x")

	require.Len(t, report.Failed(), 2)
	assert.ErrorIs(t, report.Results[0].Err, context.DeadlineExceeded)
}

func TestBroadcast_NoMessenger(t *testing.T) {
	n := NewNotifier(Config{Logger: testLogger()})
	report := n.Broadcast(context.Background(), []int64{1}, "x")
	require.Len(t, report.Failed(), 1)
}
