package domain

import (
	"fmt"
	"time"
)

// Direction tells whether a message came from the user or from the bot.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Inbound || d == Outbound
}

// Well-known event types. The field is free-form; these are the values the
// bot's own handlers emit.
const (
	EventCommand = "command"
	EventMessage = "message"
	EventError   = "error"
)

// EventRecord is one logged interaction. It is immutable once built: fields
// are only reachable through accessors.
type EventRecord struct {
	timestamp time.Time
	chatID    int64
	messageID int
	direction Direction
	text      string
	router    string
	method    string
	eventType string
}

// EventParams carries the producer-supplied fields of an EventRecord.
// A zero Timestamp is replaced with the current UTC time.
type EventParams struct {
	Timestamp time.Time
	ChatID    int64
	MessageID int
	Direction Direction
	Text      string
	Router    string
	Method    string
	EventType string
}

// NewEvent builds an EventRecord. The timestamp is normalized to UTC.
func NewEvent(p EventParams) (EventRecord, error) {
	if !p.Direction.Valid() {
		return EventRecord{}, fmt.Errorf("invalid event direction %q", p.Direction)
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return EventRecord{
		timestamp: ts.UTC(),
		chatID:    p.ChatID,
		messageID: p.MessageID,
		direction: p.Direction,
		text:      p.Text,
		router:    p.Router,
		method:    p.Method,
		eventType: p.EventType,
	}, nil
}

func (e EventRecord) Timestamp() time.Time { return e.timestamp }
func (e EventRecord) ChatID() int64        { return e.chatID }
func (e EventRecord) MessageID() int       { return e.messageID }
func (e EventRecord) Direction() Direction { return e.direction }
func (e EventRecord) Text() string         { return e.text }
func (e EventRecord) Router() string       { return e.router }
func (e EventRecord) Method() string       { return e.method }
func (e EventRecord) EventType() string    { return e.eventType }
