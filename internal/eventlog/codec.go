package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gmatbot/internal/domain"
)

// wireEvent is the stored JSON shape. Field order is the object field order.
type wireEvent struct {
	Timestamp string `json:"timestamp"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Direction string `json:"direction"`
	Text      string `json:"text"`
	Router    string `json:"router"`
	Method    string `json:"method"`
	EventType string `json:"event_type"`
}

// Marshal encodes e as a single-line UTF-8 JSON object. Non-ASCII text and
// HTML characters are written as-is.
func Marshal(e domain.EventRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(wireEvent{
		Timestamp: FormatTimestamp(e.Timestamp()),
		ChatID:    e.ChatID(),
		MessageID: e.MessageID(),
		Direction: string(e.Direction()),
		Text:      e.Text(),
		Router:    e.Router(),
		Method:    e.Method(),
		EventType: e.EventType(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Unmarshal decodes an object produced by Marshal.
func Unmarshal(data []byte) (domain.EventRecord, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.EventRecord{}, fmt.Errorf("decode event: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("decode event timestamp: %w", err)
	}
	return domain.NewEvent(domain.EventParams{
		Timestamp: ts,
		ChatID:    w.ChatID,
		MessageID: w.MessageID,
		Direction: domain.Direction(w.Direction),
		Text:      w.Text,
		Router:    w.Router,
		Method:    w.Method,
		EventType: w.EventType,
	})
}
