package eventlog

import (
	"encoding/json"
	"testing"
	"time"

	"gmatbot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEvent(t *testing.T) domain.EventRecord {
	t.Helper()
	e, err := domain.NewEvent(domain.EventParams{
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ChatID:    42,
		MessageID: 7,
		Direction: domain.Inbound,
		Text:      "/start",
		Router:    "start_cmd_router",
		Method:    "cmd_start",
		EventType: domain.EventCommand,
	})
	require.NoError(t, err)
	return e
}

func TestMarshal_FieldOrderAndValues(t *testing.T) {
	body, err := Marshal(startEvent(t))
	require.NoError(t, err)

	want := `{"timestamp":"2024-01-02T03:04:05+00:00","chat_id":42,"message_id":7,"direction":"inbound",` +
		`"text":"/start","router":"start_cmd_router","method":"cmd_start","event_type":"command"}`
	assert.Equal(t, want, string(body))
}

func TestMarshal_ExactFieldSet(t *testing.T) {
	body, err := Marshal(startEvent(t))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Len(t, m, 8)
	for _, f := range []string{"timestamp", "chat_id", "message_id", "direction", "text", "router", "method", "event_type"} {
		assert.Contains(t, m, f)
	}
}

func TestMarshal_PreservesNonASCII(t *testing.T) {
	for _, text := range []string{"Привет 👋", "Регистрация прошла успешно 🎉", "<b>a & b</b>", ""} {
		e, err := domain.NewEvent(domain.EventParams{ChatID: 1, Direction: domain.Outbound, Text: text})
		require.NoError(t, err)

		body, err := Marshal(e)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"text":"`+text+`"`)
		assert.NotContains(t, string(body), `\u`)

		decoded, err := Unmarshal(body)
		require.NoError(t, err)
		assert.Equal(t, text, decoded.Text())
	}
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	e := startEvent(t)
	body, err := Marshal(e)
	require.NoError(t, err)

	got, err := Unmarshal(body)
	require.NoError(t, err)
	assert.True(t, e.Timestamp().Equal(got.Timestamp()))
	assert.Equal(t, e.ChatID(), got.ChatID())
	assert.Equal(t, e.MessageID(), got.MessageID())
	assert.Equal(t, e.Direction(), got.Direction())
	assert.Equal(t, e.Method(), got.Method())
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := Unmarshal([]byte(`{"timestamp":"yesterday","direction":"inbound"}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"timestamp":"2024-01-02T03:04:05+00:00","direction":"sideways"}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}
