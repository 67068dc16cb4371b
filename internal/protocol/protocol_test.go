package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	approve := true
	envelopes := []Envelope{
		NewIdleNotification("worker", "waiting for review"),
		NewShutdownRequest("system", "session ending", "req-1"),
		NewShutdownApproved("worker", "req-1"),
		NewTaskAssignment("lead", "3", "Write the report"),
		NewTaskCompleted("worker", "3", "Write the report"),
		NewPlanApprovalRequest("worker", "1. research 2. draft", "req-2"),
		{Type: TypePlanApprovalResponse, From: "lead", Approve: &approve, RequestID: "req-2"},
	}

	for _, env := range envelopes {
		t.Run(env.Type, func(t *testing.T) {
			parsed := ParseEnvelope(env.Serialize())
			require.NotNil(t, parsed)
			assert.Equal(t, env, *parsed)
		})
	}
}

func TestParseEnvelopeRejectsPlainText(t *testing.T) {
	cases := []string{
		"hello there",
		"",
		"42",
		`"a json string"`,
		`["array", "of", "strings"]`,
		`{"no_type_field": true}`,
		`{"type": ""}`,
	}
	for _, text := range cases {
		assert.Nil(t, ParseEnvelope(text), "text %q should not parse as envelope", text)
	}
}

func TestNewMessageDefaultSummary(t *testing.T) {
	long := strings.Repeat("x", 200)
	msg := NewMessage("lead", long, "", "blue")
	assert.Len(t, msg.Summary, 80)
	assert.False(t, msg.Read)
	assert.Equal(t, "blue", msg.Color)
	assert.True(t, strings.HasSuffix(msg.Timestamp, "Z"))

	short := NewMessage("lead", "short text", "", "")
	assert.Equal(t, "short text", short.Summary)

	explicit := NewMessage("lead", "body", "custom summary", "")
	assert.Equal(t, "custom summary", explicit.Summary)
}

func TestNewEnvelopeMessage(t *testing.T) {
	msg := NewEnvelopeMessage(NewIdleNotification("worker", ""))

	assert.Equal(t, "worker", msg.From)
	assert.Equal(t, "idle_notification from worker", msg.Summary)

	parsed := ParseEnvelope(msg.Text)
	require.NotNil(t, parsed)
	assert.Equal(t, TypeIdleNotification, parsed.Type)
	assert.Equal(t, "available", parsed.IdleReason)
	assert.NotEmpty(t, parsed.Timestamp)
}
