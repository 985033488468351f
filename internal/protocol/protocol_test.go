package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageFillsEnvelope(t *testing.T) {
	msg, err := NewMessage(TypePing, map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, TypePing, msg.Type)
	assert.NotEmpty(t, msg.ID)
	assert.Greater(t, msg.Timestamp, int64(0))
	assert.NoError(t, msg.Validate())
}

func TestDecodeValidFrame(t *testing.T) {
	raw := []byte(`{"type":"PING","id":"m-1","timestamp":1700000000000,"payload":{}}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypePing, msg.Type)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"missing type", `{"id":"m-1","timestamp":1,"payload":{}}`, ErrMissingType},
		{"missing id", `{"type":"PING","timestamp":1,"payload":{}}`, ErrMissingID},
		{"zero timestamp", `{"type":"PING","id":"m-1","payload":{}}`, ErrMissingTimestamp},
		{"negative timestamp", `{"type":"PING","id":"m-1","timestamp":-5,"payload":{}}`, ErrMissingTimestamp},
		{"missing payload", `{"type":"PING","id":"m-1","timestamp":1}`, ErrInvalidPayload},
		{"payload not an object", `{"type":"PING","id":"m-1","timestamp":1,"payload":[1,2]}`, ErrInvalidPayload},
		{"payload null", `{"type":"PING","id":"m-1","timestamp":1,"payload":null}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestCanonicalTypeAliasesCommandComplete(t *testing.T) {
	assert.Equal(t, TypeCommandResult, CanonicalType(TypeCommandComplete))
	assert.Equal(t, TypeCommandResult, CanonicalType(TypeCommandResult))
	assert.Equal(t, TypeAgentStatus, CanonicalType(TypeAgentStatus))
}

func TestAllowedTypeSets(t *testing.T) {
	// Dashboards issue commands, agents report them. The sets must not
	// bleed into each other.
	assert.True(t, AllowedFromDashboard(TypeCommandRequest))
	assert.True(t, AllowedFromDashboard(TypeEmergencyStop))
	assert.False(t, AllowedFromDashboard(TypeAgentConnect))
	assert.False(t, AllowedFromDashboard(TypeTerminalStream))

	assert.True(t, AllowedFromAgent(TypeTerminalStream))
	assert.True(t, AllowedFromAgent(TypeCommandComplete))
	assert.False(t, AllowedFromAgent(TypeCommandRequest))
	assert.False(t, AllowedFromAgent(TypeDashboardInit))

	// Both directions may ping.
	assert.True(t, AllowedFromDashboard(TypePing))
	assert.True(t, AllowedFromAgent(TypePing))
}

func TestTerminalContentAcceptsStringAndArray(t *testing.T) {
	var p TerminalStreamPayload
	require.NoError(t, json.Unmarshal([]byte(
		`{"agentId":"a1","streamType":"stdout","content":"hello","sequence":1,"timestamp":1}`), &p))
	assert.Equal(t, TerminalContent{"hello"}, p.Content)

	require.NoError(t, json.Unmarshal([]byte(
		`{"agentId":"a1","streamType":"stdout","content":["a","b"],"sequence":2,"timestamp":1}`), &p))
	assert.Equal(t, TerminalContent{"a", "b"}, p.Content)
	assert.Equal(t, 2, p.Content.Bytes())
}

func TestIsTerminalCommandStatus(t *testing.T) {
	assert.True(t, IsTerminalCommandStatus(CommandCompleted))
	assert.True(t, IsTerminalCommandStatus(CommandFailed))
	assert.True(t, IsTerminalCommandStatus(CommandCancelled))
	assert.False(t, IsTerminalCommandStatus(CommandRunning))
	assert.False(t, IsTerminalCommandStatus(CommandQueued))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeCommandRequest, CommandRequestPayload{
		AgentID:   "a1",
		CommandID: "c1",
		Command:   "echo hi",
	})
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)

	var p CommandRequestPayload
	require.NoError(t, decoded.ParsePayload(&p))
	assert.Equal(t, "echo hi", p.Command)
}
