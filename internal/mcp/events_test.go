package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Event
	}{
		{
			"start",
			`{"event":"start","runId":"run-7"}`,
			Event{Type: EventStart, RunID: "run-7"},
		},
		{
			"judge need",
			`{"event":"judge","need":true}`,
			Event{Type: EventJudge, Need: true},
		},
		{
			"judge no need",
			`{"event":"judge","need":false}`,
			Event{Type: EventJudge},
		},
		{
			"judge missing need defaults false",
			`{"event":"judge"}`,
			Event{Type: EventJudge},
		},
		{
			"plan",
			`{"event":"plan","steps":["look up weather","format reply"]}`,
			Event{Type: EventPlan, Steps: []string{"look up weather", "format reply"}},
		},
		{
			"tool result with string payload",
			`{"event":"tool_result","tool":"weather","result":"sunny, 31C"}`,
			Event{Type: EventToolResult, ToolName: "weather", ToolResult: "sunny, 31C"},
		},
		{
			"tool result with object payload",
			`{"event":"tool_result","tool":"weather","result":{"temp":31}}`,
			Event{Type: EventToolResult, ToolName: "weather", ToolResult: `{"temp":31}`},
		},
		{
			"summary",
			`{"event":"summary","summary":"answered the weather question"}`,
			Event{Type: EventSummary, Summary: "answered the weather question"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestDecodeErrorEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"event":"error","message":"tool crashed"}`))
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Type)
	assert.EqualError(t, ev.Err, "tool crashed")
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"event":"start"}`))
	assert.Error(t, err, "start without runId")

	_, err = DecodeEvent([]byte(`{"event":"teleport"}`))
	assert.Error(t, err, "unknown event name")

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeStreamRequest(t *testing.T) {
	req, err := decodeStreamRequest([]byte(`{
		"action":"stream",
		"objective":"reply to alice",
		"conversation":[{"role":"system","content":"base"},{"role":"user","content":"hi"}],
		"overlays":{"persona":"<sentra-persona/>"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "stream", req.Action)
	assert.Equal(t, "reply to alice", req.Objective)
	require.Len(t, req.Conversation, 2)
	assert.Equal(t, "user", req.Conversation[1].Role)
	assert.Equal(t, "<sentra-persona/>", req.Overlays["persona"])
}
