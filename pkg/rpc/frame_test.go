package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestAssignsID(t *testing.T) {
	f, err := NewRequest(RequestSendText, map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, f.RequestID)
	assert.Equal(t, FrameType(RequestSendText), f.Type)

	var payload map[string]string
	require.NoError(t, f.ParseData(&payload))
	assert.Equal(t, "hi", payload["text"])
}

func TestResultRoundTrip(t *testing.T) {
	f, err := NewResult("req-1", true, map[string]any{"delivered": true})
	require.NoError(t, err)

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(raw, &decoded))

	r := decoded.AsResult()
	assert.Equal(t, "req-1", r.RequestID)
	assert.True(t, r.OK)
}

func TestResultDefaultsToNotOK(t *testing.T) {
	var decoded Frame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"result","requestId":"r1"}`), &decoded))
	assert.False(t, decoded.AsResult().OK)
}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher()
	var seen []FrameType
	d.RegisterFunc(FrameMessage, func(ctx context.Context, f *Frame) (*Frame, error) {
		seen = append(seen, f.Type)
		return nil, nil
	})

	_, err := d.Dispatch(context.Background(), &Frame{Type: FrameMessage})
	require.NoError(t, err)
	assert.Equal(t, []FrameType{FrameMessage}, seen)

	// Unknown frame types are ignored, not failed.
	resp, err := d.Dispatch(context.Background(), &Frame{Type: "unknown"})
	require.NoError(t, err)
	assert.Nil(t, resp)

	assert.True(t, d.HasHandler(FrameMessage))
	assert.False(t, d.HasHandler(FrameShutdown))
}
