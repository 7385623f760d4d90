// Package mcp streams tool-using agent runs from the external MCP
// executor and exposes its event protocol to the turn pipeline.
package mcp

import (
	"encoding/json"
	"fmt"
)

// EventType identifies one executor stream event.
type EventType string

const (
	// EventStart opens a run and carries its runId.
	EventStart EventType = "start"
	// EventJudge is the executor's verdict on whether tools are needed.
	EventJudge EventType = "judge"
	// EventPlan lists the steps the executor intends to take.
	EventPlan EventType = "plan"
	// EventToolResult carries one tool invocation's output.
	EventToolResult EventType = "tool_result"
	// EventSummary closes a run with the executor's final digest.
	EventSummary EventType = "summary"
	// EventError reports a stream-level failure; the run is over.
	EventError EventType = "error"
)

// Event is one decoded executor stream event. Fields are populated
// according to Type.
type Event struct {
	Type EventType

	// start
	RunID string

	// judge
	Need bool

	// plan
	Steps []string

	// tool_result
	ToolName   string
	ToolResult string

	// summary
	Summary string

	// error
	Err error
}

// wireEvent is the executor's frame layout.
type wireEvent struct {
	Event   string          `json:"event"`
	RunID   string          `json:"runId,omitempty"`
	Need    *bool           `json:"need,omitempty"`
	Steps   []string        `json:"steps,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Summary string          `json:"summary,omitempty"`
	Message string          `json:"message,omitempty"`
}

// DecodeEvent parses one executor frame. Unknown event names decode to an
// error event so the pipeline fails the run instead of hanging.
func DecodeEvent(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode executor event: %w", err)
	}

	switch EventType(w.Event) {
	case EventStart:
		if w.RunID == "" {
			return nil, fmt.Errorf("start event missing runId")
		}
		return &Event{Type: EventStart, RunID: w.RunID}, nil
	case EventJudge:
		need := w.Need != nil && *w.Need
		return &Event{Type: EventJudge, Need: need}, nil
	case EventPlan:
		return &Event{Type: EventPlan, Steps: w.Steps}, nil
	case EventToolResult:
		return &Event{
			Type:       EventToolResult,
			ToolName:   w.Tool,
			ToolResult: decodeResult(w.Result),
		}, nil
	case EventSummary:
		return &Event{Type: EventSummary, Summary: w.Summary}, nil
	case EventError:
		msg := w.Message
		if msg == "" {
			msg = "executor reported an error"
		}
		return &Event{Type: EventError, Err: fmt.Errorf("%s", msg)}, nil
	default:
		return nil, fmt.Errorf("unknown executor event %q", w.Event)
	}
}

// decodeResult renders a tool result payload as text: JSON strings are
// unwrapped, anything else passes through raw.
func decodeResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
