package agent

import "time"

// EventType identifies one streaming event kind.
type EventType string

const (
	EventStarted    EventType = "started"
	EventModelChunk EventType = "model_chunk"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventFinal      EventType = "final"
	EventError      EventType = "error"
)

// StreamEvent is one element of the finite event sequence emitted by a
// streaming execution.
type StreamEvent struct {
	Type      EventType      `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	OK        bool           `json:"ok,omitempty"`
	Data      string         `json:"data,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventSink receives stream events. A nil sink disables emission entirely.
type EventSink chan<- StreamEvent

// EventBufferSize is the bound on per-run event channels.
const EventBufferSize = 100

// emit delivers an event without blocking. When the channel is full,
// ModelChunk events are dropped; lifecycle events wait for room.
func emit(sink EventSink, ev StreamEvent) {
	if sink == nil {
		return
	}
	ev.Timestamp = time.Now()
	if ev.Type == EventModelChunk {
		select {
		case sink <- ev:
		default:
		}
		return
	}
	sink <- ev
}
