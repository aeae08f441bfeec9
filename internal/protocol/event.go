// Package protocol decodes the assistant CLI's newline-delimited JSON
// output into normalized chat events.
package protocol

import (
	"bytes"
	"encoding/json"
)

// EventType names a chat event variant.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is one normalized chat event. Its JSON form is the SSE payload.
type Event struct {
	Type  EventType       `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Persist names the transcript entry type an event should be stored as.
type Persist string

const (
	PersistNone    Persist = ""
	PersistText    Persist = "text"
	PersistToolUse Persist = "tool_use"
	PersistResult  Persist = "result"
)

// Update is one decoder output: either a continuity token (SessionID set,
// Event nil) or an event.
type Update struct {
	SessionID string
	Event     *Event
	Persist   Persist
	// Terminal marks the done event produced by a result frame.
	Terminal bool
}

// TextEvent, ErrorEvent and DoneEvent are convenience constructors.
func TextEvent(text string) Event  { return Event{Type: EventText, Text: text} }
func ErrorEvent(text string) Event { return Event{Type: EventError, Text: text} }
func DoneEvent() Event             { return Event{Type: EventDone} }

// StderrEvent maps a stderr chunk to an error event. Blank chunks yield none.
func StderrEvent(chunk []byte) (Event, bool) {
	text := string(bytes.TrimSpace(chunk))
	if text == "" {
		return Event{}, false
	}
	return ErrorEvent(text), true
}
