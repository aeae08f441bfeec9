package protocol

import (
	"bytes"
	"encoding/json"
)

// Frame types emitted by the CLI in stream-json mode.
const (
	frameSystem     = "system"
	frameAssistant  = "assistant"
	frameUser       = "user"
	frameToolResult = "tool_result"
	frameResult     = "result"
)

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Message   *message        `json:"message"`
	Content   json.RawMessage `json:"content"`
	Result    json.RawMessage `json:"result"`
}

type message struct {
	Content []block `json:"content"`
}

type block struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

// Decoder incrementally splits stdout bytes into lines and maps each
// complete frame to updates. Chunk boundaries do not affect the output.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write consumes a chunk and returns updates for every line it completes.
// The trailing partial line is kept for the next call.
func (d *Decoder) Write(chunk []byte) []Update {
	d.buf = append(d.buf, chunk...)

	var out []Update
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		out = append(out, decodeLine(d.buf[:i])...)
		d.buf = d.buf[i+1:]
	}
	// Reclaim the backing array once drained.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush decodes whatever remains in the buffer as a final line.
func (d *Decoder) Flush() []Update {
	rest := d.buf
	d.buf = nil
	return decodeLine(rest)
}

// Buffered reports how many bytes await a newline.
func (d *Decoder) Buffered() int { return len(d.buf) }

func decodeLine(line []byte) []Update {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil
	}
	return mapFrame(f)
}

func mapFrame(f frame) []Update {
	switch f.Type {
	case frameSystem:
		if f.SessionID != "" {
			return []Update{{SessionID: f.SessionID}}
		}
	case frameAssistant:
		if f.Message == nil {
			return nil
		}
		var out []Update
		for _, b := range f.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					out = append(out, eventUpdate(TextEvent(b.Text), PersistText))
				}
			case "tool_use":
				ev := Event{Type: EventToolUse, Name: b.Name, Input: compact(b.Input)}
				out = append(out, eventUpdate(ev, PersistToolUse))
			}
		}
		return out
	case frameToolResult:
		return toolResults(f.Content)
	case frameUser:
		// Tool output arrives as tool_result blocks inside a user message.
		if f.Message == nil {
			return nil
		}
		var out []Update
		for _, b := range f.Message.Content {
			if b.Type == "tool_result" {
				out = append(out, toolResults(b.Content)...)
			}
		}
		return out
	case frameResult:
		var out []Update
		var text string
		if len(f.Result) > 0 && json.Unmarshal(f.Result, &text) == nil && text != "" {
			out = append(out, eventUpdate(TextEvent(text), PersistResult))
		}
		done := DoneEvent()
		return append(out, Update{Event: &done, Terminal: true})
	}
	return nil
}

// toolResults accepts either a plain string or an array of content blocks.
func toolResults(raw json.RawMessage) []Update {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil
		}
		return []Update{eventUpdate(Event{Type: EventToolResult, Text: s}, PersistNone)}
	}
	var blocks []block
	if json.Unmarshal(raw, &blocks) != nil {
		return nil
	}
	var out []Update
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			out = append(out, eventUpdate(Event{Type: EventToolResult, Text: b.Text}, PersistNone))
		}
	}
	return out
}

func eventUpdate(ev Event, persist Persist) Update {
	return Update{Event: &ev, Persist: persist}
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil
	}
	return buf.Bytes()
}
