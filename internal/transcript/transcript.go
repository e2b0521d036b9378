// Package transcript classifies lines of a coding-assistant event log
// into typed events. The producer's format drifts across versions, so
// classification is tolerant: a line that fits no known shape becomes
// an Unclassified event rather than an error.
package transcript

import (
	"encoding/json"
	"strings"
)

// EventType tags a classified line.
type EventType string

const (
	EventText         EventType = "text"
	EventToolUse      EventType = "tool_use"
	EventResult       EventType = "result"
	EventUnclassified EventType = "unclassified"
)

// Event is one classified line of the log.
type Event struct {
	Type EventType
	// Text is the extracted human-readable payload, when one exists.
	Text string
	// Raw is the original line, always preserved.
	Raw string
}

// jsonLine covers the union of field names seen across producer
// versions. Unknown fields are ignored.
type jsonLine struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Text    string `json:"text"`
	Content string `json:"content"`
	Message string `json:"message"`
	Tool    string `json:"tool"`
	Name    string `json:"name"`
	Result  string `json:"result"`
	Output  string `json:"output"`
}

// ClassifyLine classifies a single line. Empty lines classify as
// EventText with empty text so callers can preserve blank output.
func ClassifyLine(line string) Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Event{Type: EventText, Raw: line}
	}

	if strings.HasPrefix(trimmed, "{") {
		var jl jsonLine
		if err := json.Unmarshal([]byte(trimmed), &jl); err == nil {
			return classifyJSON(jl, line)
		}
		// Malformed JSON still carries information.
		return Event{Type: EventUnclassified, Text: trimmed, Raw: line}
	}

	// Plain prefixed formats some versions emit.
	switch {
	case strings.HasPrefix(trimmed, "tool:"):
		return Event{Type: EventToolUse, Text: strings.TrimSpace(strings.TrimPrefix(trimmed, "tool:")), Raw: line}
	case strings.HasPrefix(trimmed, "result:"):
		return Event{Type: EventResult, Text: strings.TrimSpace(strings.TrimPrefix(trimmed, "result:")), Raw: line}
	}

	return Event{Type: EventText, Text: trimmed, Raw: line}
}

func classifyJSON(jl jsonLine, raw string) Event {
	kind := jl.Type
	if kind == "" {
		kind = jl.Event
	}

	text := firstNonEmpty(jl.Text, jl.Content, jl.Message)

	switch kind {
	case "text", "message", "assistant":
		return Event{Type: EventText, Text: text, Raw: raw}
	case "tool_use", "tool", "tool_call":
		name := firstNonEmpty(jl.Tool, jl.Name, text)
		return Event{Type: EventToolUse, Text: name, Raw: raw}
	case "result", "tool_result", "done":
		return Event{Type: EventResult, Text: firstNonEmpty(jl.Result, jl.Output, text), Raw: raw}
	}

	// No recognized type tag; a bare text payload still reads as text.
	if text != "" {
		return Event{Type: EventText, Text: text, Raw: raw}
	}
	return Event{Type: EventUnclassified, Text: raw, Raw: raw}
}

// Classify splits data into lines and classifies each.
func Classify(data string) []Event {
	if data == "" {
		return nil
	}
	lines := strings.Split(strings.TrimRight(data, "\n"), "\n")
	events := make([]Event, 0, len(lines))
	for _, l := range lines {
		events = append(events, ClassifyLine(l))
	}
	return events
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
