package domain

import "time"

// SegmentType identifies how a response segment is displayed.
type SegmentType string

const (
	// SegmentText is displayed as (Markdown) text.
	SegmentText SegmentType = "text"
	// SegmentImage is displayed by loading the image at a local path.
	SegmentImage SegmentType = "image"
)

// Segment is one typed piece of an answer. For text segments Output holds
// the text, for image segments it holds a local file path.
type Segment struct {
	Type   SegmentType `json:"type"`
	Output string      `json:"output"`
}

// Answer is the formatted result of one query, in display order.
type Answer struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Segments  []Segment `json:"segments"`
	CreatedAt time.Time `json:"created_at"`
}

// EventType identifies a session event.
type EventType string

const (
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventStdout     EventType = "stdout"
	EventStderr     EventType = "stderr"
	EventArtifact   EventType = "artifact"
	EventAnswer     EventType = "answer"
	EventUpload     EventType = "upload"
	EventReset      EventType = "reset"
)

// Event is a unit of live session activity pushed to subscribers.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Answer    *Answer   `json:"answer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Model represents an available LLM model.
type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult represents the outcome of a tool call execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}
