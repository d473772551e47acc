package model

import (
	"context"

	"github.com/nstogner/datachat/pkg/domain"
)

// Message represents a message in the model's conversation context.
type Message struct {
	// Role indicates the sender (user, assistant, tool).
	Role domain.Role
	// Content holds the message parts.
	Content []Content
}

// Content represents a single component of a message.
type Content struct {
	Type string // "text", "tool_call", "tool_result"

	// Text content (when Type == "text").
	Text string `json:"text,omitempty"`

	// Tool call (when Type == "tool_call").
	ToolCall *domain.ToolCall `json:"tool_call,omitempty"`

	// Tool result (when Type == "tool_result").
	ToolResult *domain.ToolResult `json:"tool_result,omitempty"`

	// ThoughtSignature is an opaque signature for the model's internal state.
	// Must be round-tripped back to the model on the next request.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// ToolDeclaration describes a tool the model may call. Parameters is a
// JSON-schema style object ("type", "properties", "required").
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single model invocation.
type Request struct {
	// Model identifies which model to use (e.g. "gemini-2.0-flash").
	Model string
	// Instructions is the system prompt.
	Instructions string
	// Temperature is the decoding temperature. Nil leaves the provider default.
	Temperature *float32
	// Tools are the tools the model may call.
	Tools []ToolDeclaration
	// Messages is the conversation history.
	Messages []Message
}

// Provider represents a service that provides LLMs (e.g. Gemini, a local TGI server).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini", "tgi").
	Name() string

	// List returns the available models from this provider.
	List(ctx context.Context) ([]domain.Model, error)

	// Stream sends a request to the LLM and returns a stream of responses.
	Stream(ctx context.Context, req Request) (ModelStream, error)
}

// ModelStream abstracts the stream of responses from the model.
type ModelStream interface {
	// FullMessage blocks until the complete response is available and returns it.
	FullMessage() (Message, error)

	// Close releases resources associated with this stream.
	Close() error
}

// Text returns the concatenated text parts of a message.
func (m Message) Text() string {
	var out string
	for _, c := range m.Content {
		if c.Type == domain.ContentTypeText {
			out += c.Text
		}
	}
	return out
}

// ToolCalls returns the tool calls contained in a message.
func (m Message) ToolCalls() []*domain.ToolCall {
	var calls []*domain.ToolCall
	for _, c := range m.Content {
		if c.Type == domain.ContentTypeToolCall && c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
	}
	return calls
}
