// Package llm defines the Provider interface for text completion backends.
//
// The memory engine only needs single-shot completions (summarising a group
// of sibling nodes into a parent), so the interface is deliberately narrow:
// one blocking Complete call plus a model identifier for logging.
//
// Implementors must be safe for concurrent use and must return promptly when
// ctx is cancelled.
package llm

import "context"

// Roles accepted in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry of the prompt sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered prompt. The last message is typically from the
	// user role and drives the response.
	Messages []Message

	// SystemPrompt is an optional instruction sent ahead of Messages using the
	// backend's native system facility.
	SystemPrompt string

	// Temperature controls output randomness. Zero requests the provider
	// default.
	Temperature float64

	// MaxTokens caps the number of generated tokens. Zero means provider
	// default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// FinishReason reports why generation stopped, as reported by the
	// backend ("stop", "length", "end_turn", ...). May be empty.
	FinishReason string

	Usage Usage
}

// Provider is the abstraction over any completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the model identifier used for requests.
	ModelID() string
}
