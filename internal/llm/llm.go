// Package llm defines the narrow capability the Retry Driver wraps: a
// single complete(params) method with no retry semantics of its own. The
// concrete HTTP clients that implement it for real providers are external
// collaborators, out of scope for this repository.
package llm

import "context"

// Params is the request an agent sends to a provider. Model is required;
// the rest is provider-opaque.
type Params struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// StopReason is why the provider stopped generating.
type StopReason string

const (
	StopEndTurn     StopReason = "end_turn"
	StopMaxTokens   StopReason = "max_tokens"
	StopStopString  StopReason = "stop_sequence"
)

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is one successful completion.
type Result struct {
	Content    string
	Usage      Usage
	StopReason StopReason
}

// Capability is the single-method polymorphic surface every LLM provider
// implements. It is a narrow interface, not a class hierarchy: the Retry
// Driver, a mock, and a real HTTP-backed client are interchangeable callers
// of the same method.
type Capability interface {
	Complete(ctx context.Context, params Params) (Result, error)
}
